package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/gas"
)

// TxRequest is a fully priced transaction ready to sign.
type TxRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	Gas      gas.Details
}

// Wallet captures what the executor requires from the node's hot wallet.
type Wallet interface {
	Address() common.Address
	EstimateGas(ctx context.Context, c chain.ID, to common.Address, data []byte) (uint64, error)
	Send(ctx context.Context, c chain.ID, req TxRequest) (common.Hash, error)
}

// BalanceReader reports the gas token balance of the wallet on a chain.
type BalanceReader interface {
	Balance(ctx context.Context, c chain.ID) (*big.Int, error)
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	From         common.Address
	EstimateFunc func(ctx context.Context, c chain.ID, to common.Address, data []byte) (uint64, error)
	SendFunc     func(ctx context.Context, c chain.ID, req TxRequest) (common.Hash, error)
}

// Address returns the configured sender.
func (w FuncWallet) Address() common.Address {
	return w.From
}

// EstimateGas delegates to the configured callback.
func (w FuncWallet) EstimateGas(ctx context.Context, c chain.ID, to common.Address, data []byte) (uint64, error) {
	if w.EstimateFunc == nil {
		return 0, nil
	}
	return w.EstimateFunc(ctx, c, to, data)
}

// Send delegates to the configured callback.
func (w FuncWallet) Send(ctx context.Context, c chain.ID, req TxRequest) (common.Hash, error) {
	if w.SendFunc == nil {
		return common.Hash{}, nil
	}
	return w.SendFunc(ctx, c, req)
}
