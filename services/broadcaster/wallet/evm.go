// Package wallet signs and submits transactions from the node's hot key.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/gas"
)

// ErrChainNotConfigured is returned for chains without a backend.
var ErrChainNotConfigured = errors.New("wallet: chain not configured")

// Backend is the subset of the Ethereum RPC the wallet uses. *ethclient.Client
// satisfies it.
type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMWallet signs with a single secp256k1 key across chains.
type EVMWallet struct {
	key  *ecdsa.PrivateKey
	from common.Address

	mu       sync.RWMutex
	backends map[chain.ID]Backend
	// sendMu serialises nonce selection per chain.
	sendMu map[chain.ID]*sync.Mutex
}

// NewEVMWallet loads a hex encoded private key.
func NewEVMWallet(privKeyHex string) (*EVMWallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("wallet: empty private key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: load private key: %w", err)
	}
	return newEVMWallet(key), nil
}

func newEVMWallet(key *ecdsa.PrivateKey) *EVMWallet {
	return &EVMWallet{
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		backends: make(map[chain.ID]Backend),
		sendMu:   make(map[chain.ID]*sync.Mutex),
	}
}

// Register attaches the RPC backend of a chain.
func (w *EVMWallet) Register(c chain.ID, backend Backend) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backends[c] = backend
	if _, ok := w.sendMu[c]; !ok {
		w.sendMu[c] = &sync.Mutex{}
	}
}

// Address returns the sender address.
func (w *EVMWallet) Address() common.Address {
	return w.from
}

func (w *EVMWallet) backend(c chain.ID) (Backend, *sync.Mutex, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	backend, ok := w.backends[c]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, c)
	}
	return backend, w.sendMu[c], nil
}

// EstimateGas estimates the gas limit of a call from the wallet.
func (w *EVMWallet) EstimateGas(ctx context.Context, c chain.ID, to common.Address, data []byte) (uint64, error) {
	backend, _, err := w.backend(c)
	if err != nil {
		return 0, err
	}
	return backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: data})
}

// Balance returns the gas token balance at the latest block.
func (w *EVMWallet) Balance(ctx context.Context, c chain.ID) (*big.Int, error) {
	backend, _, err := w.backend(c)
	if err != nil {
		return nil, err
	}
	return backend.BalanceAt(ctx, w.from, nil)
}

// Send signs req with the pending nonce and submits it.
func (w *EVMWallet) Send(ctx context.Context, c chain.ID, req TxRequest) (common.Hash, error) {
	backend, lock, err := w.backend(c)
	if err != nil {
		return common.Hash{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: pending nonce: %w", err)
	}
	tx, err := buildTx(c, nonce, req)
	if err != nil {
		return common.Hash{}, err
	}
	chainID := new(big.Int).SetUint64(c.ID)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: sign: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func buildTx(c chain.ID, nonce uint64, req TxRequest) (*gethtypes.Transaction, error) {
	to := req.To
	switch req.Gas.Type {
	case gas.TypeEIP1559:
		if req.Gas.MaxFeePerGas == nil || req.Gas.MaxPriorityFeePerGas == nil {
			return nil, fmt.Errorf("wallet: eip1559 fees required")
		}
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(c.ID),
			Nonce:     nonce,
			GasTipCap: new(big.Int).Set(req.Gas.MaxPriorityFeePerGas),
			GasFeeCap: new(big.Int).Set(req.Gas.MaxFeePerGas),
			Gas:       req.GasLimit,
			To:        &to,
			Data:      req.Data,
		}), nil
	default:
		if req.Gas.GasPrice == nil {
			return nil, fmt.Errorf("wallet: gas price required")
		}
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: new(big.Int).Set(req.Gas.GasPrice),
			Gas:      req.GasLimit,
			To:       &to,
			Data:     req.Data,
		}), nil
	}
}
