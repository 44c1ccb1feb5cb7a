package router

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"shieldrelay/core/chain"
	"shieldrelay/crypto/envelope"
	"shieldrelay/services/broadcaster/poi"
)

const jsonRPCVersion = "2.0"

// Request is the JSON-RPC message a client publishes on a request topic.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  RequestParams   `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// RequestParams carries the client's ephemeral public key and the encrypted
// payload.
type RequestParams struct {
	PubKey        string              `json:"pubkey"`
	EncryptedData envelope.Ciphertext `json:"encryptedData"`
}

// Response is published on the sibling response topic.
type Response struct {
	JSONRPC string              `json:"jsonrpc"`
	Result  envelope.Ciphertext `json:"result"`
	ID      json.RawMessage     `json:"id"`
}

// Payload is the decrypted body of a transact or pre-authorize request.
type Payload struct {
	ChainType                            *uint8                                   `json:"chainType"`
	ChainID                              *uint64                                  `json:"chainID"`
	MinGasPrice                          string                                   `json:"minGasPrice"`
	FeesID                               string                                   `json:"feesID"`
	To                                   string                                   `json:"to"`
	Data                                 string                                   `json:"data"`
	BroadcasterViewingKey                string                                   `json:"broadcasterViewingKey"`
	UseRelayAdapt                        bool                                     `json:"useRelayAdapt"`
	DevLog                               bool                                     `json:"devLog"`
	MinVersion                           string                                   `json:"minVersion"`
	MaxVersion                           string                                   `json:"maxVersion"`
	TxidVersion                          string                                   `json:"txidVersion,omitempty"`
	PreTransactionPOIsPerTxidLeafPerList poi.PreTransactionPOIsPerTxidLeafPerList `json:"preTransactionPOIsPerTxidLeafPerList,omitempty"`
}

// parsed holds the validated fields of a Payload.
type parsed struct {
	chain       chain.ID
	minGasPrice *big.Int
	to          common.Address
	data        []byte
}

// parse returns the typed fields and the names of required fields that are
// absent or malformed.
func (p Payload) parse() (parsed, []string) {
	var out parsed
	var missing []string
	if p.ChainType == nil || p.ChainID == nil {
		missing = append(missing, "chain")
	} else {
		out.chain = chain.New(chain.Type(*p.ChainType), *p.ChainID)
	}
	price, err := parseBig(p.MinGasPrice)
	if err != nil || price.Sign() <= 0 {
		missing = append(missing, "minGasPrice")
	} else {
		out.minGasPrice = price
	}
	if !common.IsHexAddress(p.To) {
		missing = append(missing, "to")
	} else {
		out.to = common.HexToAddress(p.To)
	}
	data, err := hexutil.Decode(ensure0x(p.Data))
	if err != nil || len(data) == 0 {
		missing = append(missing, "data")
	} else {
		out.data = data
	}
	if strings.TrimSpace(p.FeesID) == "" {
		missing = append(missing, "feesID")
	}
	return out, missing
}

func ensure0x(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return raw
	}
	return "0x" + raw
}

// parseBig accepts 0x-prefixed hex or decimal.
func parseBig(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty")
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	out, ok := new(big.Int).SetString(raw, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return out, nil
}

type transactResult struct {
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

type preAuthorizeResult struct {
	GasLimit             string `json:"gasLimit,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	FeeToken             string `json:"feeToken,omitempty"`
	FeeAmount            string `json:"feeAmount,omitempty"`
	Error                string `json:"error,omitempty"`
}
