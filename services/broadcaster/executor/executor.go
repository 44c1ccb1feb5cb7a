// Package executor validates and submits client transactions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"shieldrelay/core/chain"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	"shieldrelay/services/broadcaster/errs"
	"shieldrelay/services/broadcaster/fees"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/poi"
	"shieldrelay/services/broadcaster/reliability"
	"shieldrelay/services/broadcaster/rpcerr"
	"shieldrelay/services/broadcaster/wallet"
)

const (
	// SubmittedTxTTL is how long a submitted transaction is remembered.
	SubmittedTxTTL = 10 * time.Minute
	// DefaultCallTimeout bounds gas estimation and submission.
	DefaultCallTimeout = 30 * time.Second
)

// ErrAlreadySent marks a transaction that was already submitted by this node.
// No response is published for it.
var ErrAlreadySent = errors.New("executor: transaction already sent")

// ChainConfig carries the per-chain execution settings.
type ChainConfig struct {
	GasType        gas.Type
	RequirePOI     bool
	MaxRetryBuffer *big.Int

	// RequiredListKeys are the POI lists a request must carry proofs for on a
	// chain that requires POI. They match the keys advertised in fee messages.
	RequiredListKeys []string
}

// Request is a decrypted transact or pre-authorize call.
type Request struct {
	Chain         chain.ID
	FeeCacheID    string
	MinGasPrice   *big.Int
	To            common.Address
	Data          []byte
	UseRelayAdapt bool
	TxidVersion   string
	POIs          poi.PreTransactionPOIsPerTxidLeafPerList
	// DryRun stops after validation and returns the gas settings that would
	// be used.
	DryRun bool
}

// Response describes a submitted (or pre-authorized) transaction.
type Response struct {
	TxHash   common.Hash
	GasLimit uint64
	Gas      gas.Details
	Fee      fees.PackagedFee
	Retried  bool
}

// GasOracle prices transactions.
type GasOracle interface {
	ValidateMinGasPrice(ctx context.Context, gasType gas.Type, c chain.ID, minGasPrice *big.Int) error
	GetGasDetailsForSpeed(ctx context.Context, gasType gas.Type, c chain.ID, speed gas.Speed) (gas.Details, error)
}

// FeeChecker extracts and validates the fee packaged into a transaction.
type FeeChecker interface {
	ExtractPackagedFee(ctx context.Context, c chain.ID, tx fees.Transaction) (fees.PackagedFee, error)
	ValidateFee(ctx context.Context, c chain.ID, token common.Address, maxGas *big.Int, feeCacheID string, supplied *big.Int) error
}

// POIValidator checks client supplied pre-transaction proofs and returns the
// obligations to queue once the transaction is sent.
type POIValidator interface {
	ValidatePOIs(ctx context.Context, txidVersion string, c chain.ID, tx fees.Transaction, pois poi.PreTransactionPOIsPerTxidLeafPerList) ([]poi.ValidatedPOIData, error)
}

// POIQueue stores validated obligations.
type POIQueue interface {
	QueueValidatedPOI(txidVersion string, c chain.ID, data poi.ValidatedPOIData) error
}

// Counters records reliability events.
type Counters interface {
	Record(c chain.ID, m reliability.Metric)
}

type nopCounters struct{}

func (nopCounters) Record(chain.ID, reliability.Metric) {}

// SubmittedTxRecord remembers a transaction this node is sending or sent.
type SubmittedTxRecord struct {
	Hash      common.Hash
	Timestamp time.Time
	Completed bool
}

// Executor runs the validation and submission pipeline.
type Executor struct {
	wallet   wallet.Wallet
	gas      GasOracle
	fees     FeeChecker
	poi      POIValidator
	queue    POIQueue
	counters Counters
	chains   map[chain.ID]ChainConfig
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.BroadcasterMetrics

	mu        sync.Mutex
	submitted map[chain.ID]map[common.Hash]SubmittedTxRecord
}

// Option customises the executor.
type Option func(*Executor)

// WithPOI configures proof validation and the assurance queue.
func WithPOI(validator POIValidator, queue POIQueue) Option {
	return func(e *Executor) {
		e.poi = validator
		e.queue = queue
	}
}

// WithCounters sets the reliability sink.
func WithCounters(counters Counters) Option {
	return func(e *Executor) {
		if counters != nil {
			e.counters = counters
		}
	}
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.now = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logging.Component(logger, "executor") }
}

// New constructs an executor for the configured chains.
func New(w wallet.Wallet, oracle GasOracle, checker FeeChecker, chains map[chain.ID]ChainConfig, opts ...Option) (*Executor, error) {
	if w == nil {
		return nil, fmt.Errorf("executor: wallet required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("executor: gas oracle required")
	}
	if checker == nil {
		return nil, fmt.Errorf("executor: fee checker required")
	}
	e := &Executor{
		wallet:    w,
		gas:       oracle,
		fees:      checker,
		counters:  nopCounters{},
		chains:    make(map[chain.ID]ChainConfig, len(chains)),
		timeout:   DefaultCallTimeout,
		now:       time.Now,
		logger:    logging.Component(nil, "executor"),
		metrics:   observability.Broadcaster(),
		submitted: make(map[chain.ID]map[common.Hash]SubmittedTxRecord),
	}
	for c, cfg := range chains {
		e.chains[c] = cfg
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// TxHash is the identity of a transaction intent: keccak256(to || data).
func TxHash(to common.Address, data []byte) common.Hash {
	return ethcrypto.Keccak256Hash(to.Bytes(), data)
}

// Process validates req and, unless it is a dry run, submits it.
func (e *Executor) Process(ctx context.Context, req Request) (Response, error) {
	cfg, ok := e.chains[req.Chain]
	if !ok {
		return Response{}, errs.New(errs.CodeUnsupportedNetwork)
	}
	if req.MinGasPrice == nil || req.MinGasPrice.Sign() <= 0 {
		return Response{}, errs.Wrapf(errs.CodeMissingRequiredField, "minGasPrice")
	}
	if req.TxidVersion == "" {
		req.TxidVersion = poi.DefaultTxidVersion
	}

	intent := TxHash(req.To, req.Data)
	if !req.DryRun {
		if err := e.reserve(req.Chain, intent); err != nil {
			return Response{}, err
		}
	}
	resp, err := e.process(ctx, cfg, req)
	if req.DryRun {
		return resp, err
	}
	if err != nil {
		e.release(req.Chain, intent)
		return Response{}, err
	}
	e.complete(req.Chain, intent)
	return resp, nil
}

func (e *Executor) process(ctx context.Context, cfg ChainConfig, req Request) (Response, error) {
	c := req.Chain
	if err := e.gas.ValidateMinGasPrice(ctx, cfg.GasType, c, req.MinGasPrice); err != nil {
		return Response{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	gasLimit, err := e.wallet.EstimateGas(callCtx, c, req.To, req.Data)
	cancel()
	if err != nil {
		e.counters.Record(c, reliability.GasEstimateFailure)
		if rpcerr.Is(err, rpcerr.KindRevert) {
			return Response{}, errs.Wrap(errs.CodeGasEstimateRevert, err)
		}
		return Response{}, errs.Wrap(errs.CodeGasEstimateError, err)
	}
	e.counters.Record(c, reliability.GasEstimateSuccess)

	tx := fees.Transaction{To: req.To, Data: req.Data, UseRelayAdapt: req.UseRelayAdapt}
	fee, err := e.validateFee(ctx, req, tx, gasLimit)
	if err != nil {
		e.counters.Record(c, reliability.FeeValidationFailure)
		return Response{}, err
	}
	e.counters.Record(c, reliability.FeeValidationSuccess)

	var validated []poi.ValidatedPOIData
	if cfg.RequirePOI {
		validated, err = e.validatePOIs(ctx, req, tx)
		if err != nil {
			e.counters.Record(c, reliability.POIValidationFailure)
			return Response{}, err
		}
		e.counters.Record(c, reliability.POIValidationSuccess)
	}

	details, err := e.gasDetails(ctx, cfg.GasType, c, req.MinGasPrice)
	if err != nil {
		return Response{}, err
	}
	resp := Response{GasLimit: gasLimit, Gas: details, Fee: fee}
	if req.DryRun {
		return resp, nil
	}

	hash, retried, err := e.send(ctx, cfg, c, wallet.TxRequest{To: req.To, Data: req.Data, GasLimit: gasLimit, Gas: details})
	if err != nil {
		e.counters.Record(c, reliability.SendFailure)
		return Response{}, err
	}
	e.counters.Record(c, reliability.SendSuccess)
	resp.TxHash = hash
	resp.Retried = retried

	if e.queue != nil {
		for _, data := range validated {
			if err := e.queue.QueueValidatedPOI(req.TxidVersion, c, data); err != nil {
				e.logger.Error("queue validated poi failed",
					slog.String("chain", c.String()),
					slog.String("txid", data.RailgunTxid),
					slog.Any("error", err))
			}
		}
	}
	e.logger.Info("transaction submitted",
		slog.String("chain", c.String()),
		slog.String("txHash", hash.Hex()),
		slog.Bool("retried", retried))
	return resp, nil
}

func (e *Executor) validateFee(ctx context.Context, req Request, tx fees.Transaction, gasLimit uint64) (fees.PackagedFee, error) {
	fee, err := e.fees.ExtractPackagedFee(ctx, req.Chain, tx)
	if err != nil {
		return fees.PackagedFee{}, err
	}
	maxGas := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), req.MinGasPrice)
	if err := e.fees.ValidateFee(ctx, req.Chain, fee.Token, maxGas, req.FeeCacheID, fee.Amount); err != nil {
		return fees.PackagedFee{}, err
	}
	return fee, nil
}

func (e *Executor) validatePOIs(ctx context.Context, req Request, tx fees.Transaction) ([]poi.ValidatedPOIData, error) {
	if e.poi == nil {
		return nil, errs.Wrapf(errs.CodePOIInvalid, "poi validation not configured")
	}
	if len(req.POIs) == 0 {
		return nil, errs.Wrapf(errs.CodePOIInvalid, "missing pre-transaction pois")
	}
	if missing := missingListKeys(e.chains[req.Chain].RequiredListKeys, req.POIs.ListKeys()); len(missing) > 0 {
		return nil, errs.Wrapf(errs.CodePOIInvalid, "no proofs for lists %s", strings.Join(missing, ","))
	}
	validated, err := e.poi.ValidatePOIs(ctx, req.TxidVersion, req.Chain, tx, req.POIs)
	if err != nil {
		if errs.CodeOf(err) != errs.CodeUnknown {
			return nil, err
		}
		return nil, errs.Wrap(errs.CodePOIInvalid, err)
	}
	return validated, nil
}

func missingListKeys(required, supplied []string) []string {
	have := make(map[string]struct{}, len(supplied))
	for _, key := range supplied {
		have[key] = struct{}{}
	}
	var missing []string
	for _, key := range required {
		if _, ok := have[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// gasDetails derives the settings sent on chain from the client's minimum gas
// price. The EIP-1559 tip never exceeds the current Medium tip.
func (e *Executor) gasDetails(ctx context.Context, gasType gas.Type, c chain.ID, minGasPrice *big.Int) (gas.Details, error) {
	if gasType != gas.TypeEIP1559 {
		return gas.Details{Type: gas.TypeLegacy, GasPrice: new(big.Int).Set(minGasPrice)}, nil
	}
	medium, err := e.gas.GetGasDetailsForSpeed(ctx, gasType, c, gas.SpeedMedium)
	if err != nil {
		return gas.Details{}, err
	}
	priority := new(big.Int).Set(minGasPrice)
	if medium.MaxPriorityFeePerGas != nil && medium.MaxPriorityFeePerGas.Cmp(priority) < 0 {
		priority.Set(medium.MaxPriorityFeePerGas)
	}
	return gas.Details{
		Type:                 gas.TypeEIP1559,
		MaxFeePerGas:         new(big.Int).Set(minGasPrice),
		MaxPriorityFeePerGas: priority,
	}, nil
}
