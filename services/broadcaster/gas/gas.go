// Package gas estimates gas prices per chain and speed band, from a gas price
// API where one is available and from node heuristics otherwise.
package gas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"

	"shieldrelay/core/chain"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	"shieldrelay/services/broadcaster/errs"
)

// Type is the EVM transaction fee model of a chain.
type Type uint8

const (
	TypeLegacy  Type = 0
	TypeEIP1559 Type = 2
)

func (t Type) String() string {
	if t == TypeEIP1559 {
		return "eip1559"
	}
	return "legacy"
}

// ParseType accepts "legacy", "eip1559", "0" or "2".
func ParseType(raw string) (Type, error) {
	switch raw {
	case "", "legacy", "0":
		return TypeLegacy, nil
	case "eip1559", "2":
		return TypeEIP1559, nil
	default:
		return 0, fmt.Errorf("unknown gas type %q", raw)
	}
}

// Speed is a gas price band.
type Speed int

const (
	SpeedLow Speed = iota
	SpeedMedium
	SpeedHigh
	SpeedVeryHigh
)

// Speeds lists every band in ascending order.
var Speeds = []Speed{SpeedLow, SpeedMedium, SpeedHigh, SpeedVeryHigh}

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedMedium:
		return "medium"
	case SpeedHigh:
		return "high"
	case SpeedVeryHigh:
		return "very_high"
	default:
		return fmt.Sprintf("speed(%d)", int(s))
	}
}

const (
	// DefaultTimeout bounds every provider call.
	DefaultTimeout = 10 * time.Second

	feeHistoryBlocks      = 5
	maxFeeHistoryAttempts = 5
	minGasPriceBps        = 4_000
	basisPoints           = 10_000
)

var (
	// ErrUnknownChain is returned for chains without a registered client.
	ErrUnknownChain = errors.New("gas: chain not registered")

	// multipliers are applied to the base price per band, in basis points.
	multipliers = map[Speed]int64{
		SpeedLow:      12_500,
		SpeedMedium:   18_000,
		SpeedHigh:     25_000,
		SpeedVeryHigh: 100_000,
	}

	rewardPercentiles = []float64{10, 20, 30, 40}

	// rewardColumn maps a band onto its reward percentile column.
	rewardColumn = map[Speed]int{
		SpeedLow:      0,
		SpeedMedium:   1,
		SpeedHigh:     2,
		SpeedVeryHigh: 2,
	}
)

// Details are the gas settings for one band. Legacy chains set GasPrice; EIP-1559
// chains set MaxFeePerGas and MaxPriorityFeePerGas.
type Details struct {
	Type                 Type
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Price returns the per-gas ceiling of the details.
func (d Details) Price() *big.Int {
	if d.Type == TypeEIP1559 {
		return d.MaxFeePerGas
	}
	return d.GasPrice
}

// ChainClient is the subset of the Ethereum RPC used by the estimator.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ChainSettings configures estimation for one chain.
type ChainSettings struct {
	Client         ChainClient
	MinPriorityFee *big.Int
	UseGasAPI      bool
}

// Estimator computes gas quotes. Quotes are never cached.
type Estimator struct {
	mu      sync.RWMutex
	chains  map[chain.ID]ChainSettings
	api     *APIClient
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.BroadcasterMetrics
}

// Option customises an Estimator.
type Option func(*Estimator)

// WithAPI configures the gas price API client.
func WithAPI(api *APIClient) Option {
	return func(e *Estimator) { e.api = api }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Estimator) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) { e.logger = logging.Component(logger, "gas") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.BroadcasterMetrics) Option {
	return func(e *Estimator) { e.metrics = metrics }
}

// NewEstimator returns an estimator with no chains registered.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		chains:  make(map[chain.ID]ChainSettings),
		timeout: DefaultTimeout,
		logger:  logging.Component(nil, "gas"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Register adds or replaces the settings for a chain.
func (e *Estimator) Register(c chain.ID, settings ChainSettings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains[c] = settings
}

func (e *Estimator) settings(c chain.ID) (ChainSettings, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	settings, ok := e.chains[c]
	if !ok || settings.Client == nil {
		return ChainSettings{}, fmt.Errorf("%w: %s", ErrUnknownChain, c)
	}
	return settings, nil
}

// GetGasDetailsForSpeed returns the gas settings for one band.
func (e *Estimator) GetGasDetailsForSpeed(ctx context.Context, gasType Type, c chain.ID, speed Speed) (Details, error) {
	all, err := e.GetGasDetailsAllSpeeds(ctx, gasType, c)
	if err != nil {
		return Details{}, err
	}
	details, ok := all[speed]
	if !ok {
		return Details{}, fmt.Errorf("gas: unknown speed %s", speed)
	}
	return details, nil
}

// GetGasDetailsAllSpeeds returns the gas settings for every band.
func (e *Estimator) GetGasDetailsAllSpeeds(ctx context.Context, gasType Type, c chain.ID) (map[Speed]Details, error) {
	settings, err := e.settings(c)
	if err != nil {
		return nil, err
	}
	if settings.UseGasAPI && e.api != nil {
		out, err := e.api.Estimate(ctx, gasType, c)
		if err == nil {
			e.recordSource(c, "api")
			return out, nil
		}
		e.logger.Warn("gas api unavailable, using heuristic",
			slog.String("chain", c.String()),
			slog.Any("error", err))
	}
	var out map[Speed]Details
	if gasType == TypeEIP1559 {
		out, err = e.eip1559(ctx, c, settings)
	} else {
		out, err = e.legacy(ctx, c, settings)
	}
	if err != nil {
		return nil, err
	}
	e.recordSource(c, "heuristic")
	return out, nil
}

func (e *Estimator) recordSource(c chain.ID, source string) {
	if e.metrics != nil {
		e.metrics.RecordGasSource(c.String(), source)
	}
}

func (e *Estimator) legacy(ctx context.Context, c chain.ID, settings ChainSettings) (map[Speed]Details, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	suggested, err := settings.Client.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("gas: suggest gas price %s: %w", c, err)
	}
	out := make(map[Speed]Details, len(Speeds))
	for _, speed := range Speeds {
		out[speed] = Details{Type: TypeLegacy, GasPrice: applyBps(suggested, multipliers[speed])}
	}
	return out, nil
}

func (e *Estimator) eip1559(ctx context.Context, c chain.ID, settings ChainSettings) (map[Speed]Details, error) {
	history, err := e.FeeHistory(ctx, c)
	if err != nil {
		return nil, err
	}
	medianBase := Median(history.BaseFee)
	if medianBase == nil {
		return nil, errs.Wrapf(errs.CodeFeeHistoryRefresh, "empty fee history for %s", c)
	}
	out := make(map[Speed]Details, len(Speeds))
	for _, speed := range Speeds {
		column := rewardColumn[speed]
		rewards := make([]*big.Int, 0, len(history.Reward))
		for _, row := range history.Reward {
			if column < len(row) && row[column] != nil {
				rewards = append(rewards, row[column])
			}
		}
		priority := Median(rewards)
		if priority == nil {
			priority = new(big.Int)
		}
		if settings.MinPriorityFee != nil && priority.Cmp(settings.MinPriorityFee) < 0 {
			priority = new(big.Int).Set(settings.MinPriorityFee)
		}
		maxFee := applyBps(medianBase, multipliers[speed])
		maxFee.Add(maxFee, priority)
		if priority.Cmp(maxFee) > 0 {
			priority = new(big.Int).Set(maxFee)
		}
		out[speed] = Details{Type: TypeEIP1559, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}
	}
	return out, nil
}

// ValidateMinGasPrice rejects a client gas price below 40% of the current
// Medium band.
func (e *Estimator) ValidateMinGasPrice(ctx context.Context, gasType Type, c chain.ID, minGasPrice *big.Int) error {
	if minGasPrice == nil || minGasPrice.Sign() <= 0 {
		return errs.Wrapf(errs.CodeGasPriceTooLow, "missing gas price")
	}
	medium, err := e.GetGasDetailsForSpeed(ctx, gasType, c, SpeedMedium)
	if err != nil {
		return err
	}
	threshold := applyBps(medium.Price(), minGasPriceBps)
	if minGasPrice.Cmp(threshold) < 0 {
		return errs.Wrapf(errs.CodeGasPriceTooLow, "gas price %s below threshold %s", minGasPrice, threshold)
	}
	return nil
}

// Median sorts a copy of values ascending and returns the element at index
// ceil(n/2 - 1), the lower middle for even lengths. Nil for empty input.
func Median(values []*big.Int) *big.Int {
	sorted := make([]*big.Int, 0, len(values))
	for _, v := range values {
		if v != nil {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return new(big.Int).Set(sorted[(len(sorted)+1)/2-1])
}

func applyBps(value *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(bps))
	return out.Quo(out, big.NewInt(basisPoints))
}
