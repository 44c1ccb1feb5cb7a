package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
)

const (
	basisPoints = 10_000

	// DefaultProfitBps is the margin added on top of the break-even unit fee.
	DefaultProfitBps = 1_000
	// DefaultVarianceLowerBps is the tolerated shortfall against a live quote.
	DefaultVarianceLowerBps = 1_000
)

var (
	// ErrPriceUnavailable signals the price source has no price for a token.
	ErrPriceUnavailable = errors.New("fees: price unavailable")

	weiPerGasToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// TokenPrice is a token's price in the quote currency together with its
// decimals.
type TokenPrice struct {
	Price    *big.Rat
	Decimals uint8
}

// PriceSource supplies token and gas-token prices in a common quote currency.
type PriceSource interface {
	TokenPrice(ctx context.Context, c chain.ID, token common.Address) (TokenPrice, error)
	GasTokenPrice(ctx context.Context, c chain.ID) (*big.Rat, error)
}

// Quote is a published fee schedule.
type Quote struct {
	FeeCacheID string
	ExpiresAt  time.Time
	UnitFees   map[common.Address]*big.Int
}

// Validator prices tokens, issues quotes and validates fees attached to
// transactions.
type Validator struct {
	cache      *Cache
	prices     PriceSource
	notes      NoteSource
	decryptor  NoteDecryptor
	profitBps  int64
	varianceBp int64
}

// Option customises a Validator.
type Option func(*Validator)

// WithProfitBps sets the profit margin in basis points.
func WithProfitBps(bps int64) Option {
	return func(v *Validator) {
		if bps >= 0 {
			v.profitBps = bps
		}
	}
}

// WithVarianceLowerBps sets the tolerated shortfall in basis points when a fee
// is checked against live pricing.
func WithVarianceLowerBps(bps int64) Option {
	return func(v *Validator) {
		if bps >= 0 && bps < basisPoints {
			v.varianceBp = bps
		}
	}
}

// WithNotes configures the collaborators used to extract packaged fees.
func WithNotes(source NoteSource, decryptor NoteDecryptor) Option {
	return func(v *Validator) {
		v.notes = source
		v.decryptor = decryptor
	}
}

// NewValidator constructs a validator backed by the provided cache.
func NewValidator(cache *Cache, prices PriceSource, opts ...Option) (*Validator, error) {
	if cache == nil {
		return nil, fmt.Errorf("fees: cache required")
	}
	if prices == nil {
		return nil, fmt.Errorf("fees: price source required")
	}
	v := &Validator{
		cache:      cache,
		prices:     prices,
		profitBps:  DefaultProfitBps,
		varianceBp: DefaultVarianceLowerBps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Cache exposes the underlying quote cache.
func (v *Validator) Cache() *Cache {
	return v.cache
}

// Recognizes reports whether id is a live quote issued for c.
func (v *Validator) Recognizes(c chain.ID, id string) bool {
	return v.cache.Recognizes(c, id)
}

// UnitFee computes the live unit fee for token: the token amount, in base
// units, equal in value to one whole gas token plus the profit margin.
func (v *Validator) UnitFee(ctx context.Context, c chain.ID, token common.Address) (*big.Int, error) {
	gasPrice, err := v.prices.GasTokenPrice(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("gas token price: %w", err)
	}
	tokenPrice, err := v.prices.TokenPrice(ctx, c, token)
	if err != nil {
		return nil, fmt.Errorf("token %s price: %w", token.Hex(), err)
	}
	if gasPrice == nil || gasPrice.Sign() <= 0 || tokenPrice.Price == nil || tokenPrice.Price.Sign() <= 0 {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), ErrPriceUnavailable)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenPrice.Decimals)), nil)
	fee := new(big.Rat).Quo(gasPrice, tokenPrice.Price)
	fee.Mul(fee, new(big.Rat).SetInt(scale))
	fee.Mul(fee, big.NewRat(basisPoints+v.profitBps, basisPoints))
	return new(big.Int).Quo(fee.Num(), fee.Denom()), nil
}

// Quote prices every token and issues a single cache ID covering them. Tokens
// without a price are left out; the call fails only when none can be priced.
func (v *Validator) Quote(ctx context.Context, c chain.ID, tokens []common.Address) (Quote, error) {
	unitFees := make(map[common.Address]*big.Int, len(tokens))
	var errList []error
	for _, token := range tokens {
		fee, err := v.UnitFee(ctx, c, token)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		unitFees[token] = fee
	}
	if len(unitFees) == 0 {
		if len(errList) == 0 {
			return Quote{}, fmt.Errorf("fees: no tokens to quote for chain %s", c)
		}
		return Quote{}, fmt.Errorf("fees: quote chain %s: %w", c, errors.Join(errList...))
	}
	id, expiresAt := v.cache.Issue(c, unitFees)
	return Quote{FeeCacheID: id, ExpiresAt: expiresAt, UnitFees: unitFees}, nil
}

// IssueFee quotes a single token.
func (v *Validator) IssueFee(ctx context.Context, c chain.ID, token common.Address) (string, error) {
	q, err := v.Quote(ctx, c, []common.Address{token})
	if err != nil {
		return "", err
	}
	return q.FeeCacheID, nil
}

// RequiredFee returns unitFee * maxGas / 10^18.
func RequiredFee(unitFee, maxGas *big.Int) *big.Int {
	out := new(big.Int).Mul(unitFee, maxGas)
	return out.Quo(out, weiPerGasToken)
}

// ValidateFee checks supplied against the quote named by feeCacheID and, when
// that is missing or not satisfied, against live pricing within the variance
// bound. maxGas is in wei of gas token.
func (v *Validator) ValidateFee(ctx context.Context, c chain.ID, token common.Address, maxGas *big.Int, feeCacheID string, supplied *big.Int) error {
	if supplied == nil || supplied.Sign() <= 0 {
		return errs.New(errs.CodeBadTokenFee)
	}
	if maxGas == nil || maxGas.Sign() < 0 {
		return errs.Wrapf(errs.CodeBadTokenFee, "invalid max gas")
	}
	if entry, ok := v.cache.Lookup(c, feeCacheID, token); ok {
		if supplied.Cmp(RequiredFee(entry.UnitFee, maxGas)) >= 0 {
			return nil
		}
	}

	live, err := v.UnitFee(ctx, c, token)
	if err != nil {
		return errs.Wrap(errs.CodeBadTokenFee, err)
	}
	required := RequiredFee(live, maxGas)
	lower := new(big.Int).Mul(required, big.NewInt(basisPoints-v.varianceBp))
	lower.Quo(lower, big.NewInt(basisPoints))
	if supplied.Cmp(lower) >= 0 {
		return nil
	}
	return errs.Wrapf(errs.CodeBadTokenFee, "supplied %s below required %s", supplied, required)
}
