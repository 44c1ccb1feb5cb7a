package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
)

var (
	usdc    = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	unknown = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type staticPrices struct {
	gas    *big.Rat
	tokens map[common.Address]TokenPrice
}

func (p *staticPrices) TokenPrice(_ context.Context, _ chain.ID, token common.Address) (TokenPrice, error) {
	price, ok := p.tokens[token]
	if !ok {
		return TokenPrice{}, ErrPriceUnavailable
	}
	return price, nil
}

func (p *staticPrices) GasTokenPrice(context.Context, chain.ID) (*big.Rat, error) {
	return p.gas, nil
}

func newPrices() *staticPrices {
	return &staticPrices{
		gas: big.NewRat(2000, 1),
		tokens: map[common.Address]TokenPrice{
			usdc: {Price: big.NewRat(1, 1), Decimals: 6},
		},
	}
}

func newValidator(t *testing.T, prices PriceSource, opts ...Option) *Validator {
	t.Helper()
	v, err := NewValidator(NewCache(time.Minute), prices, opts...)
	require.NoError(t, err)
	return v
}

func TestRecognizesRejectsUnknownAndForeignChain(t *testing.T) {
	cache := NewCache(time.Minute)
	mainnet := chain.EVM(1)
	id, _ := cache.Issue(mainnet, map[common.Address]*big.Int{usdc: big.NewInt(1)})

	require.True(t, cache.Recognizes(mainnet, id))
	require.False(t, cache.Recognizes(mainnet, "not-an-issued-id"))
	require.False(t, cache.Recognizes(chain.EVM(137), id))
}

func TestRecognizesRejectsExpired(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	c := chain.EVM(1)
	id, expiresAt := cache.Issue(c, map[common.Address]*big.Int{usdc: big.NewInt(1)})
	require.Equal(t, now.Add(time.Minute), expiresAt)

	now = now.Add(time.Minute)
	require.False(t, cache.Recognizes(c, id))
	_, ok := cache.Lookup(c, id, usdc)
	require.False(t, ok)

	cache.Prune()
	require.Empty(t, cache.quotes)
}

func TestIssueNeverReusesIDs(t *testing.T) {
	cache := NewCache(time.Minute)
	c := chain.EVM(1)
	first, _ := cache.Issue(c, map[common.Address]*big.Int{usdc: big.NewInt(1)})
	second, _ := cache.Issue(c, map[common.Address]*big.Int{usdc: big.NewInt(1)})
	require.NotEqual(t, first, second)
}

func TestLookupReturnsCopy(t *testing.T) {
	cache := NewCache(time.Minute)
	c := chain.EVM(1)
	id, _ := cache.Issue(c, map[common.Address]*big.Int{usdc: big.NewInt(7)})
	entry, ok := cache.Lookup(c, id, usdc)
	require.True(t, ok)
	entry.UnitFee.SetInt64(1)

	entry, ok = cache.Lookup(c, id, usdc)
	require.True(t, ok)
	require.Equal(t, int64(7), entry.UnitFee.Int64())
	require.Equal(t, id, entry.FeeCacheID)
}

func TestUnitFeeAppliesProfit(t *testing.T) {
	v := newValidator(t, newPrices())
	fee, err := v.UnitFee(context.Background(), chain.EVM(1), usdc)
	require.NoError(t, err)
	// 2000 USDC per gas token, 6 decimals, plus 10%.
	require.Equal(t, big.NewInt(2_200_000_000), fee)
}

func TestQuoteSkipsUnpricedTokens(t *testing.T) {
	v := newValidator(t, newPrices())
	c := chain.EVM(1)
	q, err := v.Quote(context.Background(), c, []common.Address{usdc, unknown})
	require.NoError(t, err)
	require.Len(t, q.UnitFees, 1)
	require.True(t, v.Recognizes(c, q.FeeCacheID))

	_, err = v.Quote(context.Background(), c, []common.Address{unknown})
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestValidateFeeAgainstCachedQuote(t *testing.T) {
	prices := newPrices()
	v := newValidator(t, prices)
	c := chain.EVM(1)
	id, err := v.IssueFee(context.Background(), c, usdc)
	require.NoError(t, err)

	// 100k gas at 10 gwei.
	maxGas := big.NewInt(1_000_000_000_000_000)
	require.NoError(t, v.ValidateFee(context.Background(), c, usdc, maxGas, id, big.NewInt(2_200_000)))

	// Prices moved against the client but the quote still stands.
	prices.gas = big.NewRat(4000, 1)
	require.NoError(t, v.ValidateFee(context.Background(), c, usdc, maxGas, id, big.NewInt(2_200_000)))
}

func TestValidateFeeFallsBackToVarianceBound(t *testing.T) {
	v := newValidator(t, newPrices())
	c := chain.EVM(1)
	maxGas := big.NewInt(1_000_000_000_000_000)

	// Live requirement 2.2 USDC, 10% variance floor 1.98 USDC.
	require.NoError(t, v.ValidateFee(context.Background(), c, usdc, maxGas, "", big.NewInt(1_980_000)))

	err := v.ValidateFee(context.Background(), c, usdc, maxGas, "", big.NewInt(1_979_999))
	require.True(t, errs.HasCode(err, errs.CodeBadTokenFee))
}

func TestValidateFeeRejectsUnpricedToken(t *testing.T) {
	v := newValidator(t, newPrices())
	err := v.ValidateFee(context.Background(), chain.EVM(1), unknown, big.NewInt(1), "", big.NewInt(1))
	require.True(t, errs.HasCode(err, errs.CodeBadTokenFee))
}

type fakeNotes struct {
	notes []OutputNote
	err   error
}

func (f fakeNotes) OutputNotes(context.Context, chain.ID, Transaction) ([]OutputNote, error) {
	return f.notes, f.err
}

type fakeDecryptor map[common.Hash]DecryptedNote

func (f fakeDecryptor) DecryptNote(_ context.Context, _ chain.ID, note OutputNote) (DecryptedNote, bool, error) {
	out, ok := f[common.BytesToHash(note.Ciphertext)]
	return out, ok, nil
}

func TestExtractPackagedFee(t *testing.T) {
	ours := OutputNote{Commitment: common.HexToHash("0x01"), Ciphertext: []byte{1}}
	forged := OutputNote{Commitment: common.HexToHash("0x02"), Ciphertext: []byte{2}}
	foreign := OutputNote{Commitment: common.HexToHash("0x03"), Ciphertext: []byte{3}}
	decryptor := fakeDecryptor{
		common.BytesToHash([]byte{1}): {Token: usdc, Value: big.NewInt(500), Hash: ours.Commitment},
		common.BytesToHash([]byte{2}): {Token: usdc, Value: big.NewInt(9_999), Hash: common.HexToHash("0xff")},
	}
	v := newValidator(t, newPrices(), WithNotes(fakeNotes{notes: []OutputNote{forged, foreign, ours}}, decryptor))

	fee, err := v.ExtractPackagedFee(context.Background(), chain.EVM(1), Transaction{})
	require.NoError(t, err)
	require.Equal(t, usdc, fee.Token)
	require.Equal(t, big.NewInt(500), fee.Amount)
}

func TestExtractPackagedFeeErrors(t *testing.T) {
	v := newValidator(t, newPrices(), WithNotes(fakeNotes{err: errors.New("bad calldata")}, fakeDecryptor{}))
	_, err := v.ExtractPackagedFee(context.Background(), chain.EVM(1), Transaction{})
	require.True(t, errs.HasCode(err, errs.CodeFailedToExtractPackagedFee))

	v = newValidator(t, newPrices(), WithNotes(fakeNotes{notes: []OutputNote{{Ciphertext: []byte{9}}}}, fakeDecryptor{}))
	_, err = v.ExtractPackagedFee(context.Background(), chain.EVM(1), Transaction{})
	require.True(t, errs.HasCode(err, errs.CodeNoBroadcasterFee))
}
