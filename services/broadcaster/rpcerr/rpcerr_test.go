package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func gwei(v float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e9))
	out, _ := f.Int(nil)
	return out
}

func TestClassifyUnderpricedFixtures(t *testing.T) {
	cases := []struct {
		name      string
		msg       string
		suggested *big.Int
	}{
		{"suggested gwei", "transaction underpriced, suggested 32.5 gwei", gwei(32.5)},
		{"geth tip cap", "transaction underpriced: gas tip cap 1000, minimum needed 30000000000", big.NewInt(30_000_000_000)},
		{"base fee", "max fee per gas less than block base fee: address 0xabc, maxFeePerGas: 100 baseFee: 250", big.NewInt(250)},
		{"replacement", "replacement transaction underpriced", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := Classify(errors.New(tc.msg))
			require.Equal(t, KindUnderpriced, classified.Kind)
			if tc.suggested == nil {
				require.Nil(t, classified.SuggestedFee)
				return
			}
			require.NotNil(t, classified.SuggestedFee)
			require.Zero(t, tc.suggested.Cmp(classified.SuggestedFee), classified.SuggestedFee.String())
		})
	}
}

func TestClassifyBeyondHead(t *testing.T) {
	for _, msg := range []string{
		"request beyond head block, head 100",
		"request beyond head block: requested 105, head 100",
	} {
		classified := Classify(errors.New(msg))
		require.Equal(t, KindBeyondHead, classified.Kind, msg)
		require.NotNil(t, classified.Head, msg)
		require.Equal(t, int64(100), classified.Head.Int64(), msg)
	}
	noHead := Classify(errors.New("request beyond head block"))
	require.Equal(t, KindBeyondHead, noHead.Kind)
	require.Nil(t, noHead.Head)
}

func TestClassifyOtherKinds(t *testing.T) {
	require.Equal(t, KindNonceUsed, Classify(errors.New("nonce too low: next nonce 5, tx nonce 4")).Kind)
	require.Equal(t, KindAlreadyKnown, Classify(errors.New("already known")).Kind)
	require.Equal(t, KindRevert, Classify(errors.New("execution reverted: ERC20: transfer amount exceeds balance")).Kind)
	require.Equal(t, KindInsufficientFunds, Classify(errors.New("insufficient funds for gas * price + value")).Kind)
	require.Equal(t, KindTimeout, Classify(fmt.Errorf("send: %w", context.DeadlineExceeded)).Kind)
	require.Equal(t, KindTimeout, Classify(errors.New("request timed out")).Kind)
	require.Equal(t, KindUnknown, Classify(errors.New("boom")).Kind)
	require.Nil(t, Classify(nil))
}

func TestClassifyIsIdempotent(t *testing.T) {
	first := Classify(errors.New("transaction underpriced, suggested 2 gwei"))
	wrapped := fmt.Errorf("outer: %w", first)
	require.Same(t, first, Classify(wrapped))
	require.True(t, Is(wrapped, KindUnderpriced))
}
