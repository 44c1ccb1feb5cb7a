package broadcaster

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"shieldrelay/services/broadcaster/fees"
)

func TestPriceBookSeedsFromConfig(t *testing.T) {
	dai := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	book, err := NewPriceBook([]ChainConfig{{
		Type:          0,
		ID:            137,
		GasTokenPrice: "0.5",
		Tokens: []TokenConfig{
			{Address: usdc.Hex(), Decimals: 6, Price: "1"},
			{Address: dai.Hex(), Decimals: 18},
		},
	}})
	require.NoError(t, err)

	gasPrice, err := book.GasTokenPrice(context.Background(), polygon)
	require.NoError(t, err)
	require.Equal(t, 0, gasPrice.Cmp(big.NewRat(1, 2)))

	tp, err := book.TokenPrice(context.Background(), polygon, usdc)
	require.NoError(t, err)
	require.Equal(t, uint8(6), tp.Decimals)

	_, err = book.TokenPrice(context.Background(), polygon, dai)
	require.ErrorIs(t, err, fees.ErrPriceUnavailable)
	_, err = book.GasTokenPrice(context.Background(), mainnet)
	require.ErrorIs(t, err, fees.ErrPriceUnavailable)

	require.Equal(t, []common.Address{usdc, dai}, book.Tokens(polygon))
}

func TestPriceBookRejectsBadConfiguredPrice(t *testing.T) {
	_, err := NewPriceBook([]ChainConfig{{ID: 1, GasTokenPrice: "-3"}})
	require.ErrorContains(t, err, "invalid price")
}

func TestPriceBookApply(t *testing.T) {
	book, err := NewPriceBook([]ChainConfig{{
		ID:     137,
		Tokens: []TokenConfig{{Address: usdc.Hex(), Decimals: 6}},
	}})
	require.NoError(t, err)

	err = book.Apply(polygon, PriceSnapshot{
		GasToken: "0.4",
		Tokens: map[string]string{
			usdc.Hex(): "1.01",
			"0x0000000000000000000000000000000000000bad": "3",
			"not-an-address": "1",
		},
	})
	require.NoError(t, err)
	tp, err := book.TokenPrice(context.Background(), polygon, usdc)
	require.NoError(t, err)
	require.Equal(t, 0, tp.Price.Cmp(big.NewRat(101, 100)))
	require.Len(t, book.Tokens(polygon), 1)

	err = book.Apply(polygon, PriceSnapshot{Tokens: map[string]string{usdc.Hex(): "zero"}})
	require.ErrorContains(t, err, "invalid price")
	tp, err = book.TokenPrice(context.Background(), polygon, usdc)
	require.NoError(t, err)
	require.Equal(t, 0, tp.Price.Cmp(big.NewRat(101, 100)))

	require.Error(t, book.Apply(mainnet, PriceSnapshot{}))
}

func TestPriceFeedReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such chain", http.StatusNotFound)
	}))
	defer srv.Close()
	feed, err := NewPriceFeed(PriceFeedConfig{BaseURL: srv.URL + "/", RetryMax: 1})
	require.NoError(t, err)
	_, err = feed.Fetch(context.Background(), polygon)
	require.ErrorContains(t, err, "status 404")

	_, err = NewPriceFeed(PriceFeedConfig{})
	require.Error(t, err)
}
