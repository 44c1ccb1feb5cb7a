package broadcaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	"shieldrelay/core/chain"
	"shieldrelay/observability/logging"
	"shieldrelay/services/broadcaster/fees"
)

type chainPrices struct {
	gasToken *big.Rat
	tokens   map[common.Address]fees.TokenPrice
}

// PriceBook holds the latest known prices per chain and serves them to the
// fee validator. Prices are seeded from configuration and optionally replaced
// by a price feed.
type PriceBook struct {
	mu     sync.RWMutex
	chains map[chain.ID]*chainPrices
}

// NewPriceBook seeds a book from the chain configuration. Tokens without a
// configured price stay unpriced until the feed supplies one.
func NewPriceBook(chains []ChainConfig) (*PriceBook, error) {
	book := &PriceBook{chains: make(map[chain.ID]*chainPrices, len(chains))}
	for _, c := range chains {
		entry := &chainPrices{tokens: make(map[common.Address]fees.TokenPrice, len(c.Tokens))}
		if c.GasTokenPrice != "" {
			price, err := parsePrice(c.GasTokenPrice)
			if err != nil {
				return nil, fmt.Errorf("chain %s gas token price: %w", c.Chain(), err)
			}
			entry.gasToken = price
		}
		for _, token := range c.Tokens {
			tp := fees.TokenPrice{Decimals: token.Decimals}
			if token.Price != "" {
				price, err := parsePrice(token.Price)
				if err != nil {
					return nil, fmt.Errorf("chain %s token %s price: %w", c.Chain(), token.Address, err)
				}
				tp.Price = price
			}
			entry.tokens[common.HexToAddress(token.Address)] = tp
		}
		book.chains[c.Chain()] = entry
	}
	return book, nil
}

func parsePrice(raw string) (*big.Rat, error) {
	price, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q", raw)
	}
	return price, nil
}

// TokenPrice implements fees.PriceSource.
func (b *PriceBook) TokenPrice(_ context.Context, c chain.ID, token common.Address) (fees.TokenPrice, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.chains[c]
	if !ok {
		return fees.TokenPrice{}, fees.ErrPriceUnavailable
	}
	tp, ok := entry.tokens[token]
	if !ok || tp.Price == nil {
		return fees.TokenPrice{}, fees.ErrPriceUnavailable
	}
	return fees.TokenPrice{Price: new(big.Rat).Set(tp.Price), Decimals: tp.Decimals}, nil
}

// GasTokenPrice implements fees.PriceSource.
func (b *PriceBook) GasTokenPrice(_ context.Context, c chain.ID) (*big.Rat, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.chains[c]
	if !ok || entry.gasToken == nil {
		return nil, fees.ErrPriceUnavailable
	}
	return new(big.Rat).Set(entry.gasToken), nil
}

// Tokens lists the configured fee tokens of a chain in address order.
func (b *PriceBook) Tokens(c chain.ID) []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.chains[c]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(entry.tokens))
	for token := range entry.tokens {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Apply merges a feed snapshot. Tokens that are not configured for the chain
// are ignored, unparsable prices are skipped and reported.
func (b *PriceBook) Apply(c chain.ID, snapshot PriceSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.chains[c]
	if !ok {
		return fmt.Errorf("chain %s not configured", c)
	}
	var errs []error
	if snapshot.GasToken != "" {
		if price, err := parsePrice(snapshot.GasToken); err != nil {
			errs = append(errs, fmt.Errorf("gas token: %w", err))
		} else {
			entry.gasToken = price
		}
	}
	for raw, value := range snapshot.Tokens {
		if !common.IsHexAddress(raw) {
			continue
		}
		token := common.HexToAddress(raw)
		tp, ok := entry.tokens[token]
		if !ok {
			continue
		}
		price, err := parsePrice(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", token, err))
			continue
		}
		tp.Price = price
		entry.tokens[token] = tp
	}
	if len(errs) > 0 {
		return fmt.Errorf("apply prices for %s: %v", c, errs)
	}
	return nil
}

// PriceSnapshot is the price feed response for one chain. Prices are decimal
// strings in the quote currency.
type PriceSnapshot struct {
	GasToken string            `json:"gasToken"`
	Tokens   map[string]string `json:"tokens"`
}

// PriceFeedConfig configures a PriceFeed.
type PriceFeedConfig struct {
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// PriceFeed fetches prices from an HTTP endpoint serving
// GET <base>/prices/<chainType>/<chainID>.
type PriceFeed struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewPriceFeed returns a feed client.
func NewPriceFeed(cfg PriceFeedConfig) (*PriceFeed, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("price feed url required")
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	client.Logger = logging.Component(cfg.Logger, "price-feed")
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &PriceFeed{baseURL: base, client: client}, nil
}

// Fetch returns the current snapshot for c.
func (f *PriceFeed) Fetch(ctx context.Context, c chain.ID) (PriceSnapshot, error) {
	url := fmt.Sprintf("%s/prices/%d/%d", f.baseURL, c.Type, c.ID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PriceSnapshot{}, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return PriceSnapshot{}, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceSnapshot{}, fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var snapshot PriceSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return PriceSnapshot{}, fmt.Errorf("decode prices: %w", err)
	}
	return snapshot, nil
}
