package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"shieldrelay/core/chain"
	"shieldrelay/observability/logging"
)

// DefaultAPIRetryMax is the number of retries before the heuristic is used.
const DefaultAPIRetryMax = 3

var weiPerGwei = big.NewRat(1_000_000_000, 1)

// band interpolates between two confidence levels of the gas API.
type band struct {
	from, to int
	// weight is the share of the distance from "from" to "to", in percent.
	weight int64
}

var bands = map[Speed]band{
	SpeedLow:      {from: 70, to: 80, weight: 25},
	SpeedMedium:   {from: 80, to: 90, weight: 50},
	SpeedHigh:     {from: 90, to: 95, weight: 50},
	SpeedVeryHigh: {from: 95, to: 99, weight: 100},
}

// APIConfig configures the gas price API client.
type APIConfig struct {
	BaseURL  string
	APIKey   string
	RetryMax int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// APIClient queries a block price API that reports estimated prices per
// confidence level, in gwei.
type APIClient struct {
	base   *url.URL
	apiKey string
	http   *retryablehttp.Client
}

// NewAPIClient validates cfg and returns a client.
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("gas api: base url required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("gas api: parse base url: %w", err)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = DefaultAPIRetryMax
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = logging.Component(cfg.Logger, "gas-api")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client.HTTPClient.Timeout = timeout
	return &APIClient{base: base, apiKey: strings.TrimSpace(cfg.APIKey), http: client}, nil
}

type blockPricesResponse struct {
	BlockPrices []struct {
		BaseFeePerGas   float64 `json:"baseFeePerGas"`
		EstimatedPrices []struct {
			Confidence           int     `json:"confidence"`
			Price                float64 `json:"price"`
			MaxPriorityFeePerGas float64 `json:"maxPriorityFeePerGas"`
			MaxFeePerGas         float64 `json:"maxFeePerGas"`
		} `json:"estimatedPrices"`
	} `json:"blockPrices"`
}

type estimate struct {
	price, maxFee, priority *big.Rat
}

// Estimate returns every band for chain c.
func (a *APIClient) Estimate(ctx context.Context, gasType Type, c chain.ID) (map[Speed]Details, error) {
	endpoint := a.base.JoinPath("gasprices", "blockprices")
	query := endpoint.Query()
	query.Set("chainid", strconv.FormatUint(c.ID, 10))
	query.Set("confidenceLevels", "70,80,90,95,99")
	endpoint.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("gas api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", a.apiKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gas api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gas api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload blockPricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("gas api: decode: %w", err)
	}
	if len(payload.BlockPrices) == 0 {
		return nil, fmt.Errorf("gas api: no block prices for %s", c)
	}

	byConfidence := make(map[int]estimate)
	for _, p := range payload.BlockPrices[0].EstimatedPrices {
		byConfidence[p.Confidence] = estimate{
			price:    gweiRat(p.Price),
			maxFee:   gweiRat(p.MaxFeePerGas),
			priority: gweiRat(p.MaxPriorityFeePerGas),
		}
	}

	out := make(map[Speed]Details, len(bands))
	for _, speed := range Speeds {
		b := bands[speed]
		lo, okLo := byConfidence[b.from]
		hi, okHi := byConfidence[b.to]
		if !okLo || !okHi {
			return nil, fmt.Errorf("gas api: missing confidence %d or %d", b.from, b.to)
		}
		if gasType == TypeEIP1559 {
			out[speed] = Details{
				Type:                 TypeEIP1559,
				MaxFeePerGas:         interpolate(lo.maxFee, hi.maxFee, b.weight),
				MaxPriorityFeePerGas: interpolate(lo.priority, hi.priority, b.weight),
			}
			continue
		}
		out[speed] = Details{Type: TypeLegacy, GasPrice: interpolate(lo.price, hi.price, b.weight)}
	}
	return out, nil
}

func gweiRat(gwei float64) *big.Rat {
	out := new(big.Rat)
	if _, ok := out.SetString(strconv.FormatFloat(gwei, 'f', -1, 64)); !ok {
		return new(big.Rat)
	}
	return out.Mul(out, weiPerGwei)
}

// interpolate returns lo + (hi-lo)*weight/100 in wei.
func interpolate(lo, hi *big.Rat, weight int64) *big.Int {
	diff := new(big.Rat).Sub(hi, lo)
	diff.Mul(diff, big.NewRat(weight, 100))
	diff.Add(diff, lo)
	return new(big.Int).Quo(diff.Num(), diff.Denom())
}
