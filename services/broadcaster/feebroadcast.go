package broadcaster

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-multierror"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/reliability"
)

// FeeMessage is published on the fees topic of each chain. Data is the hex
// encoding of a FeeMessageData document and Signature the viewing key
// signature over those bytes.
type FeeMessage struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// FeeMessageData advertises the node's current quote for one chain.
type FeeMessageData struct {
	// Fees maps token address to hex unit fee.
	Fees                map[string]string `json:"fees"`
	FeeExpiration       int64             `json:"feeExpiration"`
	FeesID              string            `json:"feesID"`
	RailgunAddress      string            `json:"railgunAddress"`
	Identifier          string            `json:"identifier"`
	AvailableWallets    int               `json:"availableWallets"`
	Version             string            `json:"version"`
	RelayAdapt          string            `json:"relayAdapt"`
	RequiredPOIListKeys []string          `json:"requiredPOIListKeys"`
	Reliability         float64           `json:"reliability"`
}

// MetricsMessage is published on the metrics topic.
type MetricsMessage struct {
	Identifier string         `json:"identifier"`
	Version    string         `json:"version"`
	Chains     []ChainMetrics `json:"chains"`
}

// ChainMetrics carries one chain's reliability counters.
type ChainMetrics struct {
	Chain       string                       `json:"chain"`
	Reliability float64                      `json:"reliability"`
	Counters    map[reliability.Metric]int64 `json:"counters"`
}

var errNoPricedTokens = errors.New("no priced fee tokens")

// BroadcastFees quotes and publishes fees for every chain in turn. A failing
// chain does not stop the others; failures are returned together.
func (s *Service) BroadcastFees(ctx context.Context) error {
	var result *multierror.Error
	for _, c := range s.chainIDs {
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
		outcome := "published"
		if err := s.broadcastChainFees(ctx, c); err != nil {
			outcome = "failed"
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", c, err))
		}
		s.metrics.RecordFeeBroadcast(c.String(), outcome)
	}
	return result.ErrorOrNil()
}

func (s *Service) broadcastChainFees(ctx context.Context, c chain.ID) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Fees.BroadcastTimeout.Duration)
	defer cancel()

	quote, err := s.validator.Quote(ctx, c, s.prices.Tokens(c))
	if len(quote.UnitFees) == 0 {
		if err == nil {
			err = errNoPricedTokens
		}
		return err
	}
	if err != nil {
		s.logger.Warn("some fee tokens unpriced",
			slog.String("chain", c.String()),
			slog.Any("error", err))
	}

	ratio, err := s.tracker.Ratio(c)
	if err != nil {
		s.logger.Warn("reliability unavailable", slog.String("chain", c.String()), slog.Any("error", err))
		ratio = 0
	}

	data := FeeMessageData{
		Fees:                make(map[string]string, len(quote.UnitFees)),
		FeeExpiration:       quote.ExpiresAt.UnixMilli(),
		FeesID:              quote.FeeCacheID,
		RailgunAddress:      s.cfg.RailgunAddress,
		Identifier:          s.cfg.Identifier,
		AvailableWallets:    s.availableWallets(c),
		Version:             s.cfg.Version,
		RelayAdapt:          s.chainCfg[c].RelayAdapt,
		RequiredPOIListKeys: s.requiredPOIListKeys(c),
		Reliability:         ratio,
	}
	for token, fee := range quote.UnitFees {
		data.Fees[token.Hex()] = hexutil.EncodeBig(fee)
	}
	payload, err := s.signFeeMessage(data)
	if err != nil {
		return err
	}
	return s.transport.Publish(ctx, s.topics.For(c, chain.MethodFees), payload)
}

func (s *Service) requiredPOIListKeys(c chain.ID) []string {
	if !s.chainCfg[c].RequirePOI {
		return []string{}
	}
	keys := append([]string(nil), s.cfg.POI.ListKeys...)
	sort.Strings(keys)
	return keys
}

func (s *Service) signFeeMessage(data FeeMessageData) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode fee data: %w", err)
	}
	msg := FeeMessage{
		Data:      hex.EncodeToString(raw),
		Signature: hex.EncodeToString(s.key.Sign(raw)),
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode fee message: %w", err)
	}
	return out, nil
}

// PublishMetrics publishes the reliability counters of every chain on the
// metrics topic.
func (s *Service) PublishMetrics(ctx context.Context) error {
	msg := MetricsMessage{
		Identifier: s.cfg.Identifier,
		Version:    s.cfg.Version,
		Chains:     make([]ChainMetrics, 0, len(s.chainIDs)),
	}
	var result *multierror.Error
	for _, c := range s.chainIDs {
		counters, err := s.tracker.Snapshot(c)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", c, err))
			continue
		}
		ratio, err := s.tracker.Ratio(c)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", c, err))
			continue
		}
		msg.Chains = append(msg.Chains, ChainMetrics{Chain: c.String(), Reliability: ratio, Counters: counters})
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Fees.BroadcastTimeout.Duration)
	defer cancel()
	if err := s.transport.Publish(ctx, s.topics.Metrics(), raw); err != nil {
		result = multierror.Append(result, fmt.Errorf("publish metrics: %w", err))
	}
	return result.ErrorOrNil()
}
