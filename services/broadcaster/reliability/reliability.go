// Package reliability keeps the per-chain request counters a broadcaster
// advertises, persisted in the node's key-value store.
package reliability

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"shieldrelay/core/chain"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	"shieldrelay/storage"
)

// Metric names one counter.
type Metric string

const (
	TotalSeen            Metric = "total_seen"
	DecodeSuccess        Metric = "decode_success"
	DecodeFailure        Metric = "decode_failure"
	SendSuccess          Metric = "send_success"
	SendFailure          Metric = "send_failure"
	BadData              Metric = "bad_data"
	GasEstimateSuccess   Metric = "gas_estimate_success"
	GasEstimateFailure   Metric = "gas_estimate_failure"
	FeeValidationSuccess Metric = "fee_validation_success"
	FeeValidationFailure Metric = "fee_validation_failure"
	POIValidationSuccess Metric = "poi_validation_success"
	POIValidationFailure Metric = "poi_validation_failure"
)

// Metrics lists every counter in a stable order.
var Metrics = []Metric{
	TotalSeen,
	DecodeSuccess,
	DecodeFailure,
	SendSuccess,
	SendFailure,
	BadData,
	GasEstimateSuccess,
	GasEstimateFailure,
	FeeValidationSuccess,
	FeeValidationFailure,
	POIValidationSuccess,
	POIValidationFailure,
}

const keyPrefix = "reliability_key"

// Key renders the storage key of a counter:
// reliability_key|<metric>|<chainType>|<chainID>.
func Key(c chain.ID, m Metric) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d", keyPrefix, m, c.Type, c.ID))
}

// Tracker reads and updates counters. Increments on the same counter are
// serialised in-process; the store itself only sees whole-value writes.
type Tracker struct {
	db      storage.Database
	logger  *slog.Logger
	metrics *observability.BroadcasterMetrics
	mu      sync.Mutex
}

// NewTracker returns a tracker persisting into db.
func NewTracker(db storage.Database, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:      db,
		logger:  logging.Component(logger, "reliability"),
		metrics: observability.Broadcaster(),
	}
}

// Init resets every counter of a chain to zero.
func (t *Tracker) Init(c chain.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range Metrics {
		if err := t.writeLocked(c, m, 0); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a counter; missing counters read as zero.
func (t *Tracker) Get(c chain.ID, m Metric) (int64, error) {
	raw, err := t.db.Get(Key(c, m))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reliability: read %s: %w", m, err)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reliability: decode %s: %w", m, err)
	}
	return value, nil
}

// Increment adds one to a counter and returns the new value.
func (t *Tracker) Increment(c chain.ID, m Metric) (int64, error) {
	return t.add(c, m, 1)
}

// Decrement subtracts one from a counter and returns the new value.
func (t *Tracker) Decrement(c chain.ID, m Metric) (int64, error) {
	return t.add(c, m, -1)
}

// Record is Increment for callers that only log failures; request handling
// must never fail because a counter could not be written.
func (t *Tracker) Record(c chain.ID, m Metric) {
	if t == nil {
		return
	}
	if _, err := t.Increment(c, m); err != nil {
		t.logger.Warn("reliability counter update failed",
			slog.String("chain", c.String()),
			slog.String("metric", string(m)),
			slog.Any("error", err))
	}
}

func (t *Tracker) add(c chain.ID, m Metric, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, err := t.Get(c, m)
	if err != nil {
		return 0, err
	}
	next := current + delta
	if err := t.writeLocked(c, m, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *Tracker) writeLocked(c chain.ID, m Metric, value int64) error {
	if err := t.db.Put(Key(c, m), []byte(strconv.FormatInt(value, 10))); err != nil {
		return fmt.Errorf("reliability: write %s: %w", m, err)
	}
	t.metrics.SetReliability(c.String(), string(m), value)
	return nil
}

// Forget deletes the persisted counters of every chain not in keep, so a chain
// dropped from the configuration stops being reported. It returns the number
// of counters removed.
func (t *Tracker) Forget(keep []chain.ID) (int, error) {
	kept := make(map[chain.ID]struct{}, len(keep))
	for _, c := range keep {
		kept[c] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, err := t.db.Keys([]byte(keyPrefix + "|"))
	if err != nil {
		return 0, fmt.Errorf("reliability: list counters: %w", err)
	}
	removed := 0
	for _, key := range keys {
		c, ok := chainOfKey(key)
		if !ok {
			continue
		}
		if _, ok := kept[c]; ok {
			continue
		}
		if err := t.db.Delete(key); err != nil {
			return removed, fmt.Errorf("reliability: delete %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

func chainOfKey(key []byte) (chain.ID, bool) {
	parts := strings.Split(string(key), "|")
	if len(parts) != 4 || parts[0] != keyPrefix {
		return chain.ID{}, false
	}
	c, err := chain.ParseKey(parts[2] + ":" + parts[3])
	if err != nil {
		return chain.ID{}, false
	}
	return c, true
}

// Snapshot returns every counter of a chain.
func (t *Tracker) Snapshot(c chain.ID) (map[Metric]int64, error) {
	out := make(map[Metric]int64, len(Metrics))
	for _, m := range Metrics {
		value, err := t.Get(c, m)
		if err != nil {
			return nil, err
		}
		out[m] = value
	}
	return out, nil
}

// Ratio reduces a chain's counters to the 0..1 reliability figure the node
// advertises: successful sends over the requests it was responsible for, that
// is decoded requests minus those rejected for the client's own bad data, fee or
// proof. Bad data recorded for undecodable plaintext never reached
// decode_success, so only the remainder is subtracted. With nothing to judge the
// node reports 1. The value is rounded to two decimals.
func (t *Tracker) Ratio(c chain.ID) (float64, error) {
	snapshot, err := t.Snapshot(c)
	if err != nil {
		return 0, err
	}
	ratio := ratioOf(snapshot)
	t.metrics.SetRatio(c.String(), ratio)
	return ratio, nil
}

func ratioOf(s map[Metric]int64) float64 {
	decodedBadData := s[BadData] - s[DecodeFailure]
	if decodedBadData < 0 {
		decodedBadData = 0
	}
	denominator := s[DecodeSuccess] - decodedBadData - s[FeeValidationFailure] - s[POIValidationFailure]
	if denominator <= 0 {
		return 1
	}
	ratio := float64(s[SendSuccess]) / float64(denominator)
	ratio = math.Max(0, math.Min(1, ratio))
	return math.Round(ratio*100) / 100
}
