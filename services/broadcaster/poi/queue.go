package poi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"shieldrelay/core/chain"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
)

const (
	// DefaultInterval is the resubmission cadence.
	DefaultInterval = 2 * time.Minute
	// DefaultMaxAge bounds how long an obligation is retried.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultCallTimeout bounds each ledger or node call.
	DefaultCallTimeout = 15 * time.Second
)

// Ledger answers questions about the node's shielded wallet and the indexed
// TXID tree.
type Ledger interface {
	// IsSpendable reports whether the note behind record is already spendable.
	IsSpendable(ctx context.Context, txidVersion string, c chain.ID, record StoredValidatedPOI) (bool, error)
	// RailgunTransaction returns the on-chain transaction that created
	// commitment, or nil while the TXID tree has not indexed it yet.
	RailgunTransaction(ctx context.Context, txidVersion string, c chain.ID, commitment string) (*RailgunTransaction, error)
}

// Submitter delivers a proof to a POI node.
type Submitter interface {
	SubmitSingleCommitmentProof(ctx context.Context, txidVersion string, c chain.ID, proof SingleCommitmentProof) error
}

// Target is one (txidVersion, chain) pair the queue services.
type Target struct {
	TxidVersion string
	Chain       chain.ID
}

// Outcome of one record in a poll pass.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

// Queue drives queued obligations to resolution.
type Queue struct {
	store     *Store
	ledger    Ledger
	submitter Submitter
	targets   []Target
	maxAge    time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.BroadcasterMetrics
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithMaxAge overrides DefaultMaxAge. Zero disables expiry.
func WithMaxAge(maxAge time.Duration) QueueOption {
	return func(q *Queue) { q.maxAge = maxAge }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) {
		if timeout > 0 {
			q.timeout = timeout
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.now = clock }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logging.Component(logger, "poi") }
}

// NewQueue returns a queue over store servicing targets.
func NewQueue(store *Store, ledger Ledger, submitter Submitter, targets []Target, opts ...QueueOption) *Queue {
	q := &Queue{
		store:     store,
		ledger:    ledger,
		submitter: submitter,
		targets:   append([]Target(nil), targets...),
		maxAge:    DefaultMaxAge,
		timeout:   DefaultCallTimeout,
		now:       time.Now,
		logger:    logging.Component(nil, "poi"),
		metrics:   observability.Broadcaster(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Store exposes the underlying store.
func (q *Queue) Store() *Store {
	return q.store
}

// QueueValidatedPOI records a new obligation.
func (q *Queue) QueueValidatedPOI(txidVersion string, c chain.ID, data ValidatedPOIData) error {
	if err := q.store.QueueValidatedPOI(txidVersion, c, data); err != nil {
		return err
	}
	q.metrics.SetPOIQueued(c.String(), txidVersion, q.store.Count(txidVersion, c))
	return nil
}

// Poll runs one pass over every target in order. A failing target does not
// stop the pass; failures are returned combined.
func (q *Queue) Poll(ctx context.Context) error {
	var result *multierror.Error
	for _, target := range q.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.pollTarget(ctx, target); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s %s: %w", target.TxidVersion, target.Chain, err))
		}
	}
	return result.ErrorOrNil()
}

func (q *Queue) pollTarget(ctx context.Context, target Target) error {
	records := q.store.GetValidatedPOIs(target.TxidVersion, target.Chain)
	var result *multierror.Error
	for _, record := range records {
		outcome, err := q.process(ctx, record)
		q.metrics.RecordPOISubmission(target.Chain.String(), string(outcome))
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	q.metrics.SetPOIQueued(target.Chain.String(), target.TxidVersion, q.store.Count(target.TxidVersion, target.Chain))
	return result.ErrorOrNil()
}

func (q *Queue) process(ctx context.Context, record StoredValidatedPOI) (Outcome, error) {
	attrs := []any{
		slog.String("chain", record.Chain.String()),
		slog.String("txid", record.RailgunTxid),
		slog.Int("attempts", record.Attempts),
	}
	if q.maxAge > 0 && q.now().Sub(record.QueuedAt) > q.maxAge {
		q.logger.Warn("dropping expired poi obligation", attrs...)
		return OutcomeExpired, q.store.DeleteValidatedPOI(record.TxidVersion, record.Chain, record.RailgunTxid)
	}

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	spendable, err := q.ledger.IsSpendable(callCtx, record.TxidVersion, record.Chain, record)
	cancel()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("spendable %s: %w", record.RailgunTxid, err)
	}
	if spendable {
		q.logger.Info("poi obligation resolved", attrs...)
		return OutcomeResolved, q.store.DeleteValidatedPOI(record.TxidVersion, record.Chain, record.RailgunTxid)
	}

	callCtx, cancel = context.WithTimeout(ctx, q.timeout)
	tx, err := q.ledger.RailgunTransaction(callCtx, record.TxidVersion, record.Chain, record.Commitment)
	cancel()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lookup %s: %w", record.RailgunTxid, err)
	}
	if tx == nil {
		q.logger.Debug("txid tree not synced, deferring poi submission", attrs...)
		return OutcomeDeferred, nil
	}

	proof := SingleCommitmentProof{
		Commitment:      record.Commitment,
		NPK:             record.NotePublicKey,
		UTXOTreeIn:      record.UTXOTreeIn,
		UTXOTreeOut:     tx.UTXOTreeOut,
		UTXOPositionOut: tx.UTXOPositionOut,
		RailgunTxid:     record.RailgunTxid,
		POIs:            record.PreTransactionPOIsPerTxidLeafPerList,
	}
	callCtx, cancel = context.WithTimeout(ctx, q.timeout)
	submitErr := q.submitter.SubmitSingleCommitmentProof(callCtx, record.TxidVersion, record.Chain, proof)
	cancel()

	record.Attempts++
	record.LastAttemptAt = q.now().UTC()
	if err := q.store.Update(record); err != nil {
		q.logger.Error("persist poi attempt failed", append(attrs, slog.Any("error", err))...)
	}
	if submitErr != nil {
		return OutcomeFailed, fmt.Errorf("submit %s: %w", record.RailgunTxid, submitErr)
	}
	q.logger.Info("submitted poi proof", attrs...)
	return OutcomeSubmitted, nil
}
