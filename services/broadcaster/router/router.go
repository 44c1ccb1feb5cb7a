// Package router turns encrypted client messages into executor calls and
// publishes encrypted responses.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"shieldrelay/core/chain"
	"shieldrelay/crypto/envelope"
	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	shieldotel "shieldrelay/observability/otel"
	"shieldrelay/p2p/transport"
	"shieldrelay/services/broadcaster/executor"
	"shieldrelay/services/broadcaster/reliability"
)

// Outcome is the terminal state of one handled message.
type Outcome string

const (
	OutcomeResponded        Outcome = "responded"
	OutcomeRespondedError   Outcome = "responded_error"
	OutcomeDroppedTopic     Outcome = "dropped_topic"
	OutcomeDroppedMalformed Outcome = "dropped_malformed"
	OutcomeDroppedDecrypt   Outcome = "dropped_decrypt"
	OutcomeDroppedReplay    Outcome = "dropped_replay"
	OutcomeDroppedBadData   Outcome = "dropped_bad_data"
	OutcomeDroppedVersion   Outcome = "dropped_version"
	OutcomeDroppedKey       Outcome = "dropped_viewing_key"
	OutcomeDroppedChain     Outcome = "dropped_chain_mismatch"
	OutcomeDroppedFeeID     Outcome = "dropped_fee_id"
	OutcomeDroppedSent      Outcome = "dropped_already_sent"
	OutcomePublishFailed    Outcome = "publish_failed"
)

// Executor processes validated requests.
type Executor interface {
	Process(ctx context.Context, req executor.Request) (executor.Response, error)
	TxWasAlreadySent(c chain.ID, hash common.Hash) bool
}

// ReplayGuard filters client keys seen before.
type ReplayGuard interface {
	SeenOrRecord(pubKey string) bool
}

// FeeIDs answers whether a fee cache ID was issued by this process.
type FeeIDs interface {
	Recognizes(c chain.ID, id string) bool
}

// Counters records reliability events.
type Counters interface {
	Record(c chain.ID, m reliability.Metric)
}

// Config configures a Router.
type Config struct {
	// Version is this node's protocol version.
	Version string
	Chains  []chain.ID
	Topics  chain.Topics
	// RequireMatchingFeeCacheID drops requests quoting a fee ID this process
	// did not issue.
	RequireMatchingFeeCacheID bool
	// AllowDebug honours the devLog request flag when rendering errors.
	AllowDebug bool
	// ResponseTimeout bounds publication of a response.
	ResponseTimeout time.Duration
}

// Router handles inbound messages.
type Router struct {
	key       *envelope.ViewingKey
	transport transport.Transport
	guard     ReplayGuard
	exec      Executor
	feeIDs    FeeIDs
	counters  Counters

	topics      chain.Topics
	version     *semver.Version
	chains      map[chain.ID]struct{}
	requireFee  bool
	allowDebug  bool
	respTimeout time.Duration

	logger  *slog.Logger
	metrics *observability.BroadcasterMetrics
	tracer  trace.Tracer
}

// Deps are the collaborators of a Router.
type Deps struct {
	ViewingKey *envelope.ViewingKey
	Transport  transport.Transport
	Guard      ReplayGuard
	Executor   Executor
	FeeIDs     FeeIDs
	Counters   Counters
	Logger     *slog.Logger
}

// New validates cfg and deps and returns a router.
func New(cfg Config, deps Deps) (*Router, error) {
	switch {
	case deps.ViewingKey == nil:
		return nil, errors.New("router: viewing key required")
	case deps.Transport == nil:
		return nil, errors.New("router: transport required")
	case deps.Guard == nil:
		return nil, errors.New("router: replay guard required")
	case deps.Executor == nil:
		return nil, errors.New("router: executor required")
	case deps.FeeIDs == nil:
		return nil, errors.New("router: fee id source required")
	case deps.Counters == nil:
		return nil, errors.New("router: counters required")
	}
	version, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("router: parse version %q: %w", cfg.Version, err)
	}
	chains := make(map[chain.ID]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chains[c] = struct{}{}
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		key:         deps.ViewingKey,
		transport:   deps.Transport,
		guard:       deps.Guard,
		exec:        deps.Executor,
		feeIDs:      deps.FeeIDs,
		counters:    deps.Counters,
		topics:      cfg.Topics,
		version:     version,
		chains:      chains,
		requireFee:  cfg.RequireMatchingFeeCacheID,
		allowDebug:  cfg.AllowDebug,
		respTimeout: timeout,
		logger:      logging.Component(deps.Logger, "router"),
		metrics:     observability.Broadcaster(),
		tracer:      shieldotel.Tracer(),
	}, nil
}

// RequestTopics lists the content topics the router serves.
func (r *Router) RequestTopics() []string {
	out := make([]string, 0, 2*len(r.chains))
	for c := range r.chains {
		out = append(out,
			r.topics.For(c, chain.MethodTransact),
			r.topics.For(c, chain.MethodPreAuthorize))
	}
	return out
}

// VersionAccepted reports whether min <= node version <= max.
func (r *Router) VersionAccepted(minVersion, maxVersion string) bool {
	lo, err := semver.NewVersion(minVersion)
	if err != nil {
		return false
	}
	hi, err := semver.NewVersion(maxVersion)
	if err != nil {
		return false
	}
	return !r.version.LessThan(lo) && !r.version.GreaterThan(hi)
}
