// Package replay filters inbound requests by client ephemeral public key. It is a
// best-effort recency filter, not a cryptographic nonce: the in-memory window is
// larger than the persisted one, so a restart forgets older keys.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"shieldrelay/observability"
	"shieldrelay/observability/logging"
	"shieldrelay/storage"
)

const (
	// DefaultMemoryCapacity bounds the in-memory set of handled keys.
	DefaultMemoryCapacity = 10_000
	// DefaultPersistCapacity bounds the persisted trailing window.
	DefaultPersistCapacity = 1_000
)

// StorageKey is where the trailing window is persisted.
var StorageKey = []byte("handledClientPubKeys|broadcaster")

// Guard remembers handled client public keys. Lookups never refresh an entry, so
// eviction is strictly in insertion order.
type Guard struct {
	db              storage.Database
	keys            *lru.Cache[string, struct{}]
	persistCapacity int
	logger          *slog.Logger
	metrics         *observability.BroadcasterMetrics

	mu      sync.Mutex
	dirty   chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option customises a Guard.
type Option func(*guardOptions)

type guardOptions struct {
	memoryCapacity  int
	persistCapacity int
	logger          *slog.Logger
}

// WithCapacity overrides the in-memory and persisted window sizes.
func WithCapacity(memory, persisted int) Option {
	return func(o *guardOptions) {
		o.memoryCapacity = memory
		o.persistCapacity = persisted
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *guardOptions) { o.logger = logger }
}

// NewGuard builds a guard persisting into db and starts its background writer.
func NewGuard(db storage.Database, opts ...Option) (*Guard, error) {
	options := guardOptions{
		memoryCapacity:  DefaultMemoryCapacity,
		persistCapacity: DefaultPersistCapacity,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.memoryCapacity <= 0 || options.persistCapacity <= 0 {
		return nil, fmt.Errorf("replay: capacities must be positive")
	}
	if options.persistCapacity > options.memoryCapacity {
		options.persistCapacity = options.memoryCapacity
	}
	cache, err := lru.New[string, struct{}](options.memoryCapacity)
	if err != nil {
		return nil, fmt.Errorf("replay: init cache: %w", err)
	}
	g := &Guard{
		db:              db,
		keys:            cache,
		persistCapacity: options.persistCapacity,
		logger:          logging.Component(options.logger, "replay"),
		metrics:         observability.Broadcaster(),
		dirty:           make(chan struct{}, 1),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	go g.runWriter()
	return g, nil
}

func normalize(pubKey string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(pubKey), "0x"))
}

// Seen reports whether pubKey has been handled.
func (g *Guard) Seen(pubKey string) bool {
	return g.keys.Contains(normalize(pubKey))
}

// Record marks pubKey as handled and schedules persistence.
func (g *Guard) Record(pubKey string) {
	key := normalize(pubKey)
	if key == "" || g.keys.Contains(key) {
		return
	}
	g.keys.Add(key, struct{}{})
	g.metrics.SetReplayGuardSize(g.keys.Len())
	select {
	case g.dirty <- struct{}{}:
	default:
	}
}

// SeenOrRecord atomically checks and records pubKey, reporting whether it had
// already been handled.
func (g *Guard) SeenOrRecord(pubKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Seen(pubKey) {
		return true
	}
	g.Record(pubKey)
	return false
}

// Len returns the number of keys held in memory.
func (g *Guard) Len() int {
	return g.keys.Len()
}

// Inflate loads the persisted window into memory. A missing window is not an
// error.
func (g *Guard) Inflate() error {
	raw, err := g.db.Get(StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay: load handled keys: %w", err)
	}
	var stored []string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("replay: decode handled keys: %w", err)
	}
	for _, key := range stored {
		if key = normalize(key); key != "" && !g.keys.Contains(key) {
			g.keys.Add(key, struct{}{})
		}
	}
	g.metrics.SetReplayGuardSize(g.keys.Len())
	return nil
}

// Flush synchronously persists the newest keys.
func (g *Guard) Flush() error {
	keys := g.keys.Keys()
	if len(keys) > g.persistCapacity {
		keys = keys[len(keys)-g.persistCapacity:]
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("replay: encode handled keys: %w", err)
	}
	if err := g.db.Put(StorageKey, raw); err != nil {
		return fmt.Errorf("replay: persist handled keys: %w", err)
	}
	return nil
}

// Close stops the background writer after a final flush.
func (g *Guard) Close() error {
	var err error
	g.once.Do(func() {
		close(g.stop)
		<-g.stopped
		err = g.Flush()
	})
	return err
}

func (g *Guard) runWriter() {
	defer close(g.stopped)
	for {
		select {
		case <-g.stop:
			return
		case <-g.dirty:
			// Failure only costs durability across restarts; the in-memory
			// guard keeps working.
			if err := g.Flush(); err != nil {
				g.logger.Warn("persist handled keys failed", slog.Any("error", err))
			}
		}
	}
}
