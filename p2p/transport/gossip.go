package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"shieldrelay/observability"
	"shieldrelay/observability/logging"
)

// DefaultPubsubTopic is the single GossipSub topic carrying every content topic.
const DefaultPubsubTopic = "/waku/2/default-waku/proto"

// GossipParams configures a GossipSub backed transport.
type GossipParams struct {
	Host        host.Host
	PubSub      *pubsub.PubSub
	PubsubTopic string
	IgnoreLocal bool
	InboxSize   int
	Logger      *slog.Logger
}

// Gossip is a Transport over a libp2p GossipSub topic.
type Gossip struct {
	hostID       peer.ID
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	ignoreLocal  bool
	inbox        *inbox
	logger       *slog.Logger
	cancel       context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
	now          func() time.Time
}

// NewGossip joins the configured pub/sub topic and starts collecting messages.
func NewGossip(ctx context.Context, params GossipParams) (*Gossip, error) {
	if params.Host == nil || params.PubSub == nil {
		return nil, fmt.Errorf("transport: gossip requires a host and pubsub router")
	}
	name := strings.TrimSpace(params.PubsubTopic)
	if name == "" {
		name = DefaultPubsubTopic
	}
	topic, err := params.PubSub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join %s: %w", name, err)
	}
	subscription, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", name, err)
	}
	listenCtx, cancel := context.WithCancel(ctx)
	g := &Gossip{
		hostID:       params.Host.ID(),
		topic:        topic,
		subscription: subscription,
		ignoreLocal:  params.IgnoreLocal,
		inbox:        newInbox(params.InboxSize),
		logger:       logging.Component(params.Logger, "transport"),
		cancel:       cancel,
		done:         make(chan struct{}),
		now:          time.Now,
	}
	go g.listenForEvents(listenCtx)
	return g, nil
}

// Publish implements Transport.
func (g *Gossip) Publish(ctx context.Context, contentTopic string, payload []byte) error {
	raw, err := encodeFrame(contentTopic, payload, g.now())
	if err == nil {
		err = g.topic.Publish(ctx, raw)
	}
	observability.Transport().Published("gossip", err)
	return err
}

// Subscribe implements Transport.
func (g *Gossip) Subscribe(contentTopics ...string) error {
	return g.inbox.subscribe(contentTopics...)
}

// Poll implements Transport.
func (g *Gossip) Poll(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.inbox.drain()
}

// Close stops the listener and leaves the topic.
func (g *Gossip) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.cancel()
		g.subscription.Cancel()
		<-g.done
		g.inbox.close()
		err = g.topic.Close()
	})
	return err
}

func (g *Gossip) listenForEvents(ctx context.Context) {
	defer close(g.done)
	for {
		msg, err := g.subscription.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				g.logger.Debug("gossip listener stopped", slog.Any("error", err))
			} else {
				g.logger.Error("gossip listener failed", slog.Any("error", err))
			}
			return
		}
		if g.ignoreLocal && msg.ReceivedFrom == g.hostID {
			continue
		}
		decoded, err := decodeFrame(msg.Data)
		if err != nil {
			observability.Transport().Dropped("gossip", "malformed_frame")
			continue
		}
		accepted, evicted := g.inbox.push(decoded)
		if evicted {
			observability.Transport().Dropped("gossip", "inbox_full")
		}
		if accepted {
			observability.Transport().Received("gossip")
		}
	}
}

// NodeParams configures a standalone libp2p node for the gossip transport.
type NodeParams struct {
	ListenAddrs []string
	Bootstrap   []string
}

// NewNode creates a libp2p host with a GossipSub router and dials the bootstrap
// peers. Bootstrap failures are returned joined; the host stays usable.
func NewNode(ctx context.Context, params NodeParams) (host.Host, *pubsub.PubSub, error) {
	opts := []libp2p.Option{}
	if len(params.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(params.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("transport: create gossipsub: %w", err)
	}
	var dialErrs []error
	for _, addr := range params.Bootstrap {
		info, err := peer.AddrInfoFromString(strings.TrimSpace(addr))
		if err != nil {
			dialErrs = append(dialErrs, fmt.Errorf("parse bootstrap %q: %w", addr, err))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			dialErrs = append(dialErrs, fmt.Errorf("dial %s: %w", info.ID, err))
		}
	}
	return h, ps, errors.Join(dialErrs...)
}

var _ Transport = (*Gossip)(nil)
