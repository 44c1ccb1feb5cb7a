package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDeliversToSubscribedPeersOnly(t *testing.T) {
	hub := NewHub()
	node := hub.Join()
	client := hub.Join()
	bystander := hub.Join()
	defer node.Close()
	defer client.Close()
	defer bystander.Close()

	require.NoError(t, node.Subscribe("/railgun/v2/0-1-transact/json"))
	require.NoError(t, client.Subscribe("/railgun/v2/0-1-transact-response/json"))

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, "/railgun/v2/0-1-transact/json", []byte(`{"id":1}`)))
	require.NoError(t, client.Publish(ctx, "/railgun/v2/0-1-fees/json", []byte(`{}`)))

	msgs, err := node.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "/railgun/v2/0-1-transact/json", msgs[0].ContentTopic)
	require.JSONEq(t, `{"id":1}`, string(msgs[0].Payload))

	// Publishers never receive their own messages.
	own, err := client.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, own)

	drained, err := node.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, drained)
}

func TestMemoryClosed(t *testing.T) {
	hub := NewHub()
	m := hub.Join()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err := m.Poll(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Subscribe("x"), ErrClosed)
}

func TestInboxEvictsOldest(t *testing.T) {
	b := newInbox(2)
	require.NoError(t, b.subscribe("t"))
	for i := 0; i < 3; i++ {
		accepted, evicted := b.push(Message{ContentTopic: "t", Payload: []byte{byte(i)}})
		require.True(t, accepted)
		require.Equal(t, i == 2, evicted)
	}
	msgs, err := b.drain()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []byte{1}, msgs[0].Payload)

	accepted, _ := b.push(Message{ContentTopic: "other"})
	require.False(t, accepted)
}

func TestFrameRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	raw, err := encodeFrame("/railgun/v2/metrics/json", []byte("payload"), now)
	require.NoError(t, err)
	msg, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, "/railgun/v2/metrics/json", msg.ContentTopic)
	require.Equal(t, []byte("payload"), msg.Payload)
	require.True(t, now.Equal(msg.Timestamp))

	_, err = encodeFrame("", nil, now)
	require.Error(t, err)
	_, err = decodeFrame([]byte(`{"payload":"AA=="}`))
	require.Error(t, err)
}

func TestGossipRequiresHost(t *testing.T) {
	_, err := NewGossip(context.Background(), GossipParams{})
	require.Error(t, err)
}
