package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func newTestHub(cfg Config) *Hub {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func delta(text string) domain.Envelope {
	return domain.Envelope{RequestID: "r1", Event: domain.BlockDelta{Index: 0, Text: text}}
}

// drain reads whatever is queued without blocking.
func drain(sub *Subscription) []domain.Envelope {
	var out []domain.Envelope
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func seqs(envs []domain.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, env := range envs {
		out[i] = env.Seq
	}
	return out
}

func TestPublishStampsMonotonicSeq(t *testing.T) {
	hub := newTestHub(Config{})
	hub.Begin("c1", "r1")

	a := hub.Publish("c1", delta("a"))
	b := hub.Publish("c1", delta("b"))
	other := hub.Publish("c2", delta("x"))

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Greater(t, other.Seq, b.Seq)
	assert.Equal(t, "c1", a.ConversationID)
}

func TestLateSubscriberReplaysBuffer(t *testing.T) {
	hub := newTestHub(Config{})
	hub.Begin("c1", "r1")

	early, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)

	hub.Publish("c1", delta("a"))
	hub.Publish("c1", delta("b"))

	late, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	hub.Publish("c1", delta("c"))

	assert.Equal(t, seqs(drain(early)), seqs(drain(late)))
}

func TestSubscribeAfterSeqSkipsSeen(t *testing.T) {
	hub := newTestHub(Config{})
	hub.Begin("c1", "r1")
	for _, s := range []string{"a", "b", "c", "d"} {
		hub.Publish("c1", delta(s))
	}

	sub, err := hub.Subscribe("c1", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, seqs(drain(sub)))
}

func TestSessionEndDiscardsBuffer(t *testing.T) {
	hub := newTestHub(Config{})
	hub.Begin("c1", "r1")
	hub.Publish("c1", delta("a"))
	hub.Publish("c1", domain.Envelope{Event: domain.SessionEnd{Reason: domain.EndDone}})

	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	assert.Empty(t, drain(sub))

	// The next request starts from a clean buffer.
	hub.Begin("c1", "r2")
	env := hub.Publish("c1", delta("b"))
	assert.Equal(t, uint64(3), env.Seq)
	assert.Equal(t, []uint64{3}, seqs(drain(sub)))
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := newTestHub(Config{SubscriberQueue: 2})
	hub.Begin("c1", "r1")

	slow, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	fast, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)

	var got []domain.Envelope
	for _, s := range []string{"a", "b", "c", "d"} {
		hub.Publish("c1", delta(s))
		got = append(got, drain(fast)...)
	}

	assert.Len(t, got, 4, "fast subscriber keeps receiving")
	assert.True(t, slow.Dropped())
	assert.Len(t, drain(slow), 2)
	_, open := <-slow.Events()
	assert.False(t, open)
	assert.Equal(t, int64(1), hub.Stats().Dropped)

	// Resubscribing with the last seen seq catches up from the buffer.
	again, err := hub.Subscribe("c1", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, seqs(drain(again)))
	slow.Close()
}

func texts(envs []domain.Envelope) []string {
	var out []string
	for _, env := range envs {
		if d, ok := env.Event.(domain.BlockDelta); ok {
			out = append(out, d.Text)
		}
	}
	return out
}

func TestBufferOverflowCoalescesDeltas(t *testing.T) {
	hub := newTestHub(Config{BufferSize: 3})
	hub.Begin("c1", "r1")
	hub.Publish("c1", domain.Envelope{Event: domain.BlockStart{Index: 0, Kind: domain.BlockText}})
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		hub.Publish("c1", delta(s))
	}

	late, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	got := drain(late)
	assert.Equal(t, []uint64{1, 5, 6}, seqs(got))
	assert.Equal(t, domain.BlockStart{Index: 0, Kind: domain.BlockText}, got[0].Event, "block-start survives overflow")
	assert.Equal(t, []string{"abcd", "e"}, texts(got))

	// Resuming inside a merged run yields only the unseen part.
	resumed, err := hub.Subscribe("c1", 3)
	require.NoError(t, err)
	got = drain(resumed)
	assert.Equal(t, []uint64{5, 6}, seqs(got))
	assert.Equal(t, []string{"cd", "e"}, texts(got))
}

func TestBufferOverflowKeepsDeltasOfDifferentBlocksApart(t *testing.T) {
	hub := newTestHub(Config{BufferSize: 2})
	hub.Begin("c1", "r1")
	hub.Publish("c1", domain.Envelope{Event: domain.BlockDelta{Index: 0, Text: "a"}})
	hub.Publish("c1", domain.Envelope{Event: domain.BlockDelta{Index: 1, Text: "b"}})
	hub.Publish("c1", domain.Envelope{Event: domain.BlockDelta{Index: 1, PartialJSON: "{}"}})

	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seqs(drain(sub)))
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	hub := newTestHub(Config{BufferSize: 3})
	hub.Begin("c1", "r1")
	for i := range 5 {
		hub.Publish("c1", domain.Envelope{Event: domain.BlockStop{Index: i}})
	}
	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, seqs(drain(sub)))
}

func TestHeartbeatIsNotBuffered(t *testing.T) {
	hub := newTestHub(Config{})
	hub.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	hub.Begin("c1", "r1")

	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	hub.Heartbeat()

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Heartbeat{TS: hub.now()}, got[0].Event)
	assert.Zero(t, got[0].Seq)

	late, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	assert.Empty(t, drain(late))
}

func TestRunSendsHeartbeats(t *testing.T) {
	hub := newTestHub(Config{HeartbeatInterval: 5 * time.Millisecond})
	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = hub.Run(ctx)
	}()

	select {
	case env := <-sub.Events():
		assert.Equal(t, domain.EventHeartbeat, env.Event.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	cancel()
	wg.Wait()
}

func TestCloseAndUnsubscribe(t *testing.T) {
	hub := newTestHub(Config{})
	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Stats().Subscribers)

	sub.Close()
	sub.Close()
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, Stats{}, hub.Stats())

	other, err := hub.Subscribe("c2", 0)
	require.NoError(t, err)
	hub.Close()
	_, open = <-other.Events()
	assert.False(t, open)
	other.Close()

	_, err = hub.Subscribe("c3", 0)
	assert.ErrorIs(t, err, domain.ErrShutdown)
}

func TestConcurrentPublishers(t *testing.T) {
	hub := newTestHub(Config{SubscriberQueue: 1000})
	hub.Begin("c1", "r1")
	sub, err := hub.Subscribe("c1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish("c1", delta("x"))
			}
		}()
	}
	wg.Wait()

	got := drain(sub)
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}
