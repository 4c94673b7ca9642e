// Package broadcast fans request events out to every viewer of a
// conversation.
//
// Each conversation has one channel holding a replay buffer for the request
// in flight. A subscriber first receives the buffered events it has not seen
// and then the live tail, so late joiners converge on the same state as
// viewers that were there from the start. A full buffer first merges
// consecutive deltas of a block; only when none remain is the oldest event
// dropped. Delivery never blocks the publisher: a subscriber whose queue is
// full is dropped and must resubscribe with the last sequence number it saw.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatstream/internal/domain"
)

// Defaults.
const (
	defaultBufferSize        = 2048
	defaultSubscriberQueue   = 64
	defaultHeartbeatInterval = 15 * time.Second
)

// Config tunes the hub.
type Config struct {
	BufferSize        int
	SubscriberQueue   int
	HeartbeatInterval time.Duration
}

// Hub owns every conversation channel. It is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	seq      uint64 // shared by all conversations, never reset
	nextID   uint64
	closed   bool

	dropped atomic.Int64

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type channel struct {
	requestID string
	buffer    []entry
	active    bool // a request is in flight
	warned    bool // overflow already logged for this request
	subs      map[uint64]*Subscription
}

// New creates a hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = defaultSubscriberQueue
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Hub{
		channels: make(map[string]*channel),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

func (h *Hub) channel(conversationID string) *channel {
	ch, ok := h.channels[conversationID]
	if !ok {
		ch = &channel{subs: make(map[uint64]*Subscription)}
		h.channels[conversationID] = ch
	}
	return ch
}

// Begin starts buffering for a new request on the conversation. Whatever the
// previous request left in the buffer is discarded.
func (h *Hub) Begin(conversationID, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channel(conversationID)
	ch.requestID = requestID
	ch.buffer = ch.buffer[:0]
	ch.active = true
	ch.warned = false
}

// Publish stamps env with the next sequence number, buffers it for replay
// and delivers it to every subscriber. It returns the stamped envelope. The
// buffer is discarded once a session-end is published.
func (h *Hub) Publish(conversationID string, env domain.Envelope) domain.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channel(conversationID)
	h.seq++
	env.Seq = h.seq
	if env.ConversationID == "" {
		env.ConversationID = conversationID
	}

	if ch.active {
		if len(ch.buffer) >= h.cfg.BufferSize && !ch.coalesce() {
			if !ch.warned {
				h.logger.Warn("replay buffer full, dropping oldest events",
					"conversation_id", conversationID,
					"request_id", ch.requestID,
					"size", h.cfg.BufferSize,
				)
				ch.warned = true
			}
			copy(ch.buffer, ch.buffer[1:])
			ch.buffer = ch.buffer[:len(ch.buffer)-1]
		}
		ch.buffer = append(ch.buffer, entry{env: env})
	}

	for id, sub := range ch.subs {
		if !sub.offer(env) {
			delete(ch.subs, id)
			sub.drop()
			h.dropped.Add(1)
			h.logger.Warn("slow subscriber dropped",
				"conversation_id", conversationID,
				"subscriber", id,
				"seq", env.Seq,
			)
		}
	}

	if domain.IsTerminal(env.Event) {
		ch.buffer = nil
		ch.active = false
	}
	h.gc(conversationID, ch)
	return env
}

// Subscribe attaches a viewer to the conversation. Buffered events with a
// sequence number above afterSeq are delivered first, followed by the live
// tail.
func (h *Hub) Subscribe(conversationID string, afterSeq uint64) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.NewDomainError("Hub.Subscribe", domain.ErrShutdown, conversationID)
	}

	ch := h.channel(conversationID)
	var backlog []domain.Envelope
	for _, e := range ch.buffer {
		if env, ok := e.after(afterSeq); ok {
			backlog = append(backlog, env)
		}
	}

	h.nextID++
	sub := &Subscription{
		id:             h.nextID,
		conversationID: conversationID,
		events:         make(chan domain.Envelope, len(backlog)+h.cfg.SubscriberQueue),
		hub:            h,
	}
	for _, env := range backlog {
		sub.events <- env
	}
	ch.subs[sub.id] = sub

	h.logger.Debug("subscriber attached",
		"conversation_id", conversationID,
		"subscriber", sub.id,
		"after_seq", afterSeq,
		"replayed", len(backlog),
	)
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[sub.conversationID]
	if !ok {
		return
	}
	if _, ok := ch.subs[sub.id]; ok {
		delete(ch.subs, sub.id)
		close(sub.events)
	}
	h.gc(sub.conversationID, ch)
}

// gc forgets an idle channel.
func (h *Hub) gc(conversationID string, ch *channel) {
	if !ch.active && len(ch.subs) == 0 && len(ch.buffer) == 0 {
		delete(h.channels, conversationID)
	}
}

// Run sends a heartbeat to every subscriber each HeartbeatInterval until ctx
// is done. Heartbeats are neither stamped nor buffered.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Heartbeat sends one heartbeat to every subscriber with room in its queue.
func (h *Hub) Heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.now().UTC()
	for id, ch := range h.channels {
		env := domain.Envelope{ConversationID: id, Event: domain.Heartbeat{TS: ts}}
		for _, sub := range ch.subs {
			sub.offer(env)
		}
	}
}

// Close detaches every subscriber. Subsequent Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.channels {
		for sid, sub := range ch.subs {
			delete(ch.subs, sid)
			close(sub.events)
		}
		delete(h.channels, id)
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Conversations int   `json:"conversations"`
	Subscribers   int   `json:"subscribers"`
	Dropped       int64 `json:"dropped"`
}

// Stats returns current counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Conversations: len(h.channels), Dropped: h.dropped.Load()}
	for _, ch := range h.channels {
		s.Subscribers += len(ch.subs)
	}
	return s
}

// Subscription is one viewer's queue.
type Subscription struct {
	id             uint64
	conversationID string
	events         chan domain.Envelope
	dropped        atomic.Bool
	once           sync.Once
	hub            *Hub
}

// Events delivers envelopes in sequence order. It is closed when the
// subscription is closed or dropped.
func (s *Subscription) Events() <-chan domain.Envelope { return s.events }

// Dropped reports whether the hub dropped the subscriber for being slow.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close detaches the subscription. Calling it more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// offer enqueues env without blocking. Called with the hub lock held.
func (s *Subscription) offer(env domain.Envelope) bool {
	select {
	case s.events <- env:
		return true
	default:
		return false
	}
}

// drop closes the queue after the hub removed s. Called with the hub lock held.
func (s *Subscription) drop() {
	s.dropped.Store(true)
	close(s.events)
}
