package usecase

import (
	"context"
	"fmt"
	"sync"
)

// InFlight tracks the one running request of each conversation.
type InFlight struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	requestID string
	done      chan struct{}
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{
		slots: make(map[string]*slot),
	}
}

// TryAcquire claims conversationID for requestID. When another request holds
// it, TryAcquire returns that request's id and ok=false. The returned release
// function MUST be called once the request is terminal; calling it again is
// a no-op.
func (f *InFlight) TryAcquire(conversationID, requestID string) (release func(), holder string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, busy := f.slots[conversationID]; busy {
		return nil, cur.requestID, false
	}
	s := &slot{requestID: requestID, done: make(chan struct{})}
	f.slots[conversationID] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.slots[conversationID] == s {
				delete(f.slots, conversationID)
			}
			f.mu.Unlock()
			close(s.done)
		})
	}, requestID, true
}

// Wait blocks until the request currently holding conversationID releases
// it, or ctx is done. It returns immediately when the conversation is idle.
func (f *InFlight) Wait(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	s, busy := f.slots[conversationID]
	f.mu.Unlock()
	if !busy {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight request: %w", ctx.Err())
	}
}

// ActiveCount returns the number of conversations with a running request.
func (f *InFlight) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slots)
}
