package cancellation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chatstream/internal/domain"
)

// Result is the outcome of a cancel request as reported to HTTP callers.
type Result int

const (
	// Unknown means no request with that id was ever registered (or its
	// tombstone expired).
	Unknown Result = iota
	// Canceled means this call fired the token.
	Canceled
	// AlreadyTerminal means the request was canceled before or has finished.
	AlreadyTerminal
)

func (r Result) String() string {
	switch r {
	case Canceled:
		return "canceled"
	case AlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// Config tunes entry lifetimes.
type Config struct {
	// IdleTimeout drops entries that saw no activity for this long.
	IdleTimeout time.Duration
	// TombstoneTTL is how long a released id is remembered.
	TombstoneTTL time.Duration
	// SweepInterval is how often Sweep runs once Start was called.
	SweepInterval time.Duration
}

// Default lifetimes.
const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultTombstoneTTL  = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Registry maps request ids to cancellation tokens. It is safe for
// concurrent use.
type Registry struct {
	entries    sync.Map // requestID -> *Token
	tombstones sync.Map // requestID -> time.Time
	active     atomic.Int64

	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaultTombstoneTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	r := &Registry{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cron.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(func() {
		r.Sweep(r.now())
	}))
	return r
}

// Register creates the token for requestID. Request ids must be unique:
// registering a live or recently released id fails with ErrDuplicate.
func (r *Registry) Register(requestID string, meta Meta) (*Token, error) {
	if requestID == "" {
		return nil, domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "empty request id")
	}
	if _, dead := r.tombstones.Load(requestID); dead {
		return nil, domain.NewDomainError("Registry.Register", domain.ErrDuplicate, requestID)
	}
	tok := newToken(requestID, meta, r.now())
	if _, loaded := r.entries.LoadOrStore(requestID, tok); loaded {
		return nil, domain.NewDomainError("Registry.Register", domain.ErrDuplicate, requestID)
	}
	r.active.Add(1)
	r.logger.Debug("request registered",
		"request_id", requestID,
		"conversation_id", meta.ConversationID,
	)
	return tok, nil
}

// Lookup returns the context of the live token for requestID.
func (r *Registry) Lookup(requestID string) (context.Context, bool) {
	tok, ok := r.token(requestID)
	if !ok {
		return nil, false
	}
	return tok.ctx, true
}

func (r *Registry) token(requestID string) (*Token, bool) {
	v, ok := r.entries.Load(requestID)
	if !ok {
		return nil, false
	}
	return v.(*Token), true
}

// Cancel fires the token for requestID with the user-cancel cause. It returns
// false if the id is unknown, released, or already canceled.
func (r *Registry) Cancel(requestID string) bool {
	return r.CancelWithCause(requestID, domain.ErrUserCanceled)
}

// CancelWithCause is Cancel with an explicit cause.
func (r *Registry) CancelWithCause(requestID string, cause error) bool {
	tok, ok := r.token(requestID)
	if !ok {
		return false
	}
	if !tok.fire(cause) {
		return false
	}
	r.logger.Info("request canceled",
		"request_id", requestID,
		"cause", domain.AbortCauseOf(cause),
	)
	return true
}

// CancelStatus cancels requestID and reports the outcome in a form that
// distinguishes an unknown id from one that already finished.
func (r *Registry) CancelStatus(requestID string) Result {
	if r.Cancel(requestID) {
		return Canceled
	}
	if _, ok := r.token(requestID); ok {
		return AlreadyTerminal
	}
	if _, ok := r.tombstones.Load(requestID); ok {
		return AlreadyTerminal
	}
	return Unknown
}

// Release removes the entry for requestID and remembers the id for
// TombstoneTTL. Calling it more than once is a no-op.
func (r *Registry) Release(requestID string) {
	v, loaded := r.entries.LoadAndDelete(requestID)
	if !loaded {
		return
	}
	tok := v.(*Token)
	tok.cancel(errReleased)
	r.tombstones.Store(requestID, r.now())
	r.active.Add(-1)
}

// Bind returns ctx carrying the request id and combined with the request's
// token. The returned stop function must be called when the request ends.
func (r *Registry) Bind(ctx context.Context, requestID string) (context.Context, context.CancelFunc, error) {
	tok, ok := r.token(requestID)
	if !ok {
		return nil, nil, domain.NewDomainError("Registry.Bind", domain.ErrRegistryMiss, requestID)
	}
	bound, stop := Combine(ctx, tok.ctx)
	return domain.ContextWithRequestID(bound, requestID), stop, nil
}

// Touch records activity for requestID.
func (r *Registry) Touch(requestID string) {
	if tok, ok := r.token(requestID); ok {
		tok.Touch(r.now())
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int { return int(r.active.Load()) }

// Sweep cancels and drops entries idle for longer than IdleTimeout and
// forgets expired tombstones. It returns the number of entries dropped.
func (r *Registry) Sweep(now time.Time) int {
	dropped := 0
	r.entries.Range(func(key, value any) bool {
		tok := value.(*Token)
		if tok.idleSince(now) < r.cfg.IdleTimeout {
			return true
		}
		id := key.(string)
		tok.fire(domain.ErrIdleTimeout)
		r.Release(id)
		dropped++
		r.logger.Warn("request dropped after idle timeout",
			"request_id", id,
			"conversation_id", tok.meta.ConversationID,
			"age", now.Sub(tok.createdAt).String(),
		)
		return true
	})
	r.tombstones.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) >= r.cfg.TombstoneTTL {
			r.tombstones.Delete(key)
		}
		return true
	})
	return dropped
}

// CancelAll fires every live token with cause. Used on shutdown.
func (r *Registry) CancelAll(cause error) int {
	n := 0
	r.entries.Range(func(key, value any) bool {
		if value.(*Token).fire(cause) {
			n++
		}
		return true
	})
	return n
}

// Start schedules Sweep every SweepInterval.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.cron.Start()
	r.started = true
}

// Stop stops the sweep schedule and waits for a running sweep to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	<-r.cron.Stop().Done()
	r.started = false
}
