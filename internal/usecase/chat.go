package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatstream/internal/domain"
	"chatstream/internal/infra/logger"
	"chatstream/internal/usecase/branch"
	"chatstream/internal/usecase/broadcast"
	"chatstream/internal/usecase/cancellation"
	"chatstream/internal/usecase/emitter"
	"chatstream/internal/usecase/reducer"
)

const defaultFinalizeTimeout = 10 * time.Second

// ConflictPolicy decides what happens when a request arrives for a
// conversation that already has one in flight.
type ConflictPolicy string

const (
	// ConflictReject refuses the new request with ErrConversationBusy.
	ConflictReject ConflictPolicy = "reject"
	// ConflictReplace cancels the running request with ErrSuperseded and
	// starts the new one once it has ended.
	ConflictReplace ConflictPolicy = "replace"
)

// ProviderSource returns the provider new requests are sent to.
type ProviderSource interface {
	Default() (domain.ChatProvider, error)
}

// ToolCatalog lists the tools offered to providers.
type ToolCatalog interface {
	Schemas() []domain.ToolSchema
}

// ChatDeps holds injected dependencies for the chat service.
type ChatDeps struct {
	Registry  *cancellation.Registry
	Branches  *branch.Manager
	Hub       *broadcast.Hub
	Emitter   *emitter.Emitter
	Providers ProviderSource
	Tools     ToolCatalog // optional, nil = no tools offered
	Logger    *slog.Logger

	SystemPrompt    string
	ConflictPolicy  ConflictPolicy
	MaxTokens       int
	Temperature     float64
	FinalizeTimeout time.Duration
}

// Accepted identifies a request that was started.
type Accepted struct {
	RequestID  string `json:"requestId"`
	UserKey    string `json:"userKey,omitempty"`
	MessageKey string `json:"messageKey"`
	VersionID  string `json:"versionId"`
}

// ChatService starts, cancels and finalizes streaming requests. Each request
// runs on its own goroutine; a conversation has at most one request in
// flight.
type ChatService struct {
	deps     ChatDeps
	inflight *InFlight
	wg       sync.WaitGroup
	closing  atomic.Bool
	now      func() time.Time
}

// NewChatService creates a chat service with the given dependencies.
func NewChatService(deps ChatDeps) *ChatService {
	if deps.ConflictPolicy == "" {
		deps.ConflictPolicy = ConflictReject
	}
	if deps.FinalizeTimeout <= 0 {
		deps.FinalizeTimeout = defaultFinalizeTimeout
	}
	return &ChatService{
		deps:     deps,
		inflight: NewInFlight(),
		now:      time.Now,
	}
}

// Submit appends a user message and starts streaming the assistant's answer.
// An empty requestID is replaced with a generated one.
func (s *ChatService) Submit(ctx context.Context, conversationID, requestID, content string) (Accepted, error) {
	const op = "ChatService.Submit"
	if strings.TrimSpace(content) == "" {
		return Accepted{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty content")
	}
	provider, release, requestID, err := s.admit(ctx, op, conversationID, requestID, "")
	if err != nil {
		return Accepted{}, err
	}

	user, err := s.deps.Branches.AppendUser(ctx, conversationID, content)
	if err != nil {
		s.abandon(requestID, release)
		return Accepted{}, domain.WrapOp(op, err)
	}
	msg, versionID, err := s.deps.Branches.AppendAssistant(ctx, conversationID, user.Key, requestID)
	if err != nil {
		s.abandon(requestID, release)
		return Accepted{}, domain.WrapOp(op, err)
	}

	acc := Accepted{RequestID: requestID, UserKey: user.Key, MessageKey: msg.Key, VersionID: versionID}
	s.start(conversationID, acc, provider, release)
	return acc, nil
}

// Retry starts a new version of an assistant message. Earlier versions are
// kept.
func (s *ChatService) Retry(ctx context.Context, conversationID, messageKey, requestID string) (Accepted, error) {
	const op = "ChatService.Retry"
	provider, release, requestID, err := s.admit(ctx, op, conversationID, requestID, messageKey)
	if err != nil {
		return Accepted{}, err
	}

	versionID, input, err := s.deps.Branches.Retry(ctx, conversationID, messageKey, requestID)
	if err != nil {
		s.abandon(requestID, release)
		return Accepted{}, domain.WrapOp(op, err)
	}
	s.deps.Logger.Debug("retrying message",
		"conversation_id", conversationID,
		"message_key", messageKey,
		"request_id", requestID,
		"input_chars", len(input),
	)

	acc := Accepted{RequestID: requestID, MessageKey: messageKey, VersionID: versionID}
	s.start(conversationID, acc, provider, release)
	return acc, nil
}

// admit validates ids, resolves the provider, claims the conversation and
// registers the request's cancellation token.
func (s *ChatService) admit(ctx context.Context, op, conversationID, requestID, messageKey string) (domain.ChatProvider, func(), string, error) {
	if s.closing.Load() {
		return nil, nil, "", domain.NewDomainError(op, domain.ErrShutdown, conversationID)
	}
	if err := branch.ValidateID(conversationID); err != nil {
		return nil, nil, "", domain.WrapOp(op, err)
	}
	if requestID == "" {
		requestID = branch.NewID()
	} else if err := branch.ValidateID(requestID); err != nil {
		return nil, nil, "", domain.WrapOp(op, err)
	}

	provider, err := s.deps.Providers.Default()
	if err != nil {
		return nil, nil, "", domain.WrapOp(op, err)
	}

	release, err := s.acquire(ctx, op, conversationID, requestID)
	if err != nil {
		return nil, nil, "", err
	}
	if _, err := s.deps.Registry.Register(requestID, cancellation.Meta{
		ConversationID: conversationID,
		MessageKey:     messageKey,
	}); err != nil {
		release()
		return nil, nil, "", domain.WrapOp(op, err)
	}
	return provider, release, requestID, nil
}

// acquire claims the conversation, applying the conflict policy when another
// request holds it.
func (s *ChatService) acquire(ctx context.Context, op, conversationID, requestID string) (func(), error) {
	for {
		release, holder, ok := s.inflight.TryAcquire(conversationID, requestID)
		if ok {
			return release, nil
		}
		if s.deps.ConflictPolicy != ConflictReplace {
			return nil, domain.NewDomainError(op, domain.ErrConversationBusy,
				fmt.Sprintf("request %s is in flight", holder))
		}
		s.deps.Logger.Info("superseding in-flight request",
			"conversation_id", conversationID,
			"request_id", holder,
			"replaced_by", requestID,
		)
		s.deps.Registry.CancelWithCause(holder, domain.ErrSuperseded)
		if err := s.inflight.Wait(ctx, conversationID); err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}
}

func (s *ChatService) abandon(requestID string, release func()) {
	s.deps.Registry.Release(requestID)
	release()
}

// start opens the replay buffer and runs the request in the background.
func (s *ChatService) start(conversationID string, acc Accepted, provider domain.ChatProvider, release func()) {
	s.deps.Hub.Begin(conversationID, acc.RequestID)
	s.wg.Add(1)
	go s.run(conversationID, acc, provider, release)
}

func (s *ChatService) run(conversationID string, acc Accepted, provider domain.ChatProvider, release func()) {
	defer s.wg.Done()
	defer release()

	log := logger.ForRequest(s.deps.Logger, conversationID, acc.RequestID)
	base := domain.ContextWithConversationID(context.Background(), conversationID)

	red := reducer.New(domain.MessageVersion{
		ID:        acc.VersionID,
		RequestID: acc.RequestID,
		Status:    domain.StatusStreaming,
		CreatedAt: s.now(),
	})
	sink := emitter.SinkFunc(func(env domain.Envelope) {
		stamped := s.deps.Hub.Publish(conversationID, env)
		if v := red.Apply(stamped); v != nil {
			log.Warn("protocol violation", "error", v)
		}
	})
	req := emitter.Request{
		ConversationID: conversationID,
		RequestID:      acc.RequestID,
		MessageKey:     acc.MessageKey,
		VersionID:      acc.VersionID,
		Provider:       provider,
		OnActivity:     func() { s.deps.Registry.Touch(acc.RequestID) },
	}

	out := s.execute(base, req, sink)
	s.deps.Registry.Release(acc.RequestID)

	final := red.Snapshot()
	ctx, cancel := context.WithTimeout(base, s.deps.FinalizeTimeout)
	defer cancel()
	if err := s.deps.Branches.Finalize(ctx, conversationID, acc.MessageKey, final); err != nil {
		log.Error("finalize version failed", "version_id", acc.VersionID, "error", err)
	}

	attrs := []any{
		"reason", out.Reason,
		"status", final.Status,
		"iterations", out.Iterations,
		"tokens", out.Usage.TotalTokens,
		"last_seq", red.LastSeq(),
	}
	if out.Reason == domain.EndAborted {
		attrs = append(attrs, "cause", out.Cause)
	}
	if n := len(red.Violations()); n > 0 {
		attrs = append(attrs, "violations", n)
	}
	log.Info("request finished", attrs...)
}

// execute binds the request to its token, builds the prompt and drives the
// emitter. A request that cannot be started still ends with a session-end.
func (s *ChatService) execute(base context.Context, req emitter.Request, sink emitter.Sink) emitter.Outcome {
	ctx, stop, err := s.deps.Registry.Bind(base, req.RequestID)
	if err != nil {
		return s.failEarly(req, sink, err)
	}
	defer stop()

	chat, err := s.chatRequest(ctx, req.ConversationID, req.MessageKey)
	if err != nil {
		if ctx.Err() != nil {
			return s.failEarly(req, sink, domain.NewAbortedError(context.Cause(ctx)))
		}
		return s.failEarly(req, sink, err)
	}
	req.Chat = chat
	return s.deps.Emitter.Run(ctx, req, sink)
}

// failEarly ends a request that never reached the provider.
func (s *ChatService) failEarly(req emitter.Request, sink emitter.Sink, err error) emitter.Outcome {
	env := func(ev domain.Event) domain.Envelope {
		return domain.Envelope{
			ConversationID: req.ConversationID,
			RequestID:      req.RequestID,
			MessageKey:     req.MessageKey,
			VersionID:      req.VersionID,
			Event:          ev,
		}
	}
	var aborted *domain.AbortedError
	if errors.As(err, &aborted) {
		sink.Emit(env(domain.SessionEnd{Reason: domain.EndAborted, Cause: aborted.Cause}))
		return emitter.Outcome{Reason: domain.EndAborted, Cause: aborted.Cause, Err: err}
	}
	sink.Emit(env(domain.StreamError{Error: err.Error()}))
	sink.Emit(env(domain.SessionEnd{Reason: domain.EndError}))
	return emitter.Outcome{Reason: domain.EndError, Err: err}
}

// chatRequest builds the provider request answering messageKey from the
// selected versions of the messages before it.
func (s *ChatService) chatRequest(ctx context.Context, conversationID, messageKey string) (domain.ChatRequest, error) {
	history, err := s.deps.Branches.Prompt(ctx, conversationID, messageKey)
	if err != nil {
		return domain.ChatRequest{}, err
	}
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	if s.deps.SystemPrompt != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: s.deps.SystemPrompt})
	}
	msgs = append(msgs, history...)

	req := domain.ChatRequest{
		Messages:    msgs,
		MaxTokens:   s.deps.MaxTokens,
		Temperature: s.deps.Temperature,
	}
	if s.deps.Tools != nil {
		req.Tools = s.deps.Tools.Schemas()
	}
	return req, nil
}

// Abort cancels a running request with the user-cancel cause.
func (s *ChatService) Abort(requestID string) cancellation.Result {
	return s.deps.Registry.CancelStatus(requestID)
}

// Select changes which version of a message is displayed.
func (s *ChatService) Select(ctx context.Context, conversationID, messageKey string, index int) error {
	return domain.WrapOp("ChatService.Select", s.deps.Branches.SelectVersion(ctx, conversationID, messageKey, index))
}

// Conversation returns the transcript of a conversation.
func (s *ChatService) Conversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := s.deps.Branches.Conversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, domain.WrapOp("ChatService.Conversation", err)
	}
	return conv, nil
}

// InFlight returns the number of running requests.
func (s *ChatService) InFlight() int {
	return s.inflight.ActiveCount()
}

// Wait blocks until every running request has been finalized.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new requests, aborts the running ones with the shutdown
// cause and waits for them to be finalized or for ctx to end.
func (s *ChatService) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if n := s.deps.Registry.CancelAll(domain.ErrShutdown); n > 0 {
		s.deps.Logger.Info("aborting in-flight requests", "count", n)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat shutdown: %w", ctx.Err())
	}
}
