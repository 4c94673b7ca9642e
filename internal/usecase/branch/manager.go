// Package branch keeps every attempt at answering a message.
//
// A logical message never changes its key. Retrying appends a new version
// under the same key and leaves earlier versions, aborted and errored ones
// included, untouched. Selecting a version only changes which one is shown
// and which one later prompts are built from.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/domain"
)

const maxIDLength = 128

// NewID returns a new ULID string.
func NewID() string {
	return ulid.Make().String()
}

// ValidateID rejects ids that are empty, too long or contain characters
// outside [A-Za-z0-9_-].
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", domain.ErrInvalidInput)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id longer than %d bytes", domain.ErrInvalidInput, maxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: id %q contains %q", domain.ErrInvalidInput, id, r)
		}
	}
	return nil
}

// Manager owns conversations in memory and writes every change through to
// the transcript store. Conversations are loaded lazily on first use.
type Manager struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation

	store  domain.TranscriptStore
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// New creates a Manager backed by store.
func New(store domain.TranscriptStore, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		convs:  make(map[string]*domain.Conversation),
		store:  store,
		now:    time.Now,
		newID:  NewID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// load returns the cached conversation, reading it from the store on first
// use. When create is set a missing conversation is started empty.
func (m *Manager) load(ctx context.Context, id string, create bool) (*domain.Conversation, error) {
	if conv, ok := m.convs[id]; ok {
		return conv, nil
	}
	conv, err := m.store.LoadConversation(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound) && create:
		now := m.now()
		conv = &domain.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
		if err := m.store.SaveConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation %s: %w", id, err)
		}
		m.logger.Debug("conversation created", "conversation_id", id)
	default:
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	m.convs[id] = conv
	return conv, nil
}

func (m *Manager) message(conv *domain.Conversation, key string) (int, *domain.Message, error) {
	pos := conv.MessageIndex(key)
	if pos < 0 {
		return -1, nil, domain.NewDomainError("Manager.message", domain.ErrMessageNotFound, key)
	}
	return pos, &conv.Messages[pos], nil
}

func (m *Manager) save(ctx context.Context, conv *domain.Conversation, pos int) error {
	conv.UpdatedAt = m.now()
	if err := m.store.SaveMessage(ctx, conv.ID, pos, &conv.Messages[pos]); err != nil {
		return fmt.Errorf("save message %s: %w", conv.Messages[pos].Key, err)
	}
	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// appendMessage adds msg to conv and writes it through. On a failed write
// the cached conversation is left as it was.
func (m *Manager) appendMessage(ctx context.Context, conv *domain.Conversation, msg domain.Message) error {
	updated := conv.UpdatedAt
	conv.Messages = append(conv.Messages, msg)
	if err := m.save(ctx, conv, len(conv.Messages)-1); err != nil {
		conv.Messages = conv.Messages[:len(conv.Messages)-1]
		conv.UpdatedAt = updated
		return err
	}
	return nil
}

// Conversation returns a copy of the conversation.
func (m *Manager) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.load(ctx, id, false)
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv.Clone(), nil
}

// AppendUser adds a user message. User messages are complete on arrival.
func (m *Manager) AppendUser(ctx context.Context, conversationID, content string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, true)
	if err != nil {
		return domain.Message{}, err
	}
	now := m.now()
	msg := domain.Message{
		Key:            m.newID(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Versions: []domain.MessageVersion{{
			ID:         m.newID(),
			Status:     domain.StatusCompleted,
			Blocks:     domain.Blocks{&domain.TextBlock{Index: 0, Text: content}},
			CreatedAt:  now,
			FinishedAt: now,
		}},
		CreatedAt: now,
	}
	if err := m.appendMessage(ctx, conv, msg); err != nil {
		return domain.Message{}, err
	}
	return msg.Clone(), nil
}

// AppendAssistant adds an assistant message answering inputKey with one
// streaming version. It returns the message and the version id.
func (m *Manager) AppendAssistant(ctx context.Context, conversationID, inputKey, requestID string) (domain.Message, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, true)
	if err != nil {
		return domain.Message{}, "", err
	}
	if _, _, err := m.message(conv, inputKey); err != nil {
		return domain.Message{}, "", err
	}
	now := m.now()
	versionID := m.newID()
	msg := domain.Message{
		Key:            m.newID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		InputKey:       inputKey,
		Versions: []domain.MessageVersion{{
			ID:        versionID,
			RequestID: requestID,
			Status:    domain.StatusStreaming,
			CreatedAt: now,
		}},
		CreatedAt: now,
	}
	if err := m.appendMessage(ctx, conv, msg); err != nil {
		return domain.Message{}, "", err
	}
	return msg.Clone(), versionID, nil
}

// CreateVersion appends a streaming version to the message and selects it.
// It fails with ErrConflict while another version is streaming.
func (m *Manager) CreateVersion(ctx context.Context, conversationID, messageKey, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createVersion(ctx, conversationID, messageKey, requestID)
}

func (m *Manager) createVersion(ctx context.Context, conversationID, messageKey, requestID string) (string, error) {
	conv, err := m.load(ctx, conversationID, false)
	if err != nil {
		return "", err
	}
	pos, msg, err := m.message(conv, messageKey)
	if err != nil {
		return "", err
	}
	if msg.Role != domain.RoleAssistant {
		return "", domain.NewDomainError("Manager.CreateVersion", domain.ErrInvalidInput, "not an assistant message")
	}
	if i := msg.Streaming(); i >= 0 {
		return "", domain.NewDomainError("Manager.CreateVersion", domain.ErrConflict,
			fmt.Sprintf("version %s is still streaming", msg.Versions[i].ID))
	}
	versionID := m.newID()
	selected, updated := msg.Selected, conv.UpdatedAt
	msg.Versions = append(msg.Versions, domain.MessageVersion{
		ID:        versionID,
		RequestID: requestID,
		Status:    domain.StatusStreaming,
		CreatedAt: m.now(),
	})
	msg.Selected = len(msg.Versions) - 1
	if err := m.save(ctx, conv, pos); err != nil {
		msg.Versions = msg.Versions[:len(msg.Versions)-1]
		msg.Selected, conv.UpdatedAt = selected, updated
		return "", err
	}
	return versionID, nil
}

// Retry creates a new version of an assistant message, answering the same
// user input again. Earlier versions are kept. It returns the new version id
// and the text of the input being answered.
func (m *Manager) Retry(ctx context.Context, conversationID, messageKey, requestID string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, false)
	if err != nil {
		return "", "", err
	}
	_, msg, err := m.message(conv, messageKey)
	if err != nil {
		return "", "", err
	}
	if msg.InputKey == "" {
		return "", "", domain.NewDomainError("Manager.Retry", domain.ErrMessageNotFound, "input of "+messageKey)
	}
	_, input, err := m.message(conv, msg.InputKey)
	if err != nil {
		return "", "", domain.NewDomainError("Manager.Retry", domain.ErrMessageNotFound, "input of "+messageKey)
	}
	var text string
	if v, ok := input.SelectedVersion(); ok {
		text = v.Text()
	}
	versionID, err := m.createVersion(ctx, conversationID, messageKey, requestID)
	if err != nil {
		return "", "", err
	}
	return versionID, text, nil
}

// SelectVersion changes which version of the message is displayed.
func (m *Manager) SelectVersion(ctx context.Context, conversationID, messageKey string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, false)
	if err != nil {
		return err
	}
	pos, msg, err := m.message(conv, messageKey)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(msg.Versions) {
		return domain.NewDomainError("Manager.SelectVersion", domain.ErrVersionNotFound,
			fmt.Sprintf("index %d of %d", index, len(msg.Versions)))
	}
	if msg.Selected == index {
		return nil
	}
	prev, updated := msg.Selected, conv.UpdatedAt
	msg.Selected = index
	if err := m.save(ctx, conv, pos); err != nil {
		msg.Selected, conv.UpdatedAt = prev, updated
		return err
	}
	return nil
}

// Finalize replaces the streaming version with its reduced terminal form.
// A version can be finalized once; later calls fail with ErrAlreadyTerminal.
func (m *Manager) Finalize(ctx context.Context, conversationID, messageKey string, v domain.MessageVersion) error {
	if !v.Status.IsTerminal() {
		return domain.NewDomainError("Manager.Finalize", domain.ErrInvalidInput,
			fmt.Sprintf("status %q is not terminal", v.Status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, false)
	if err != nil {
		return err
	}
	pos, msg, err := m.message(conv, messageKey)
	if err != nil {
		return err
	}
	i := msg.VersionIndex(v.ID)
	if i < 0 {
		return domain.NewDomainError("Manager.Finalize", domain.ErrVersionNotFound, v.ID)
	}
	cur := &msg.Versions[i]
	if cur.Status.IsTerminal() {
		return domain.NewDomainError("Manager.Finalize", domain.ErrAlreadyTerminal, v.ID)
	}

	final := v.Clone()
	final.RequestID = cur.RequestID
	final.CreatedAt = cur.CreatedAt
	if final.FinishedAt.IsZero() {
		final.FinishedAt = m.now()
	}
	*cur = final

	m.logger.Debug("version finalized",
		"conversation_id", conversationID,
		"message_key", messageKey,
		"version_id", v.ID,
		"status", v.Status,
	)
	return m.save(ctx, conv, pos)
}

// Prompt builds the provider history for answering the message at
// messageKey: every message before it, each represented by its selected
// version. Versions still streaming and versions with nothing to say are
// skipped.
func (m *Manager) Prompt(ctx context.Context, conversationID, messageKey string) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.load(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	end, _, err := m.message(conv, messageKey)
	if err != nil {
		return nil, err
	}

	var out []domain.ChatMessage
	for _, msg := range conv.Messages[:end] {
		v, ok := msg.SelectedVersion()
		if !ok || v.Status == domain.StatusStreaming {
			continue
		}
		switch msg.Role {
		case domain.RoleUser:
			out = append(out, domain.ChatMessage{Role: domain.RoleUser, Content: v.Text()})
		case domain.RoleAssistant:
			out = append(out, assistantTurns(v)...)
		}
	}
	return out, nil
}

// assistantTurns replays a version as the assistant and tool messages that
// produced it. Text preceding a run of tool blocks rides on the assistant
// message that carries the calls.
func assistantTurns(v domain.MessageVersion) []domain.ChatMessage {
	var (
		out     []domain.ChatMessage
		text    string
		pending []*domain.ToolBlock
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		msg := domain.ChatMessage{Role: domain.RoleAssistant, Content: text}
		for _, tb := range pending {
			args := tb.Input
			if len(args) == 0 {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: tb.ToolID, Name: tb.ToolName, Arguments: args})
		}
		out = append(out, msg)
		for _, tb := range pending {
			content := tb.Output
			if tb.State == domain.ToolErrored {
				content = "error: " + tb.Error
			}
			out = append(out, domain.ChatMessage{Role: domain.RoleTool, Name: tb.ToolName, Content: content, ToolCallID: tb.ToolID})
		}
		text, pending = "", nil
	}

	for _, b := range v.Blocks {
		switch b := b.(type) {
		case *domain.TextBlock:
			if len(pending) > 0 {
				flush()
			}
			text += b.Text
		case *domain.ToolBlock:
			pending = append(pending, b)
		}
	}
	flush()
	if text != "" {
		out = append(out, domain.ChatMessage{Role: domain.RoleAssistant, Content: text})
	}
	return out
}
