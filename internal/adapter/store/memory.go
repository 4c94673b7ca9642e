// Package store persists transcripts for the branch manager.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// MemoryStore keeps transcripts in process memory. Everything it returns is
// a copy.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*domain.Conversation)}
}

func (s *MemoryStore) LoadConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.LoadConversation", domain.ErrNotFound, id)
	}
	c := conv.Clone()
	return &c, nil
}

func (s *MemoryStore) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[conv.ID]
	if !ok {
		s.convs[conv.ID] = &domain.Conversation{
			ID:        conv.ID,
			Mode:      conv.Mode,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		}
		return nil
	}
	cur.Mode = conv.Mode
	cur.UpdatedAt = conv.UpdatedAt
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, conversationID string, position int, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return domain.NewDomainError("MemoryStore.SaveMessage", domain.ErrNotFound, conversationID)
	}
	m := msg.Clone()
	switch {
	case position < len(conv.Messages):
		conv.Messages[position] = m
	case position == len(conv.Messages):
		conv.Messages = append(conv.Messages, m)
	default:
		return domain.NewDomainError("MemoryStore.SaveMessage", domain.ErrInvalidInput,
			fmt.Sprintf("position %d past end %d", position, len(conv.Messages)))
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Open returns the store selected by cfg. The sqlite directory is created
// if needed.
func Open(cfg config.StoreConfig) (domain.TranscriptStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
