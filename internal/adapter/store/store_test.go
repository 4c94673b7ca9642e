package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func sampleConversation() (*domain.Conversation, []domain.Message) {
	conv := &domain.Conversation{ID: "c1", CreatedAt: t0, UpdatedAt: t0}
	msgs := []domain.Message{
		{
			Key: "u1", ConversationID: "c1", Role: domain.RoleUser, CreatedAt: t0,
			Versions: []domain.MessageVersion{{
				ID: "uv1", Status: domain.StatusCompleted, CreatedAt: t0, FinishedAt: t0,
				Blocks: domain.Blocks{&domain.TextBlock{Index: 0, Text: "what is 2*3?"}},
			}},
		},
		{
			Key: "a1", ConversationID: "c1", Role: domain.RoleAssistant, InputKey: "u1", CreatedAt: t0, Selected: 1,
			Versions: []domain.MessageVersion{
				{
					ID: "v1", RequestID: "r1", Status: domain.StatusAborted, AbortCause: domain.AbortCanceled,
					Error: "request canceled", CreatedAt: t0, FinishedAt: t0,
					Blocks: domain.Blocks{&domain.TextBlock{Index: 0, Text: "Let"}},
				},
				{
					ID: "v2", RequestID: "r2", Status: domain.StatusCompleted, CreatedAt: t0, FinishedAt: t0,
					Blocks: domain.Blocks{
						&domain.ToolBlock{Index: 0, ToolID: "t1", ToolName: "calculator", RawInput: `{"expression":"2*3"}`,
							Input: json.RawMessage(`{"expression":"2*3"}`), State: domain.ToolCompleted, Output: "6"},
						&domain.TextBlock{Index: 1, Text: "6"},
					},
				},
			},
		},
	}
	return conv, msgs
}

func TestStores_ReloadReproducesTranscript(t *testing.T) {
	stores := map[string]domain.TranscriptStore{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLite(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, msgs := sampleConversation()

			require.NoError(t, s.SaveConversation(ctx, conv))
			for i := range msgs {
				require.NoError(t, s.SaveMessage(ctx, "c1", i, &msgs[i]))
			}

			got, err := s.LoadConversation(ctx, "c1")
			require.NoError(t, err)
			conv.Messages = msgs
			assert.Equal(t, conv, got)

			// Updating a message in place keeps its position.
			msgs[1].Selected = 0
			require.NoError(t, s.SaveMessage(ctx, "c1", 1, &msgs[1]))
			got, err = s.LoadConversation(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, got.Messages, 2)
			assert.Equal(t, 0, got.Messages[1].Selected)
			assert.Equal(t, "a1", got.Messages[1].Key)
		})
	}
}

func TestStores_NotFound(t *testing.T) {
	for name, s := range map[string]domain.TranscriptStore{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLite(t),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadConversation(context.Background(), "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv, msgs := sampleConversation()
	require.NoError(t, s.SaveConversation(ctx, conv))
	require.NoError(t, s.SaveMessage(ctx, "c1", 0, &msgs[0]))

	got, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	got.Messages[0].Versions[0].Blocks[0].(*domain.TextBlock).Text = "changed"

	again, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "what is 2*3?", again.Messages[0].Versions[0].Text())

	assert.ErrorIs(t, s.SaveMessage(ctx, "c1", 5, &msgs[1]), domain.ErrInvalidInput)
	assert.ErrorIs(t, s.SaveMessage(ctx, "nope", 0, &msgs[1]), domain.ErrNotFound)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	ctx := context.Background()
	conv, msgs := sampleConversation()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveConversation(ctx, conv))
	require.NoError(t, s.SaveMessage(ctx, "c1", 0, &msgs[0]))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "what is 2*3?", got.Messages[0].Versions[0].Text())
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Driver: "postgres"})
	assert.ErrorContains(t, err, "postgres")
}
