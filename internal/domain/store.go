package domain

import "context"

// TranscriptStore persists conversations. It receives finalized versions
// from the streaming core and must reproduce the same transcript on reload.
type TranscriptStore interface {
	// LoadConversation returns ErrNotFound if the conversation does not exist.
	LoadConversation(ctx context.Context, id string) (*Conversation, error)
	// SaveConversation upserts the conversation header.
	SaveConversation(ctx context.Context, conv *Conversation) error
	// SaveMessage upserts a message at the given position.
	SaveMessage(ctx context.Context, conversationID string, position int, msg *Message) error
	Close() error
}
