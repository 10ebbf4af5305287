// Package store declares the persistence contracts the messaging core
// depends on but does not implement itself: the primary message and
// conversation stores are an external collaborator, owned by whatever
// service embeds this module. Declaring them here (rather than importing
// a concrete driver) keeps the core's own dependency surface to the
// streaming/recovery stack.
package store

import (
	"context"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

// MessageStore is the durable backing store the pipeline saves through
// the circuit breaker. Implementations are expected to assign msg.ID.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg model.Message) (model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// CountUnread backs CachedMessageView.UnreadCount's cache-miss path:
	// the authoritative count lives here, the cache is a TTL'd copy.
	CountUnread(ctx context.Context, userID, conversationID string) (int64, error)
}

// ConversationStore resolves the conversation context the router needs
// to decide a message's destination stream.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (model.ConversationRef, error)
}
