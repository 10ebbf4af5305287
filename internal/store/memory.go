package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

// MemoryStore is a process-local stand-in for the primary document store,
// the same role streambus.MemoryBus plays for Redis Streams: it satisfies
// MessageStore and ConversationStore so cmd/chatcore can run end-to-end
// without a real database wired in, for local development and tests. It
// is not a production persistence layer - the real primary store is an
// external collaborator this module never implements.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]model.Message
	conversations map[string]model.ConversationRef
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]model.Message),
		conversations: make(map[string]model.ConversationRef),
	}
}

// SaveMessage assigns an id (if unset) and stores the message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.ID] = msg
	return msg, nil
}

// GetMessage returns a previously saved message by id.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, fmt.Errorf("store: message %s not found", id)
	}
	return msg, nil
}

// ListMessages returns up to limit messages for a conversation, oldest
// first, for use by the resync command.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountUnread counts messages in conversationID not sent by userID, the
// simplest stand-in for a real read-marker/receipt table: good enough for
// local development and for exercising CachedMessageView's miss path.
func (m *MemoryStore) CountUnread(ctx context.Context, userID, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SenderID != userID {
			n++
		}
	}
	return n, nil
}

// PutConversation registers a conversation for GetConversation to resolve,
// since MemoryStore has no separate ingestion path for conversation
// metadata.
func (m *MemoryStore) PutConversation(conv model.ConversationRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
}

// GetConversation resolves a conversation previously registered via
// PutConversation.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (model.ConversationRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return model.ConversationRef{}, fmt.Errorf("store: conversation %s not found", id)
	}
	return conv, nil
}
