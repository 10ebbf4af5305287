// Package model holds the data types shared across the messaging core:
// messages, conversations, and the bookkeeping records each recovery
// component keeps (WAL entries, retry entries, fallback entries, DLQ
// entries).
package model

import "time"

// MessageType enumerates the payload kinds a Message can carry.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageVideo    MessageType = "VIDEO"
	MessageAudio    MessageType = "AUDIO"
	MessageDocument MessageType = "DOCUMENT"
	MessageSystem   MessageType = "SYSTEM"
)

// MessageStatus is the lifecycle state of a Message.
type MessageStatus string

const (
	StatusPending         MessageStatus = "PENDING"
	StatusSent            MessageStatus = "SENT"
	StatusDelivered       MessageStatus = "DELIVERED"
	StatusRead            MessageStatus = "READ"
	StatusEdited          MessageStatus = "EDITED"
	StatusDeleted         MessageStatus = "DELETED"
	StatusPendingFallback MessageStatus = "PENDING_FALLBACK"
)

// Message is the core unit the pipeline moves from caller to primary store
// to stream bus. ID is the opaque primary-store identifier once persisted;
// before that it may be empty (fallback path assigns its own FallbackID).
type Message struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversationId"`
	SenderID        string            `json:"senderId"`
	ReceiverID      string            `json:"receiverId,omitempty"`
	Content         string            `json:"content"`
	Type            MessageType       `json:"type"`
	Subtype         string            `json:"subtype,omitempty"`
	Status          MessageStatus     `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	EditedAt        *time.Time        `json:"editedAt,omitempty"`
	OriginalContent string            `json:"originalContent,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ContentCap is the maximum number of bytes of Content the stream bus will
// publish; longer content is truncated at the call site.
const ContentCap = 500

// Participant is one member of a ConversationRef.
type Participant struct {
	UserID    string    `json:"userId"`
	Matricule string    `json:"matricule"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// ConversationRef is the subset of conversation data the core needs to
// route and enrich messages; the conversation itself is owned by the
// external ConversationStore.
type ConversationRef struct {
	ID           string            `json:"id"`
	Participants []Participant     `json:"participants"`
	IsPrivate    bool              `json:"isPrivate"`
	Title        string            `json:"title,omitempty"`
	CreatedBy    string            `json:"createdBy"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// OtherParticipant returns the single participant whose id is not
// senderID. It returns ok=false when the result would be ambiguous (zero
// or more than one candidate), matching the router's private-message
// fallthrough rule.
func (c ConversationRef) OtherParticipant(senderID string) (Participant, bool) {
	var found Participant
	count := 0
	for _, p := range c.Participants {
		if p.UserID != senderID {
			found = p
			count++
		}
	}
	if count != 1 {
		return Participant{}, false
	}
	return found, true
}
