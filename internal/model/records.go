package model

import "time"

// WALEntryType distinguishes the two halves of a write-ahead log bracket.
type WALEntryType string

const (
	WALPreWrite  WALEntryType = "pre_write"
	WALPostWrite WALEntryType = "post_write"
)

// WALEntry is one record in the write-ahead log stream.
type WALEntry struct {
	WALID          string       `json:"walId"`
	Type           WALEntryType `json:"type"`
	MessageID      string       `json:"messageId"`
	ConversationID string       `json:"conversationId,omitempty"`
	SenderID       string       `json:"senderId,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// RetryEntryMaxErrorLen bounds RetryEntry.LastError.
const RetryEntryMaxErrorLen = 300

// RetryEntry tracks one message awaiting a retried save.
type RetryEntry struct {
	MessageID     string    `json:"messageId"`
	WALID         string    `json:"walId,omitempty"`
	Attempt       int       `json:"attempt"`
	LastError     string    `json:"lastError"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
	OriginalData  string    `json:"originalData"` // serialized Message
	StreamEntryID string    `json:"streamEntryId,omitempty"`
}

// FallbackTTL is how long a parked message survives before it is eligible
// for expiry. The FallbackWorker, not the TTL itself, drives the actual
// DLQ transition.
const FallbackTTL = 24 * time.Hour

// FallbackEntry is one message parked because the primary store save
// failed and could not be retried inline.
type FallbackEntry struct {
	FallbackID     string        `json:"id"`
	OriginalID     string        `json:"originalId"` // "pending" when never persisted
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	ParkedAt       time.Time     `json:"ts"`
	StreamEntryID  string        `json:"streamEntryId,omitempty"`
}

// DLQOperation names the pipeline stage that produced a DLQEntry.
type DLQOperation string

const (
	DLQOpSave              DLQOperation = "save"
	DLQOpProcessRetries    DLQOperation = "processRetries"
	DLQOpProcessFallback   DLQOperation = "processFallback"
	DLQOpProcessWALRecover DLQOperation = "processWALRecovery"
)

// DLQEntry is a terminal failure record. Entries are never auto-removed.
type DLQEntry struct {
	MessageID string       `json:"messageId"`
	Error     string       `json:"error"`
	Attempts  int          `json:"attempts"`
	Operation DLQOperation `json:"operation"`
	Poison    bool         `json:"poison"`
	WALID     string       `json:"walId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// UnreadCounterTTL is the cache lifetime of an unread counter entry before
// it must be recomputed from the primary store.
const UnreadCounterTTL = 72 * time.Hour
