// Package wal implements the write-ahead log the pipeline brackets every
// save with: a pre_write entry before the primary store is touched, a
// post_write entry once the save and publish both succeed. On restart,
// scanning for pre_write entries with no matching post_write surfaces
// messages that may have been lost mid-flight. Grounded on the
// streambus package's Bus abstraction and on the flightctl Redis queue
// provider's pattern of deriving recovery state from stream contents
// rather than a separate index.
package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// Log brackets a unit of work with pre/post entries on a dedicated stream.
type Log struct {
	bus    streambus.Bus
	stream string
	maxLen int64
	log    zerolog.Logger
}

// New constructs a Log writing to the given stream.
func New(bus streambus.Bus, stream string, maxLen int64, log zerolog.Logger) *Log {
	return &Log{bus: bus, stream: stream, maxLen: maxLen, log: log.With().Str("component", "wal").Logger()}
}

// LogPreWrite records that a message is about to be persisted. The
// returned WAL id must be passed to LogPostWrite on success.
func (l *Log) LogPreWrite(ctx context.Context, messageID, conversationID, senderID string) (string, error) {
	walID := uuid.NewString()
	entry := model.WALEntry{
		WALID:          walID,
		Type:           model.WALPreWrite,
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
	}
	if _, err := l.append(ctx, entry); err != nil {
		return "", fmt.Errorf("wal: log pre-write: %w", err)
	}
	return walID, nil
}

// LogPostWrite records that messageID completed its save and publish.
func (l *Log) LogPostWrite(ctx context.Context, walID, messageID string) error {
	entry := model.WALEntry{
		WALID:     walID,
		Type:      model.WALPostWrite,
		MessageID: messageID,
	}
	if _, err := l.append(ctx, entry); err != nil {
		return fmt.Errorf("wal: log post-write: %w", err)
	}
	return nil
}

func (l *Log) append(ctx context.Context, entry model.WALEntry) (string, error) {
	entry.Timestamp = time.Now()
	fields := map[string]any{
		"walId":          entry.WALID,
		"type":           string(entry.Type),
		"messageId":      entry.MessageID,
		"conversationId": entry.ConversationID,
		"senderId":       entry.SenderID,
		"timestamp":      entry.Timestamp.Format(time.RFC3339Nano),
	}
	return l.bus.Append(ctx, l.stream, fields, l.maxLen)
}

// Incomplete is one pre_write WAL entry with no matching post_write,
// i.e. a message whose outcome is unknown after a crash or restart.
type Incomplete struct {
	WALID          string
	MessageID      string
	ConversationID string
	SenderID       string
	EntryID        string
	LoggedAt       time.Time
}

// ScanIncomplete walks the WAL stream and returns every pre_write whose
// walId never appears in a later post_write and whose LoggedAt is older
// than maxAge. This is O(stream length); serve runs it once at startup
// and the WALRecoveryWorker runs it on every tick.
//
// The maxAge filter matters: a pre_write entry for a save that is still
// legitimately in flight (its post_write hasn't landed yet because the
// save+publish is simply still running) must not be treated as lost.
// Without it, a scan racing an in-flight save would dead-letter a
// message that was about to complete successfully.
func (l *Log) ScanIncomplete(ctx context.Context, limit int64, maxAge time.Duration) ([]Incomplete, error) {
	entries, err := l.bus.ReadRange(ctx, l.stream, "-", "+", limit)
	if err != nil {
		return nil, fmt.Errorf("wal: scan: %w", err)
	}

	pre := make(map[string]Incomplete)
	for _, e := range entries {
		walID := e.Fields["walId"]
		switch model.WALEntryType(e.Fields["type"]) {
		case model.WALPreWrite:
			loggedAt, _ := time.Parse(time.RFC3339Nano, e.Fields["timestamp"])
			pre[walID] = Incomplete{
				WALID:          walID,
				MessageID:      e.Fields["messageId"],
				ConversationID: e.Fields["conversationId"],
				SenderID:       e.Fields["senderId"],
				EntryID:        e.ID,
				LoggedAt:       loggedAt,
			}
		case model.WALPostWrite:
			delete(pre, walID)
		}
	}

	cutoff := time.Now().Add(-maxAge)
	out := make([]Incomplete, 0, len(pre))
	for _, inc := range pre {
		if maxAge > 0 && inc.LoggedAt.After(cutoff) {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// Trim caps the WAL stream length, called periodically since post_write
// entries accumulate forever otherwise.
func (l *Log) Trim(ctx context.Context) error {
	return l.bus.Trim(ctx, l.stream, l.maxLen)
}
