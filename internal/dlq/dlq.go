// Package dlq implements the dead-letter queue: the terminal sink for
// messages the pipeline could not save, publish, or recover after
// exhausting retries, or that were flagged poison outright. Entries are
// appended to a stream (so operators can tail them like any other
// traffic) and are never auto-removed. Grounded on streambus.Bus and on
// the flightctl Redis queue provider's dead-letter stream convention.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// Sink appends terminal failures to a dead-letter stream.
type Sink struct {
	bus    streambus.Bus
	stream string
	maxLen int64
	log    zerolog.Logger
}

// New constructs a Sink writing to stream.
func New(bus streambus.Bus, stream string, maxLen int64, log zerolog.Logger) *Sink {
	return &Sink{bus: bus, stream: stream, maxLen: maxLen, log: log.With().Str("component", "dlq").Logger()}
}

// Add records a terminal failure. poison marks messages that should never
// be retried regardless of attempt count (malformed payload, validation
// failure), as opposed to messages that simply exhausted their retry
// budget.
func (s *Sink) Add(ctx context.Context, entry model.DLQEntry) error {
	entry.Timestamp = time.Now()
	entry.Error = streambus.TruncateBytes(entry.Error, model.RetryEntryMaxErrorLen)

	fields := map[string]any{
		"messageId": entry.MessageID,
		"error":     entry.Error,
		"attempts":  entry.Attempts,
		"operation": string(entry.Operation),
		"poison":    entry.Poison,
		"walId":     entry.WALID,
	}
	if _, err := s.bus.Append(ctx, s.stream, fields, s.maxLen); err != nil {
		return fmt.Errorf("dlq: add entry: %w", err)
	}

	s.log.Error().
		Str("messageId", entry.MessageID).
		Str("operation", string(entry.Operation)).
		Bool("poison", entry.Poison).
		Int("attempts", entry.Attempts).
		Msg("message routed to dead-letter queue")
	return nil
}

// Recent returns up to limit of the most recently added entries, oldest
// first, for inspecting the dead-letter backlog. It reads the whole
// stream and keeps its last limit entries (all of them when limit <= 0).
func (s *Sink) Recent(ctx context.Context, limit int64) ([]model.DLQEntry, error) {
	depth, err := s.bus.Length(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("dlq: list entries: %w", err)
	}
	var raw []streambus.Entry
	if depth > 0 {
		raw, err = s.bus.ReadRange(ctx, s.stream, "-", "+", depth)
		if err != nil {
			return nil, fmt.Errorf("dlq: list entries: %w", err)
		}
	}
	if limit > 0 && int64(len(raw)) > limit {
		raw = raw[int64(len(raw))-limit:]
	}

	entries := make([]model.DLQEntry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, model.DLQEntry{
			MessageID: e.Fields["messageId"],
			Error:     e.Fields["error"],
			Operation: model.DLQOperation(e.Fields["operation"]),
			Poison:    e.Fields["poison"] == "true",
			WALID:     e.Fields["walId"],
		})
	}
	return entries, nil
}

// Depth returns the current number of entries in the dead-letter stream.
func (s *Sink) Depth(ctx context.Context) (int64, error) {
	n, err := s.bus.Length(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("dlq: depth: %w", err)
	}
	return n, nil
}
