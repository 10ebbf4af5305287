// Package pipeline implements the MessagePipeline: the orchestration that
// brackets a primary-store save with a write-ahead log entry, guards the
// save itself with a circuit breaker, and publishes the result onto the
// routed delivery stream. Failures are never dropped - they flow to the
// retry scheduler, the fallback store, or the dead-letter queue depending
// on what went wrong. Grounded on the flightctl Redis queue provider's
// publish/consume/retry/dead-letter composition, wired here through this
// module's own breaker, wal, retry, fallback, dlq, router and streambus
// packages rather than flightctl's queue-only shape.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/fallback"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/retry"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/router"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/wal"
)

// PoisonContentCap is the hard ceiling past which a message is treated as
// malformed rather than merely oversized; it is routed straight to the
// DLQ instead of being retried. Ten times the soft publish cap leaves
// plenty of room for legitimate long-form content while still catching
// the pathological case (a multi-megabyte payload that will never
// succeed no matter how many times it's retried).
const PoisonContentCap = model.ContentCap * 10

// Outcome is the result the caller sees after Receive returns.
type Outcome string

const (
	OutcomeSaved          Outcome = "saved"
	OutcomeFallback       Outcome = "fallback"
	OutcomeScheduledRetry Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

// Result carries the message's resting state back to the caller.
type Result struct {
	Outcome    Outcome
	Message    model.Message
	FallbackID string
}

// Pipeline wires together every recovery component around one
// MessageStore.
type Pipeline struct {
	wal      *wal.Log
	br       *breaker.Breaker
	primary  store.MessageStore
	retry    *retry.Scheduler
	fallback *fallback.Store
	dlqSink  *dlq.Sink
	router   *router.Router
	bus      streambus.Bus
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// Config bundles the Pipeline's collaborators.
type Config struct {
	WAL      *wal.Log
	Breaker  *breaker.Breaker
	Primary  store.MessageStore
	Retry    *retry.Scheduler
	Fallback *fallback.Store
	DLQ      *dlq.Sink
	Router   *router.Router
	Bus      streambus.Bus
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		wal:      cfg.WAL,
		br:       cfg.Breaker,
		primary:  cfg.Primary,
		retry:    cfg.Retry,
		fallback: cfg.Fallback,
		dlqSink:  cfg.DLQ,
		router:   cfg.Router,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		log:      cfg.Log.With().Str("component", "pipeline").Logger(),
	}
}

// Receive runs one message through the full write path: WAL bracket,
// breaker-guarded save, routed publish, WAL cleanup. conv is the
// conversation the router needs to resolve a private-message recipient;
// callers that don't yet have it loaded may pass a zero-value
// ConversationRef and the router will fall through to the group stream.
func (p *Pipeline) Receive(ctx context.Context, msg model.Message, conv model.ConversationRef) (Result, error) {
	start := time.Now()
	outcome, result, err := p.receive(ctx, msg, conv)
	if p.metrics != nil {
		p.metrics.ObserveWrite(string(outcome), time.Since(start))
	}
	return result, err
}

func (p *Pipeline) receive(ctx context.Context, msg model.Message, conv model.ConversationRef) (Outcome, Result, error) {
	if isPoison(msg) {
		p.deadLetter(ctx, msg, "", 0, model.DLQOpSave, true, errors.New("message content exceeds hard cap"))
		return OutcomeDeadLettered, Result{Outcome: OutcomeDeadLettered, Message: msg}, nil
	}

	walID, err := p.wal.LogPreWrite(ctx, msg.ID, msg.ConversationID, msg.SenderID)
	if err != nil {
		p.log.Error().Err(err).Msg("wal pre-write failed, proceeding without recovery bracket")
	}

	saveResult, saveErr := p.br.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.primary.SaveMessage(ctx, msg)
	}, nil)

	if saveErr != nil {
		return p.handleSaveFailure(ctx, msg, walID, saveErr)
	}

	saved := saveResult.(model.Message)
	saved.Status = model.StatusSent

	p.publish(ctx, saved, conv)

	if err := p.wal.LogPostWrite(ctx, walID, saved.ID); err != nil {
		p.log.Warn().Err(err).Str("messageId", saved.ID).Msg("wal post-write failed")
	}

	return OutcomeSaved, Result{Outcome: OutcomeSaved, Message: saved}, nil
}

func (p *Pipeline) handleSaveFailure(ctx context.Context, msg model.Message, walID string, saveErr error) (Outcome, Result, error) {
	if breaker.IsOpenErr(saveErr) {
		entry, err := p.fallback.Park(ctx, msg)
		if err != nil {
			p.deadLetter(ctx, msg, walID, 1, model.DLQOpSave, true, fmt.Errorf("fallback park failed after breaker open: %w", err))
			return OutcomeDeadLettered, Result{}, fmt.Errorf("pipeline: fallback park failed after breaker open: %w", err)
		}
		p.log.Warn().Str("messageId", msg.ID).Msg("primary store breaker open, message parked to fallback")
		return OutcomeFallback, Result{Outcome: OutcomeFallback, Message: msg, FallbackID: entry.FallbackID}, nil
	}

	serialized, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		p.deadLetter(ctx, msg, walID, 1, model.DLQOpSave, true, fmt.Errorf("message could not be serialized for retry: %w", marshalErr))
		return OutcomeDeadLettered, Result{Outcome: OutcomeDeadLettered, Message: msg}, nil
	}

	if err := p.retry.Enqueue(ctx, firstNonEmpty(msg.ID, walID), model.RetryEntry{
		WALID:        walID,
		Attempt:      1,
		LastError:    saveErr.Error(),
		OriginalData: string(serialized),
	}); err != nil {
		p.deadLetter(ctx, msg, walID, 1, model.DLQOpSave, false, fmt.Errorf("retry enqueue failed: %w", err))
		return OutcomeDeadLettered, Result{Outcome: OutcomeDeadLettered, Message: msg}, nil
	}

	p.log.Warn().Str("messageId", msg.ID).Err(saveErr).Msg("primary store save failed, retry scheduled")
	return OutcomeScheduledRetry, Result{Outcome: OutcomeScheduledRetry, Message: msg}, nil
}

// publish writes the saved message onto its routed delivery stream.
// Publish failures are logged, not propagated: the save already
// succeeded, so the message is durable even if delivery fan-out lags.
func (p *Pipeline) publish(ctx context.Context, msg model.Message, conv model.ConversationRef) {
	route := p.router.RouteMessage(msg, conv)
	fields := map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"senderId":       msg.SenderID,
		"content":        streambus.TruncateBytes(msg.Content, model.ContentCap),
		"type":           string(msg.Type),
		"status":         string(msg.Status),
	}
	if route.RecipientID != "" {
		fields["recipientId"] = route.RecipientID
	}

	if _, err := p.bus.Append(ctx, route.Stream, fields, route.MaxLen); err != nil {
		p.log.Error().Err(err).Str("messageId", msg.ID).Str("stream", route.Stream).Msg("stream publish failed")
	}
}

// PublishTyping publishes a typing indicator onto the typing stream.
func (p *Pipeline) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	p.publishEvent(ctx, router.EventTyping, map[string]any{
		"conversationId": conversationID,
		"userId":         userID,
		"isTyping":       isTyping,
	})
}

// PublishReadReceipt publishes a read-receipt event onto the read stream.
func (p *Pipeline) PublishReadReceipt(ctx context.Context, conversationID, userID, messageID string) {
	p.publishEvent(ctx, router.EventReadReceipt, map[string]any{
		"conversationId": conversationID,
		"userId":         userID,
		"messageId":      messageID,
	})
}

// PublishNotification publishes a user-facing notification onto the
// system stream.
func (p *Pipeline) PublishNotification(ctx context.Context, userID, kind, payload string) {
	p.publishEvent(ctx, router.EventNotification, map[string]any{
		"userId":  userID,
		"kind":    kind,
		"payload": payload,
	})
}

// PublishSystem publishes a system-originated event (room lifecycle
// changes, presence transitions, operational announcements) onto the
// system stream.
func (p *Pipeline) PublishSystem(ctx context.Context, kind, payload string) {
	p.publishEvent(ctx, router.EventSystem, map[string]any{
		"kind":    kind,
		"payload": payload,
	})
}

// publishEvent resolves kind's route and appends fields to it, the same
// best-effort-trim, log-and-swallow-on-error contract as publish.
func (p *Pipeline) publishEvent(ctx context.Context, kind router.EventKind, fields map[string]any) {
	route := p.router.RouteEvent(kind)
	if _, err := p.bus.Append(ctx, route.Stream, fields, route.MaxLen); err != nil {
		p.log.Error().Err(err).Str("stream", route.Stream).Str("kind", string(kind)).Msg("event publish failed")
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, msg model.Message, walID string, attempts int, op model.DLQOperation, poison bool, cause error) {
	entry := model.DLQEntry{
		MessageID: firstNonEmpty(msg.ID, "unsaved"),
		Error:     cause.Error(),
		Attempts:  attempts,
		Operation: op,
		Poison:    poison,
		WALID:     walID,
	}
	if err := p.dlqSink.Add(ctx, entry); err != nil {
		p.log.Error().Err(err).Str("messageId", entry.MessageID).Msg("dead-letter add itself failed")
	}
}

// RetryOne re-attempts a single due retry entry: decode its original
// message, try the save again, and either publish on success or, on
// renewed failure, re-enqueue it with the next attempt number while the
// retry budget lasts. Once the budget is exhausted, or when the breaker
// is open, the message is parked in the fallback store; it is
// dead-lettered only if that park fails. Called by the RetryWorker
// tick, one entry at a time, so a single poison entry can't starve the
// rest of the batch.
func (p *Pipeline) RetryOne(ctx context.Context, entry model.RetryEntry, cfg retry.Config) error {
	var msg model.Message
	if err := json.Unmarshal([]byte(entry.OriginalData), &msg); err != nil {
		p.deadLetter(ctx, model.Message{ID: entry.MessageID}, entry.WALID, entry.Attempt, model.DLQOpProcessRetries, true,
			fmt.Errorf("retry entry payload corrupt: %w", err))
		return nil
	}

	saveResult, saveErr := p.br.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.primary.SaveMessage(ctx, msg)
	}, nil)

	if saveErr == nil {
		saved := saveResult.(model.Message)
		saved.Status = model.StatusSent
		p.publish(ctx, saved, model.ConversationRef{})
		if entry.WALID != "" {
			if err := p.wal.LogPostWrite(ctx, entry.WALID, saved.ID); err != nil {
				p.log.Warn().Err(err).Str("messageId", saved.ID).Msg("wal post-write failed on retry success")
			}
		}
		if p.metrics != nil {
			p.metrics.RetryAttempts.WithLabelValues("success").Inc()
		}
		return nil
	}

	nextAttempt := entry.Attempt + 1
	if breaker.IsOpenErr(saveErr) || !cfg.ShouldRetry(nextAttempt) {
		if _, err := p.fallback.Park(ctx, msg); err != nil {
			p.deadLetter(ctx, msg, entry.WALID, entry.Attempt, model.DLQOpProcessRetries, false,
				fmt.Errorf("retry exhausted and fallback park failed: %w", err))
		}
		if p.metrics != nil {
			p.metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
		}
		return nil
	}

	entry.Attempt = nextAttempt
	entry.LastError = saveErr.Error()
	if err := p.retry.Enqueue(ctx, firstNonEmpty(msg.ID, entry.MessageID), entry); err != nil {
		p.deadLetter(ctx, msg, entry.WALID, entry.Attempt, model.DLQOpProcessRetries, false,
			fmt.Errorf("re-enqueue after retry failure failed: %w", err))
	}
	if p.metrics != nil {
		p.metrics.RetryAttempts.WithLabelValues("requeued").Inc()
	}
	return nil
}

// ProcessFallbackOne re-attempts a single parked fallback entry. On
// success it drops the entry and publishes; on renewed failure it leaves
// the entry parked for the next sweep unless expired is true, in which
// case it is dropped and routed to the DLQ instead.
func (p *Pipeline) ProcessFallbackOne(ctx context.Context, entry model.FallbackEntry, expired bool) error {
	id := entry.OriginalID
	if id == "pending" {
		id = ""
	}
	msg := model.Message{
		ID:             id,
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		Content:        entry.Content,
		Type:           entry.Type,
		CreatedAt:      entry.CreatedAt,
	}

	saveResult, saveErr := p.br.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.primary.SaveMessage(ctx, msg)
	}, nil)

	if saveErr == nil {
		saved := saveResult.(model.Message)
		saved.Status = model.StatusSent
		if err := p.fallback.Drop(ctx, entry.FallbackID); err != nil {
			p.log.Warn().Err(err).Str("fallbackId", entry.FallbackID).Msg("fallback drop failed after recovered save")
		}
		p.publish(ctx, saved, model.ConversationRef{})
		return nil
	}

	if !expired {
		return nil
	}

	if err := p.fallback.Drop(ctx, entry.FallbackID); err != nil {
		p.log.Warn().Err(err).Str("fallbackId", entry.FallbackID).Msg("fallback drop failed before dead-lettering expired entry")
	}
	p.deadLetter(ctx, msg, "", 0, model.DLQOpProcessFallback, false,
		fmt.Errorf("fallback entry expired after %s: %w", model.FallbackTTL, saveErr))
	return nil
}

// RecoverWALEntry handles one pre_write WAL entry with no matching
// post_write by probing the primary store for inc.MessageID: if the
// message is there, the save succeeded and only the post-write log
// entry was lost, so there is nothing left to do. If it is absent, the
// save itself never completed and the entry is dead-lettered as poison
// so an operator can decide whether to resubmit it.
func (p *Pipeline) RecoverWALEntry(ctx context.Context, inc wal.Incomplete) error {
	if inc.MessageID != "" {
		if _, err := p.primary.GetMessage(ctx, inc.MessageID); err == nil {
			return nil
		}
	}

	entry := model.DLQEntry{
		MessageID: firstNonEmpty(inc.MessageID, "unknown"),
		Error:     "write-ahead log pre-write has no matching post-write and no primary store record",
		Operation: model.DLQOpProcessWALRecover,
		Poison:    true,
		WALID:     inc.WALID,
	}
	return p.dlqSink.Add(ctx, entry)
}

// Republish re-appends an already-persisted message onto its routed
// delivery stream without touching the WAL or the primary store. It
// backs the resync command's opt-in replay of existing messages, kept
// as an explicit operator action rather than something Receive does
// implicitly, since redelivering already-seen messages is a known
// at-least-once hazard for consumers.
func (p *Pipeline) Republish(ctx context.Context, msg model.Message, conv model.ConversationRef) {
	p.publish(ctx, msg, conv)
}

// RetryScheduler, FallbackStore, DLQSink and WAL expose the Pipeline's
// collaborators so workers can drive them directly without the pipeline
// package growing a bespoke accessor per worker kind.
func (p *Pipeline) RetryScheduler() *retry.Scheduler { return p.retry }
func (p *Pipeline) FallbackStore() *fallback.Store   { return p.fallback }
func (p *Pipeline) DLQSink() *dlq.Sink               { return p.dlqSink }
func (p *Pipeline) WAL() *wal.Log                    { return p.wal }
func (p *Pipeline) Breaker() *breaker.Breaker        { return p.br }

func isPoison(msg model.Message) bool {
	return len(msg.Content) > PoisonContentCap
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
