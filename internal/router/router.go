// Package router implements the multi-stream routing table: given a
// message (and, for private conversations, the recipient), it decides
// which of the core's several delivery streams the message belongs on.
// Grounded on internal/config's StreamsConfig inventory and on the
// teacher's habit of keeping routing decisions as small pure functions
// rather than embedding them in the transport layer.
package router

import (
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/config"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

// Route is the resolved destination for one published event: the stream
// name to publish to, that stream's configured MAXLEN (so the publisher
// can pass it straight through to Bus.Append's best-effort trim), and
// (for private conversations) the recipient the stream fan-out should
// target.
type Route struct {
	Stream      string
	MaxLen      int64
	RecipientID string
}

// EventKind distinguishes the event categories the router treats
// specially before falling through to plain message routing.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventTyping       EventKind = "typing"
	EventReadReceipt  EventKind = "read_receipt"
	EventNotification EventKind = "notification"
	EventSystem       EventKind = "system"
)

// Router resolves routes from the configured stream inventory.
type Router struct {
	streams config.StreamsConfig
}

// New constructs a Router over the given stream inventory.
func New(streams config.StreamsConfig) *Router {
	return &Router{streams: streams}
}

// RouteEvent resolves a non-message event (typing, read receipt,
// notification, system) straight from its kind.
func (r *Router) RouteEvent(kind EventKind) Route {
	switch kind {
	case EventTyping:
		return Route{Stream: r.streams.Typing.Name, MaxLen: r.streams.Typing.MaxLen}
	case EventReadReceipt:
		return Route{Stream: r.streams.Read.Name, MaxLen: r.streams.Read.MaxLen}
	case EventNotification:
		return Route{Stream: r.streams.System.Name, MaxLen: r.streams.System.MaxLen}
	case EventSystem:
		return Route{Stream: r.streams.System.Name, MaxLen: r.streams.System.MaxLen}
	default:
		return Route{Stream: r.streams.Default.Name, MaxLen: r.streams.Default.MaxLen}
	}
}

// RouteMessage resolves a chat message's destination stream. Private
// conversations (exactly two participants) route to the private stream
// with the other participant named as recipient; anything else -
// including group conversations and the ambiguous case of a conversation
// ref the caller could not resolve a unique counterpart for - falls
// through to the group stream: when unsure, widen the fan-out rather
// than silently drop.
func (r *Router) RouteMessage(msg model.Message, conv model.ConversationRef) Route {
	if msg.Type == model.MessageSystem {
		return Route{Stream: r.streams.System.Name, MaxLen: r.streams.System.MaxLen}
	}

	if conv.IsPrivate {
		if other, ok := conv.OtherParticipant(msg.SenderID); ok {
			return Route{Stream: r.streams.Private.Name, MaxLen: r.streams.Private.MaxLen, RecipientID: other.UserID}
		}
	}

	return Route{Stream: r.streams.Group.Name, MaxLen: r.streams.Group.MaxLen}
}
