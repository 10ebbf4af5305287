package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/config"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

func testRouter() *Router {
	return New(config.Default().Streams)
}

func TestRouteEventKinds(t *testing.T) {
	r := testRouter()
	cfg := config.Default().Streams

	assert.Equal(t, cfg.Typing.Name, r.RouteEvent(EventTyping).Stream)
	assert.Equal(t, cfg.Read.Name, r.RouteEvent(EventReadReceipt).Stream)
	assert.Equal(t, cfg.System.Name, r.RouteEvent(EventNotification).Stream)
	assert.Equal(t, cfg.System.Name, r.RouteEvent(EventSystem).Stream)
	assert.Equal(t, cfg.Default.Name, r.RouteEvent(EventMessage).Stream)
}

func TestRouteMessagePrivateConversation(t *testing.T) {
	r := testRouter()
	cfg := config.Default().Streams

	conv := model.ConversationRef{
		IsPrivate: true,
		Participants: []model.Participant{
			{UserID: "u1", JoinedAt: time.Now()},
			{UserID: "u2", JoinedAt: time.Now()},
		},
	}
	msg := model.Message{SenderID: "u1", Type: model.MessageText}

	route := r.RouteMessage(msg, conv)
	assert.Equal(t, cfg.Private.Name, route.Stream)
	assert.Equal(t, cfg.Private.MaxLen, route.MaxLen)
	assert.Equal(t, "u2", route.RecipientID)
}

func TestRouteMessageGroupConversation(t *testing.T) {
	r := testRouter()
	cfg := config.Default().Streams

	conv := model.ConversationRef{
		IsPrivate: false,
		Participants: []model.Participant{
			{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"},
		},
	}
	msg := model.Message{SenderID: "u1", Type: model.MessageText}

	route := r.RouteMessage(msg, conv)
	assert.Equal(t, cfg.Group.Name, route.Stream)
	assert.Empty(t, route.RecipientID)
}

func TestRouteMessagePrivateWithAmbiguousParticipantsFallsThroughToGroup(t *testing.T) {
	r := testRouter()
	cfg := config.Default().Streams

	// Three participants flagged private: OtherParticipant can't resolve
	// a single counterpart, so routing must not silently drop the message.
	conv := model.ConversationRef{
		IsPrivate:    true,
		Participants: []model.Participant{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}},
	}
	msg := model.Message{SenderID: "u1", Type: model.MessageText}

	route := r.RouteMessage(msg, conv)
	assert.Equal(t, cfg.Group.Name, route.Stream)
}

func TestRouteMessageSystemAlwaysRoutesToSystemStream(t *testing.T) {
	r := testRouter()
	cfg := config.Default().Streams

	conv := model.ConversationRef{IsPrivate: true, Participants: []model.Participant{{UserID: "u1"}, {UserID: "u2"}}}
	msg := model.Message{SenderID: "u1", Type: model.MessageSystem}

	route := r.RouteMessage(msg, conv)
	assert.Equal(t, cfg.System.Name, route.Stream)
}
