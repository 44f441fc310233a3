// Package realtime carries change events between writers and live subscribers.
// Every stream in the system (conversation messages, inbox summaries, call documents)
// is a topic on a Bus.
package realtime

import (
	"context"
	"errors"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
)

// EventType names a change
type EventType string

const (
	EventMessageAppended     EventType = "message.appended"
	EventMessageUpdated      EventType = "message.updated"
	EventConversationUpdated EventType = "conversation.updated"
	EventCallUpdated         EventType = "call.updated"
)

// Event is one change published on a topic
type Event struct {
	Type         EventType            `json:"type"`
	Topic        string               `json:"topic,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
	Patch        *domain.MessagePatch `json:"patch,omitempty"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Call         *domain.CallSession  `json:"call,omitempty"`
}

// ErrSubscriptionClosed is reported when the bus ends a subscription its owner did not close
var ErrSubscriptionClosed = errors.New("subscription closed by the bus")

// Bus fans events out to subscribers of a topic.
// Subscribe returns only after the subscription is live, so events published
// after it returns are guaranteed to be received.
type Bus interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Subscription is a live stream of events. Close releases it and closes Events.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// ConversationTopic carries appended messages and patches of one conversation
func ConversationTopic(conversationID string) string {
	return constants.TopicConversation + conversationID
}

// InboxTopic carries summary changes of every conversation of one participant
func InboxTopic(participantID string) string {
	return constants.TopicInbox + participantID
}

// CallTopic carries state changes of one call session
func CallTopic(callID string) string {
	return constants.TopicCall + callID
}

// IncomingCallsTopic carries new sessions naming one participant
func IncomingCallsTopic(participantID string) string {
	return constants.TopicCallsFor + participantID
}
