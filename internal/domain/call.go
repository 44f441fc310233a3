package domain

import (
	"fmt"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
)

// CallKind selects the media of a call
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// CallState is the signaling state of a call session
type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
	CallMissed  CallState = "missed"
)

// IsTerminal reports whether no further transition is allowed
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallMissed
}

// AllowedFrom returns the states a transition to s may start from
func (s CallState) AllowedFrom() []CallState {
	switch s {
	case CallActive, CallMissed:
		return []CallState{CallRinging}
	case CallEnded:
		return []CallState{CallRinging, CallActive}
	}
	return nil
}

// CanTransition reports whether from -> to is part of the state machine
func CanTransition(from, to CallState) bool {
	for _, s := range to.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// End reasons recorded on terminal sessions
const (
	EndReasonHangup       = "hangup"
	EndReasonDeclined     = "declined"
	EndReasonTimeout      = "timeout"
	EndReasonMediaFailure = "media_failure"
	EndReasonSetupFailure = "setup_failure"
	EndReasonMaxDuration  = "max_duration"
)

// CallSession is the only shared state between caller and callee.
// Maps to the CockroachDB call_sessions table.
type CallSession struct {
	ID              string     `json:"id" db:"call_id"`
	ConversationID  string     `json:"conversation_id,omitempty" db:"conversation_id"`
	CallerID        string     `json:"caller_id" db:"caller_id"`
	ParticipantIDs  []string   `json:"participant_ids" db:"participant_ids"`
	ChannelID       string     `json:"channel_id" db:"channel_id"`
	Kind            CallKind   `json:"kind" db:"kind"`
	State           CallState  `json:"state" db:"state"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
	EndedBy         string     `json:"ended_by,omitempty" db:"ended_by"`
	EndReason       string     `json:"end_reason,omitempty" db:"end_reason"`
}

// Callees returns every participant except the caller
func (c *CallSession) Callees() []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, p := range c.ParticipantIDs {
		if p != c.CallerID {
			out = append(out, p)
		}
	}
	return out
}

// HasParticipant reports whether id is on the call
func (c *CallSession) HasParticipant(id string) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// CallTransition is a compare-and-set request on a call session
type CallTransition struct {
	CallID     string
	To         CallState
	At         time.Time
	By         string
	Reason     string
	AnsweredAt *time.Time
}

// ChannelIDForPair derives the media channel of a two-party call
func ChannelIDForPair(a, b string) string {
	return constants.ChannelPrefix + DirectConversationID(a, b)
}

// ChannelIDForConversation derives the media channel of a conversation-scoped call
func ChannelIDForConversation(conversationID string) string {
	return constants.ChannelPrefix + conversationID
}

// DurationSince computes whole seconds of talk time. Unanswered calls last zero seconds.
func DurationSince(answeredAt *time.Time, endedAt time.Time) int {
	if answeredAt == nil || endedAt.Before(*answeredAt) {
		return 0
	}
	return int(endedAt.Sub(*answeredAt) / time.Second)
}

// FormatDuration renders seconds as mm:ss, or h:mm:ss past an hour
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Call history texts
const (
	CallStartedText  = "call started"
	MissedCallText   = "missed call"
	CallDeclinedText = "call declined"
)

// CallEndedText is the history line for a finished call
func CallEndedText(seconds int) string {
	return fmt.Sprintf("call ended (%s)", FormatDuration(seconds))
}

// Apply mutates the session according to tr. It returns false and leaves the
// session untouched when the transition is not allowed from the current state.
func (c *CallSession) Apply(tr CallTransition) bool {
	if !CanTransition(c.State, tr.To) {
		return false
	}
	c.State = tr.To
	switch tr.To {
	case CallActive:
		at := tr.At
		if tr.AnsweredAt != nil {
			at = *tr.AnsweredAt
		}
		c.AnsweredAt = &at
	case CallEnded, CallMissed:
		at := tr.At
		c.EndedAt = &at
		c.EndedBy = tr.By
		c.EndReason = tr.Reason
		c.DurationSeconds = DurationSince(c.AnsweredAt, at)
	}
	return true
}
