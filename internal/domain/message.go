package domain

import (
	"fmt"
	"time"
)

// MessageKind distinguishes user-authored text from system call history
type MessageKind string

const (
	MessageText       MessageKind = "text"
	MessageCallStatus MessageKind = "call-status"
)

// SystemSenderID authors call-status messages
const SystemSenderID = "system"

// MessageStatus is the delivery lifecycle sent -> delivered -> read
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses. Unknown statuses rank zero.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is part of the lifecycle
func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Precedes returns every status strictly before s. A transition to s may only be
// applied to a message currently in one of them.
func (s MessageStatus) Precedes() []MessageStatus {
	var out []MessageStatus
	for _, candidate := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if candidate.Rank() < s.Rank() {
			out = append(out, candidate)
		}
	}
	return out
}

// Message is owned by one conversation. Content never changes after creation;
// only Status and Translations are updated.
// Maps to the Cassandra messages table.
type Message struct {
	ID             string            `json:"id" cql:"message_id"`
	ConversationID string            `json:"conversation_id" cql:"conversation_id"`
	SenderID       string            `json:"sender_id" cql:"sender_id"`
	Kind           MessageKind       `json:"kind" cql:"kind"`
	Content        string            `json:"content" cql:"content"`
	Translations   map[string]string `json:"translations,omitempty" cql:"translations"`
	Attachments    []Attachment      `json:"attachments,omitempty" cql:"attachments"`
	Status         MessageStatus     `json:"status" cql:"status"`
	CallID         string            `json:"call_id,omitempty" cql:"call_id"`
	CreatedAt      time.Time         `json:"created_at" cql:"created_at"`
}

// TextFor returns the variant for lang, falling back to canonical content
func (m *Message) TextFor(lang string) string {
	if lang != "" {
		if text, ok := m.Translations[lang]; ok && text != "" {
			return text
		}
	}
	return m.Content
}

// Preview is the text written to the conversation summary
func (m *Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	if n := len(m.Attachments); n > 0 {
		if n == 1 {
			return fmt.Sprintf("[%s] %s", m.Attachments[0].MimeCategory, m.Attachments[0].Filename)
		}
		return fmt.Sprintf("[%d attachments]", n)
	}
	return ""
}

// Clone returns a deep copy safe to hand to another goroutine
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Translations != nil {
		out.Translations = make(map[string]string, len(m.Translations))
		for k, v := range m.Translations {
			out.Translations[k] = v
		}
	}
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	return &out
}

// MessagePatch describes a post-creation change to a message
type MessagePatch struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	Status         MessageStatus `json:"status,omitempty"`
	Language       string        `json:"language,omitempty"`
	Translation    string        `json:"translation,omitempty"`
}

// UnreadCounts maps conversation ID to the viewer's unread counter
type UnreadCounts map[string]int64

// CalculateBucket returns the monthly partition bucket (YYYYMM) of a timestamp
func CalculateBucket(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}
