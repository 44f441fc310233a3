package domain

import (
	"sort"
	"strings"
	"time"
)

// ConversationType distinguishes derived pair conversations from rostered groups
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ConversationStatus is the lifecycle of a conversation. Conversations are never deleted.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationWaiting ConversationStatus = "waiting"
	ConversationClosed  ConversationStatus = "closed"
)

// Role is the dashboard role of a participant. It only affects display.
type Role string

const (
	RoleBeneficiary  Role = "beneficiary"
	RoleDriver       Role = "driver"
	RoleSupportAgent Role = "support_agent"
	RoleAdmin        Role = "admin"
)

// PairSeparator joins the two participant IDs of a direct conversation
const PairSeparator = "_"

// Participant is the explicit identity passed into every store and engine call
type Participant struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
	Language string `json:"language,omitempty"`
}

// Info returns the denormalized display record of the participant
func (p Participant) Info() ParticipantInfo {
	return ParticipantInfo{Name: p.Name, Role: p.Role, Avatar: p.Avatar, Language: p.Language}
}

// ParticipantInfo is denormalized onto the conversation for display
type ParticipantInfo struct {
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
	Language string `json:"language,omitempty"`
}

// Conversation is a shared message stream between a fixed participant set.
// Maps to the CockroachDB conversations and conversation_participants tables.
type Conversation struct {
	ID                  string                     `json:"id" db:"conversation_id"`
	Type                ConversationType           `json:"type" db:"type"`
	Status              ConversationStatus         `json:"status" db:"status"`
	Name                string                     `json:"name,omitempty" db:"name"`
	Participants        []string                   `json:"participants"`
	ParticipantInfo     map[string]ParticipantInfo `json:"participant_info"`
	LastMessage         string                     `json:"last_message" db:"last_message"`
	LastMessageID       string                     `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt       *time.Time                 `json:"last_message_at,omitempty" db:"last_message_at"`
	LastMessageSenderID string                     `json:"last_message_sender_id,omitempty" db:"last_message_sender_id"`
	CreatedBy           string                     `json:"created_by" db:"created_by"`
	CreatedAt           time.Time                  `json:"created_at" db:"created_at"`
}

// DirectConversationID computes the conversation ID of two participants.
// Both sides derive the same ID without a lookup.
func DirectConversationID(a, b string) string {
	return strings.Join(PairKey(a, b), PairSeparator)
}

// PairKey returns the two IDs in canonical order
func PairKey(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

// HasParticipant reports whether id belongs to the roster
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Recipients returns every participant except the author
func (c *Conversation) Recipients(authorID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != authorID {
			out = append(out, p)
		}
	}
	return out
}

// IsClosed reports whether new messages are rejected
func (c *Conversation) IsClosed() bool {
	return c.Status == ConversationClosed
}

// Languages returns the distinct preferred languages of the roster
func (c *Conversation) Languages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.Participants {
		lang := c.ParticipantInfo[p].Language
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// ApplySummary moves the summary fields forward to msg. It returns false and leaves the
// conversation untouched when msg is not newer than the current summary.
func (c *Conversation) ApplySummary(msg *Message) bool {
	if c.LastMessageID != "" && msg.ID <= c.LastMessageID {
		return false
	}
	at := msg.CreatedAt
	c.LastMessage = msg.Preview()
	c.LastMessageID = msg.ID
	c.LastMessageAt = &at
	c.LastMessageSenderID = msg.SenderID
	return true
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.ParticipantInfo = make(map[string]ParticipantInfo, len(c.ParticipantInfo))
	for k, v := range c.ParticipantInfo {
		out.ParticipantInfo[k] = v
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

// SortByLastMessage orders conversations by LastMessageAt descending.
// Conversations without messages sort last, newest created first.
func SortByLastMessage(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch {
		case a.LastMessageAt == nil && b.LastMessageAt == nil:
			return a.CreatedAt.After(b.CreatedAt)
		case a.LastMessageAt == nil:
			return false
		case b.LastMessageAt == nil:
			return true
		case a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageID > b.LastMessageID
		default:
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
	})
}

// ConversationWithUnread is a conversation enriched with the viewer's unread counter
type ConversationWithUnread struct {
	*Conversation
	UnreadCount int64 `json:"unread_count"`
}
