// Package constants defines application-wide constants for timeouts, limits, and channel names.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a socket may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Change bus topic prefixes
const (
	// TopicConversation carries appended messages and message patches of one conversation
	TopicConversation = "chat:"

	// TopicInbox carries conversation summary changes of one participant
	TopicInbox = "inbox:"

	// TopicCall carries state changes of one call session
	TopicCall = "call:"

	// TopicCallsFor carries new ringing sessions naming one participant
	TopicCallsFor = "calls:"
)

// Redis key prefixes
const (
	UnreadKeyPrefix     = "unread:"
	ReadCursorKeyPrefix = "read_cursor:"
	PresenceKeyPrefix   = "presence:"
	PushTokenKeyPrefix  = "push_tokens:"
)

// Presence constants
const (
	// PresenceTTL is how long a heartbeat keeps a participant online
	PresenceTTL = 2 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 50

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 200
)

// Message constants
const (
	// MaxMessageLength is the maximum allowed message length
	MaxMessageLength = 10000

	// MaxGroupNameLength caps a group conversation's name
	MaxGroupNameLength = 120

	// MaxAttachmentsPerMessage caps the number of files sent together
	MaxAttachmentsPerMessage = 10

	// SubscriptionBuffer is the channel capacity of a live subscription
	SubscriptionBuffer = 64

	// SubscriptionSeenWindow is how many emitted message IDs a subscription remembers for deduplication
	SubscriptionSeenWindow = 1024
)

// Delivery tracking constants
const (
	// DeliveryWorkers drain the unread and delivered queue
	DeliveryWorkers = 4

	// DeliveryQueueSize caps pending unread and delivered updates
	DeliveryQueueSize = 1024
)

// Call constants
const (
	// ChannelPrefix prefixes every deterministic media channel name
	ChannelPrefix = "call_"

	// CallPollInterval is how often a call handle re-reads its document in case a bus event was missed
	CallPollInterval = 2 * time.Second
)
