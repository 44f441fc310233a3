package call

import (
	"context"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// Credentials let a client join a media channel
type Credentials struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenIssuer mints short-lived media credentials keyed by channel and identity
type TokenIssuer interface {
	Issue(ctx context.Context, channelID, identity string) (*Credentials, error)
}

// MediaLayer attaches a participant to a media channel
type MediaLayer interface {
	Join(ctx context.Context, channelID, identity string, creds *Credentials) (MediaConn, error)
}

// MediaConn is one participant's presence in a media channel
type MediaConn interface {
	// PeerJoined is closed once another participant is present in the channel.
	PeerJoined() <-chan struct{}
	// Failed delivers at most one error when the connection breaks.
	Failed() <-chan error
	// Leave releases the channel. It is safe to call more than once.
	Leave(ctx context.Context) error
}

// HistoryWriter records call history inline in a conversation
type HistoryWriter interface {
	AppendSystemMessage(ctx context.Context, conversationID string, kind domain.MessageKind, content, callID string) (*domain.Message, error)
}

// Notifier wakes devices of callees that have no live client
type Notifier interface {
	IncomingCall(ctx context.Context, call *domain.CallSession)
}
