// Package livekit connects the call engine to a LiveKit media server:
// it issues room tokens and watches room presence for the peer-join signal.
package livekit

import (
	"context"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

const defaultTokenTTL = time.Hour

// TokenIssuer mints LiveKit access tokens scoped to one room
type TokenIssuer struct {
	url       string
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenIssuer creates a TokenIssuer
func NewTokenIssuer(cfg config.LiveKitConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue grants identity the right to join, publish and subscribe in channelID
func (g *TokenIssuer) Issue(ctx context.Context, channelID, identity string) (*call.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channelID == "" || identity == "" {
		return nil, apperrors.ValidationError("channel and identity are required")
	}

	at := auth.NewAccessToken(g.apiKey, g.apiSecret)

	canPublish := true
	canSubscribe := true
	canPublishData := true

	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           channelID,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(g.ttl)

	token, err := at.ToJWT()
	if err != nil {
		return nil, apperrors.MediaLayerError(err)
	}

	return &call.Credentials{
		URL:       g.url,
		Token:     token,
		Identity:  identity,
		ChannelID: channelID,
		ExpiresAt: g.now().Add(g.ttl),
	}, nil
}
