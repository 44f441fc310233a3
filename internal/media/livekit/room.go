package livekit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

const (
	defaultPollInterval = time.Second
	// maxPollFailures consecutive presence errors break the connection
	maxPollFailures = 3
	// absentPolls is how many polls a peer must be missing before it counts as gone
	absentPolls = 2
)

// ErrPeerLeft reports that the other side vanished from the room without hanging up
var ErrPeerLeft = errors.New("peer left the media channel")

// RoomService is the slice of the LiveKit room API the media layer needs
type RoomService interface {
	ListParticipants(ctx context.Context, room string) ([]string, error)
	RemoveParticipant(ctx context.Context, room, identity string) error
}

// RoomClient provides access to LiveKit room management APIs
type RoomClient struct {
	client *lksdk.RoomServiceClient
}

// NewRoomClient creates a RoomClient
func NewRoomClient(cfg config.LiveKitConfig) *RoomClient {
	client := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	return &RoomClient{client: client}
}

// ListParticipants returns participant identities for a room
func (c *RoomClient) ListParticipants(ctx context.Context, room string) ([]string, error) {
	resp, err := c.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{
		Room: room,
	})
	if err != nil {
		return nil, err
	}

	identities := make([]string, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		identities = append(identities, p.Identity)
	}
	return identities, nil
}

// RemoveParticipant disconnects identity from room. A participant that is not there is not an error.
func (c *RoomClient) RemoveParticipant(ctx context.Context, room, identity string) error {
	_, err := c.client.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     room,
		Identity: identity,
	})
	if isRoomNotFound(err) {
		return nil
	}
	return err
}

// DetachedRooms stands in for a media server that is not deployed. Every room
// looks empty, so calls connect on the signaling state alone.
type DetachedRooms struct{}

// ListParticipants implements RoomService
func (DetachedRooms) ListParticipants(ctx context.Context, room string) ([]string, error) {
	return nil, nil
}

// RemoveParticipant implements RoomService
func (DetachedRooms) RemoveParticipant(ctx context.Context, room, identity string) error {
	return nil
}

// MediaLayer watches LiveKit rooms on behalf of call handles. Clients join the
// room themselves with the issued token; the server side only observes presence.
type MediaLayer struct {
	rooms        RoomService
	pollInterval time.Duration
}

// NewMediaLayer creates a MediaLayer
func NewMediaLayer(rooms RoomService, cfg config.LiveKitConfig) *MediaLayer {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &MediaLayer{rooms: rooms, pollInterval: interval}
}

// Join starts watching channelID for identity's peers. The room is probed once
// so an unreachable media server fails the join instead of the call.
func (m *MediaLayer) Join(ctx context.Context, channelID, identity string, creds *call.Credentials) (call.MediaConn, error) {
	present, err := m.rooms.ListParticipants(ctx, channelID)
	if err != nil && !isRoomNotFound(err) {
		return nil, apperrors.MediaLayerError(err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		rooms:     m.rooms,
		channelID: channelID,
		identity:  identity,
		peer:      make(chan struct{}),
		failed:    make(chan error, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.update(present)
	go c.watch(wctx, m.pollInterval)
	return c, nil
}

type conn struct {
	rooms     RoomService
	channelID string
	identity  string
	peer      chan struct{}
	failed    chan error
	cancel    context.CancelFunc
	done      chan struct{}

	peerSeen bool
	absent   int
	errs     int

	leaveOnce sync.Once
	leaveErr  error
}

func (c *conn) PeerJoined() <-chan struct{} { return c.peer }
func (c *conn) Failed() <-chan error        { return c.failed }

// Leave stops watching and removes identity from the room
func (c *conn) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.cancel()
		<-c.done
		if err := c.rooms.RemoveParticipant(ctx, c.channelID, c.identity); err != nil && !isRoomNotFound(err) {
			c.leaveErr = apperrors.MediaLayerError(err)
		}
	})
	return c.leaveErr
}

func (c *conn) watch(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		present, err := c.rooms.ListParticipants(ctx, c.channelID)
		if err != nil && !isRoomNotFound(err) {
			if ctx.Err() != nil {
				return
			}
			c.errs++
			logger.Debug("Media presence poll failed",
				zap.String("channel_id", c.channelID),
				zap.Int("consecutive", c.errs),
				zap.Error(err))
			if c.errs >= maxPollFailures {
				c.fail(err)
				return
			}
			continue
		}
		c.errs = 0
		if gone := c.update(present); gone {
			c.fail(ErrPeerLeft)
			return
		}
	}
}

// update records who is in the room and reports true once a peer that was
// present has been missing for absentPolls polls in a row.
func (c *conn) update(present []string) bool {
	peerHere := false
	for _, id := range present {
		if id != c.identity {
			peerHere = true
			break
		}
	}

	switch {
	case peerHere && !c.peerSeen:
		c.peerSeen = true
		close(c.peer)
	case peerHere:
		c.absent = 0
	case c.peerSeen:
		c.absent++
		return c.absent >= absentPolls
	}
	return false
}

func (c *conn) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// isRoomNotFound matches the twirp not_found answer for rooms and participants
// that do not exist (yet).
func isRoomNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not_found") || strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
