package livekit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

func TestTokenIssuer_Issue(t *testing.T) {
	issuer := NewTokenIssuer(config.LiveKitConfig{
		URL:       "wss://media.example.org",
		APIKey:    "devkey",
		APISecret: "a-secret-long-enough-for-hmac-signing",
		TokenTTL:  10 * time.Minute,
	})

	creds, err := issuer.Issue(context.Background(), "call_ben-1_drv-7", "ben-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://media.example.org", creds.URL)
	assert.Equal(t, "ben-1", creds.Identity)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), creds.ExpiresAt, 5*time.Second)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(creds.Token, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("a-secret-long-enough-for-hmac-signing"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "devkey", claims["iss"])
	assert.Equal(t, "ben-1", claims["sub"])

	video, ok := claims["video"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "call_ben-1_drv-7", video["room"])
	assert.Equal(t, true, video["roomJoin"])
}

func TestTokenIssuer_RequiresChannelAndIdentity(t *testing.T) {
	issuer := NewTokenIssuer(config.LiveKitConfig{APIKey: "k", APISecret: "s"})

	_, err := issuer.Issue(context.Background(), "", "ben-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = issuer.Issue(context.Background(), "call_x", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

// fakeRooms serves scripted presence lists
type fakeRooms struct {
	mu      sync.Mutex
	present map[string][]string
	listErr error
	removed []string
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{present: make(map[string][]string)}
}

func (r *fakeRooms) ListParticipants(ctx context.Context, room string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]string(nil), r.present[room]...), nil
}

func (r *fakeRooms) RemoveParticipant(ctx context.Context, room, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, room+"/"+identity)
	return nil
}

func (r *fakeRooms) set(room string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present[room] = ids
}

func (r *fakeRooms) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

func (r *fakeRooms) removals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func newTestLayer(rooms RoomService) *MediaLayer {
	return NewMediaLayer(rooms, config.LiveKitConfig{PollInterval: 5 * time.Millisecond})
}

func TestMediaLayer_PeerJoinedAndLeave(t *testing.T) {
	rooms := newFakeRooms()
	layer := newTestLayer(rooms)
	ctx := context.Background()

	conn, err := layer.Join(ctx, "call_a_b", "a", nil)
	require.NoError(t, err)

	select {
	case <-conn.PeerJoined():
		t.Fatal("peer joined before anyone else was in the room")
	case <-time.After(20 * time.Millisecond):
	}

	rooms.set("call_a_b", "a", "b")
	select {
	case <-conn.PeerJoined():
	case <-time.After(time.Second):
		t.Fatal("peer join not observed")
	}

	require.NoError(t, conn.Leave(ctx))
	require.NoError(t, conn.Leave(ctx))
	assert.Equal(t, []string{"call_a_b/a"}, rooms.removals())
}

func TestMediaLayer_PeerAlreadyPresent(t *testing.T) {
	rooms := newFakeRooms()
	rooms.set("call_a_b", "b")
	conn, err := newTestLayer(rooms).Join(context.Background(), "call_a_b", "a", nil)
	require.NoError(t, err)
	defer conn.Leave(context.Background())

	select {
	case <-conn.PeerJoined():
	default:
		t.Fatal("peer present at join time was not reported")
	}
}

func TestMediaLayer_PeerVanishingFailsConnection(t *testing.T) {
	rooms := newFakeRooms()
	rooms.set("call_a_b", "a", "b")
	conn, err := newTestLayer(rooms).Join(context.Background(), "call_a_b", "a", nil)
	require.NoError(t, err)
	defer conn.Leave(context.Background())

	rooms.set("call_a_b", "a")
	select {
	case err := <-conn.Failed():
		assert.ErrorIs(t, err, ErrPeerLeft)
	case <-time.After(time.Second):
		t.Fatal("peer departure not reported")
	}
}

func TestMediaLayer_RepeatedPollErrorsFailConnection(t *testing.T) {
	rooms := newFakeRooms()
	conn, err := newTestLayer(rooms).Join(context.Background(), "call_a_b", "a", nil)
	require.NoError(t, err)
	defer conn.Leave(context.Background())

	rooms.setErr(errors.New("connection refused"))
	select {
	case err := <-conn.Failed():
		assert.EqualError(t, err, "connection refused")
	case <-time.After(time.Second):
		t.Fatal("poll failures not reported")
	}
}

func TestMediaLayer_JoinFailsWhenServerUnreachable(t *testing.T) {
	rooms := newFakeRooms()
	rooms.setErr(errors.New("dial tcp: connection refused"))

	_, err := newTestLayer(rooms).Join(context.Background(), "call_a_b", "a", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaLayer))
}

func TestMediaLayer_MissingRoomIsNotAnError(t *testing.T) {
	rooms := newFakeRooms()
	rooms.setErr(errors.New("twirp error not_found: requested room does not exist"))

	conn, err := newTestLayer(rooms).Join(context.Background(), "call_a_b", "a", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Leave(context.Background()))
}

func TestMediaLayer_DetachedRoomsNeverSeePeer(t *testing.T) {
	layer := NewMediaLayer(DetachedRooms{}, config.LiveKitConfig{PollInterval: 5 * time.Millisecond})

	conn, err := layer.Join(context.Background(), "call_ben-1_drv-7", "ben-1", nil)
	require.NoError(t, err)

	select {
	case <-conn.PeerJoined():
		t.Fatal("detached rooms never report a peer")
	case err := <-conn.Failed():
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.NoError(t, conn.Leave(context.Background()))
}
