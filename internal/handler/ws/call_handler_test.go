package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
)

func newCallSession() *callSession {
	return &callSession{handles: make(chan *call.Handle, 1)}
}

func TestCallSession_AttachAfterDetachNeverOpens(t *testing.T) {
	session := newCallSession()
	session.detach()

	opened := 0
	err := session.attach(context.Background(), func() (*call.Handle, error) {
		opened++
		return nil, nil
	})
	assert.ErrorIs(t, err, errSocketGone)
	assert.Zero(t, opened)
	assert.Len(t, session.handles, 0)
}

func TestCallSession_AttachOnEndedSocketNeverOpens(t *testing.T) {
	session := newCallSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opened := 0
	err := session.attach(ctx, func() (*call.Handle, error) {
		opened++
		return nil, nil
	})
	assert.ErrorIs(t, err, errSocketGone)
	assert.Zero(t, opened)
}

func TestCallSession_FailedOpenLeavesSocketFree(t *testing.T) {
	session := newCallSession()
	boom := errors.New("callee busy")

	err := session.attach(context.Background(), func() (*call.Handle, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, session.handle)

	opened := 0
	err = session.attach(context.Background(), func() (*call.Handle, error) {
		opened++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, opened)
}
