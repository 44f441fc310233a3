package translation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.TranslationConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
}

func TestClient_Translate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate", r.URL.Path)
		var req translateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.Q)
		assert.Equal(t, "en", req.Source)
		assert.Equal(t, "fr", req.Target)
		assert.Equal(t, "k", req.APIKey)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"translatedText":"Bonjour"}`))
	})

	out, err := c.Translate(context.Background(), "Hello", "en", "fr")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out)
}

func TestClient_ErrorClasses(t *testing.T) {
	var status atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	})

	status.Store(http.StatusBadRequest)
	_, err := c.Translate(context.Background(), "Hello", "en", "xx")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTranslation))
	assert.False(t, apperrors.IsRetryable(err))

	status.Store(http.StatusServiceUnavailable)
	_, err = c.Translate(context.Background(), "Hello", "en", "fr")
	assert.True(t, apperrors.IsRetryable(err))
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, _ = c.Translate(context.Background(), "Hello", "en", "fr")
	}
	_, err := c.Translate(context.Background(), "Hello", "en", "fr")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
	assert.Equal(t, int32(5), calls.Load())
}

func TestClient_NilWhenUnconfigured(t *testing.T) {
	c := NewClient(config.TranslationConfig{})
	assert.Nil(t, c)
	_, err := c.Translate(context.Background(), "Hello", "en", "fr")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
}
