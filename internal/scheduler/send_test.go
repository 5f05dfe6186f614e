package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarter-dev/smarterbot/internal/discordrest"
)

func testDiscordClient(t *testing.T, handler http.HandlerFunc) *discordrest.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &discordrest.Client{
		Token:      "test",
		HTTP:       srv.Client(),
		APIVersion: "10",
		URLHost:    strings.TrimPrefix(srv.URL, "http://"),
		URLScheme:  "http",
		UserAgent:  "test",
	}
}

func TestSendWithRetry_SucceedsFirstTry(t *testing.T) {
	var attempts int32
	client := testDiscordClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1","channel_id":"2"}`))
	})

	msg, ok := SendWithRetry(context.Background(), client, "2", "hi", nil, false, 3, zerolog.Nop())
	require.True(t, ok)
	assert.Equal(t, "1", msg.ID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestSendWithRetry_TerminalErrorSkipsRetry(t *testing.T) {
	var attempts int32
	client := testDiscordClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, ok := SendWithRetry(context.Background(), client, "2", "hi", nil, false, 3, zerolog.Nop())
	assert.False(t, ok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestSendWithRetry_TransientErrorRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	client := testDiscordClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1","channel_id":"2"}`))
	})

	msg, ok := SendWithRetry(context.Background(), client, "2", "hi", nil, false, 3, zerolog.Nop())
	require.True(t, ok)
	assert.Equal(t, "1", msg.ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestPinWithRetry_TerminalErrorStopsImmediately(t *testing.T) {
	var attempts int32
	client := testDiscordClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	PinWithRetry(context.Background(), client, "chan", "msg", zerolog.Nop())
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestPinWithRetry_SucceedsFirstTry(t *testing.T) {
	var attempts int32
	client := testDiscordClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNoContent)
	})

	PinWithRetry(context.Background(), client, "chan", "msg", zerolog.Nop())
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}
