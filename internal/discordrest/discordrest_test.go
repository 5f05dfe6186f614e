package discordrest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	return &Client{
		Token:      "test-token",
		HTTP:       srv.Client(),
		APIVersion: "10",
		URLHost:    host,
		URLScheme:  "http",
		UserAgent:  "test-agent",
	}
}

func TestCreateMessage_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"123","channel_id":"456"}`))
	})

	msg, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "123", msg.ID)
}

func TestCreateMessage_NotFoundIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestCreateMessage_ForbiddenIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestCreateMessage_InternalServerErrorIsNotTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
}

func TestCreateMessage_RateLimitBelowThresholdIsNotTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retry_after": 1.0}`))
	})

	_, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
}

func TestCreateMessage_RateLimitAboveThresholdIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retry_after": 60.0}`))
	})

	_, err := client.CreateMessage(context.Background(), "456", "hello", nil, false)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	var rle *RateLimitTooLongError
	require.ErrorAs(t, err, &rle)
}

func TestCreateMessage_AllowedMentionsReflectsRoleMentions(t *testing.T) {
	var seenBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		seenBody = string(buf)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1","channel_id":"2"}`))
	})

	_, err := client.CreateMessage(context.Background(), "2", "hi", nil, true)
	require.NoError(t, err)
	assert.Contains(t, seenBody, `"roles"`)
}

func TestCreateForumPost_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"thread-1"}`))
	})

	thread, err := client.CreateForumPost(context.Background(), "forum-1", "Day 1", "body")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", thread.ID)
}
