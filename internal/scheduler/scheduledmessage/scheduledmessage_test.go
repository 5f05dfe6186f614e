package scheduledmessage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/squads"
)

func newTestScheduler(t *testing.T, apiMux *http.ServeMux, discordStatus int) *Scheduler {
	t.Helper()
	apiSrv := httptest.NewServer(apiMux)
	t.Cleanup(apiSrv.Close)

	api := apiclient.NewClient(apiSrv.URL, "token")
	api.Retry.MaxRetries = 0
	squadsSvc := squads.New(api, nil, zerolog.Nop())
	require.NoError(t, squadsSvc.Initialize(context.Background()))

	discordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(discordStatus)
		if discordStatus == http.StatusOK {
			w.Write([]byte(`{"id":"1","channel_id":"chan-1"}`))
		}
	}))
	t.Cleanup(discordSrv.Close)

	discordClient := &discordrest.Client{
		Token:      "test",
		HTTP:       discordSrv.Client(),
		APIVersion: "10",
		URLHost:    strings.TrimPrefix(discordSrv.URL, "http://"),
		URLScheme:  "http",
		UserAgent:  "test",
	}

	sched := New(api, squadsSvc, discordClient, time.Minute, zerolog.Nop())
	require.NoError(t, sched.BaseService.Initialize(context.Background()))
	return sched
}

func TestFetchUpcoming_ParsesMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scheduled-messages/upcoming", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"messages":[{"id":"m1","guild_id":"1234567890","title":"T","description":"D","fire_at":"2026-07-29T12:00:00Z","announcement_channels":["c1"],"should_pin":true}]}`))
	})
	sched := newTestScheduler(t, mux, http.StatusOK)

	jobs, err := sched.fetchUpcoming(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ShouldPin)
	assert.Equal(t, []string{"c1"}, jobs[0].AnnouncementChannels)
}

func TestSendToSquads_SkipsInactiveSquads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guilds/1234567890/squads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"squads":[{"id":"s1","is_active":false,"announcement_channel_id":"chan-1","role_id":"r1"},{"id":"s2","is_active":true,"announcement_channel_id":"chan-2","role_id":"r2"}]}`))
	})
	sched := newTestScheduler(t, mux, http.StatusOK)

	job := models.ScheduledJob{ID: "m1", GuildID: "1234567890", Title: "T", Description: "D"}
	ok := sched.sendToSquads(context.Background(), job)
	assert.True(t, ok)
}

func TestSendToAnnouncementChannels_NoneConfiguredReturnsFalse(t *testing.T) {
	mux := http.NewServeMux()
	sched := newTestScheduler(t, mux, http.StatusOK)

	job := models.ScheduledJob{ID: "m1", GuildID: "1234567890"}
	ok := sched.sendToAnnouncementChannels(context.Background(), job)
	assert.False(t, ok)
}

func TestSendToAnnouncementChannels_FallsBackToDescriptionWhenNoCustomMessage(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	apiSrv := httptest.NewServer(mux)
	t.Cleanup(apiSrv.Close)

	api := apiclient.NewClient(apiSrv.URL, "token")
	api.Retry.MaxRetries = 0
	squadsSvc := squads.New(api, nil, zerolog.Nop())
	require.NoError(t, squadsSvc.Initialize(context.Background()))

	var mu sync.Mutex
	discordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1","channel_id":"chan-1"}`))
	}))
	t.Cleanup(discordSrv.Close)

	discordClient := &discordrest.Client{
		Token:      "test",
		HTTP:       discordSrv.Client(),
		APIVersion: "10",
		URLHost:    strings.TrimPrefix(discordSrv.URL, "http://"),
		URLScheme:  "http",
		UserAgent:  "test",
	}

	sched := New(api, squadsSvc, discordClient, time.Minute, zerolog.Nop())
	require.NoError(t, sched.BaseService.Initialize(context.Background()))

	job := models.ScheduledJob{ID: "m1", GuildID: "1234567890", Description: "fallback body", AnnouncementChannels: []string{"c1"}}
	ok := sched.sendToAnnouncementChannels(context.Background(), job)
	require.True(t, ok)
	assert.Contains(t, gotBody, "fallback body")
}
