package adventofcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
)

// fakeBackend simulates the backend API's AoC endpoints, reporting a thread
// as already recorded for every day in posted; forum posts are counted
// separately by fakeDiscord so the catch-up loop's idempotency can be
// asserted.
type fakeBackend struct {
	mu      sync.Mutex
	posted  map[int]bool // day -> thread exists
	created []int        // days a forum post was actually created for
}

func newFakeBackend(alreadyPosted ...int) *fakeBackend {
	f := &fakeBackend{posted: map[int]bool{}}
	for _, d := range alreadyPosted {
		f.posted[d] = true
	}
	return f
}

func (f *fakeBackend) apiServer(t *testing.T, guildID string, year int) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/advent-of-code/active-configs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"configs":[{"guild_id":"` + guildID + `","forum_channel_id":"forum-1","year":` + itoa(year) + `}]}`))
	})
	mux.HandleFunc("/advent-of-code/"+guildID+"/threads/", func(w http.ResponseWriter, r *http.Request) {
		day := lastPathSegment(r.URL.Path)
		f.mu.Lock()
		exists := f.posted[day]
		f.mu.Unlock()
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"thread":{}}`))
	})
	mux.HandleFunc("/advent-of-code/"+guildID+"/threads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func lastPathSegment(path string) int {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	n := 0
	for _, c := range parts[len(parts)-1] {
		n = n*10 + int(c-'0')
	}
	return n
}

func newTestScheduler(t *testing.T, apiURL string) (*Scheduler, *fakeDiscord) {
	t.Helper()
	api := apiclient.NewClient(apiURL, "token")
	api.Retry.MaxRetries = 0

	fd := &fakeDiscord{}
	discordSrv := httptest.NewServer(http.HandlerFunc(fd.handle))
	t.Cleanup(discordSrv.Close)

	discordClient := &discordrest.Client{
		Token:      "test",
		HTTP:       discordSrv.Client(),
		APIVersion: "10",
		URLHost:    strings.TrimPrefix(discordSrv.URL, "http://"),
		URLScheme:  "http",
		UserAgent:  "test",
	}

	s := New(api, discordClient, zerolog.Nop())
	require.NoError(t, s.BaseService.Initialize(context.Background()))
	return s, fd
}

type fakeDiscord struct {
	mu      sync.Mutex
	created int
}

func (f *fakeDiscord) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"id":"thread-1"}`))
}

func TestCatchUp_CreatesOnlyMissingDays(t *testing.T) {
	backend := newFakeBackend(1, 2) // days 1 and 2 already posted
	guildID := "1234567890"
	year := 2026

	apiSrv := backend.apiServer(t, guildID, year)
	s, fd := newTestScheduler(t, apiSrv.URL)

	s.catchUp(context.Background(), year, 5) // days 1..5

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, 3, fd.created) // days 3, 4, 5
}

func TestCatchUp_NoOpWhenAllDaysAlreadyPosted(t *testing.T) {
	backend := newFakeBackend(1, 2, 3)
	guildID := "1234567890"
	year := 2026

	apiSrv := backend.apiServer(t, guildID, year)
	s, fd := newTestScheduler(t, apiSrv.URL)

	s.catchUp(context.Background(), year, 3)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, 0, fd.created)
}

func TestCatchUp_SkipsConfigsFromOtherYears(t *testing.T) {
	backend := newFakeBackend()
	guildID := "1234567890"

	apiSrv := backend.apiServer(t, guildID, 2025) // config is for 2025
	s, fd := newTestScheduler(t, apiSrv.URL)

	s.catchUp(context.Background(), 2026, 3) // but we're catching up 2026

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, 0, fd.created)
}
