package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSet_ClaimIsExclusive(t *testing.T) {
	set := NewJobSet()
	assert.True(t, set.Claim("job-1"))
	assert.False(t, set.Claim("job-1"))
	assert.Equal(t, 1, set.Len())

	set.Release("job-1")
	assert.Equal(t, 0, set.Len())
	assert.True(t, set.Claim("job-1"))
}

func TestJobSet_ReleaseUnclaimedIsSafe(t *testing.T) {
	set := NewJobSet()
	assert.NotPanics(t, func() { set.Release("never-claimed") })
}

func TestJobSet_ConcurrentClaimsOnlyOneWins(t *testing.T) {
	set := NewJobSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.Claim("shared") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTruncateForDiscord_UnderLimitUnchanged(t *testing.T) {
	got := TruncateForDiscord("prefix: ", "short content")
	assert.Equal(t, "prefix: short content", got)
}

func TestTruncateForDiscord_OverLimitTruncatesWithEllipsis(t *testing.T) {
	content := strings.Repeat("a", 2100)
	got := TruncateForDiscord("PREFIX ", content)
	assert.LessOrEqual(t, len(got), 2000)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, strings.HasPrefix(got, "PREFIX "))
}

func TestCore_StartIsIdempotent(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	core := &Core{
		Name:         "test",
		PollInterval: 5 * time.Millisecond,
		CheckAndQueue: func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core.Start(ctx)
	core.Start(ctx) // no-op, must not start a second loop
	require.True(t, core.IsRunning())

	time.Sleep(30 * time.Millisecond)
	core.Stop()
	assert.False(t, core.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, calls, int32(0))
}

func TestCore_StopWaitsForLoopExit(t *testing.T) {
	core := &Core{
		Name:         "test",
		PollInterval: time.Millisecond,
		CheckAndQueue: func(ctx context.Context) error { return nil },
	}
	core.Start(context.Background())
	core.Stop()
	assert.False(t, core.IsRunning())
	// Calling Stop twice must not block or panic.
	assert.NotPanics(t, func() { core.Stop() })
}
