// Package scheduler holds the shared poll-loop core and send/pin retry
// helpers every concrete scheduler (challenge, quest, scheduledmessage,
// repeatingmessage, adventofcode) builds on. Grounded on the common shape
// repeated across original_source/smarter_dev/bot/services/
// challenge_service.py, scheduled_message_service.py,
// repeating_message_service.py and advent_of_code_service.py.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/discordrest"
)

// JobSet is a concurrent set of in-flight job ids, owned by a single
// scheduler instance. Per spec §9 it is a mutex-guarded map rather than a
// shared global, mutated only by that scheduler's own goroutines.
type JobSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
}

func NewJobSet() *JobSet {
	return &JobSet{ids: make(map[string]struct{})}
}

// Claim adds id to the set and reports whether it was newly added (false
// means the job is already in flight and must be skipped).
func (j *JobSet) Claim(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.ids[id]; exists {
		return false
	}
	j.ids[id] = struct{}{}
	return true
}

// Release removes id from the set; safe to call even if never claimed.
func (j *JobSet) Release(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.ids, id)
}

func (j *JobSet) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ids)
}

// Core runs the shared poll loop:
//
//	while running:
//	    try: checkAndQueue()
//	    catch cancel: break
//	    catch other e: log
//	    sleep(pollInterval)  // or a custom wait computed by waitFn
//
// waitFn, when non-nil, replaces the fixed pollInterval sleep (used by
// AdventOfCode's midnight-aligned wait and RepeatingMessage's minute-
// boundary wait).
type Core struct {
	Name          string
	Log           zerolog.Logger
	PollInterval  time.Duration
	CheckAndQueue func(ctx context.Context) error
	WaitFn        func(ctx context.Context) time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	running bool
}

// Start launches the poll loop goroutine. Safe to call once; a second call
// while already running is a no-op, matching the original's
// `if self._running: return` guard.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(loopCtx)
}

// Stop cancels the main loop and waits for it to return, mirroring the
// original's `task.cancel(); await task` cleanup.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Core) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Core) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.CheckAndQueue(ctx); err != nil {
			c.Log.Error().Err(err).Str("scheduler", c.Name).Msg("error in scheduler loop")
		}

		wait := c.PollInterval
		if c.WaitFn != nil {
			wait = c.WaitFn(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// SendWithRetry sends content to channelID, classifying errors as terminal
// (channel not found / no permission: skip without further retry) or
// transient (retry with 1.5 * 2^n second backoff up to maxRetries), per
// spec §4.7's per-channel send retry rule.
func SendWithRetry(ctx context.Context, client *discordrest.Client, channelID, content string, components []discordrest.Component, roleMentions bool, maxRetries int, log zerolog.Logger) (*discordrest.Message, bool) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg, err := client.CreateMessage(ctx, channelID, content, components, roleMentions)
		if err == nil {
			return msg, true
		}

		if discordrest.IsTerminal(err) {
			log.Error().Err(err).Str("channel", channelID).Msg("terminal error sending message, skipping channel")
			return nil, false
		}

		if attempt < maxRetries {
			wait := time.Duration(1.5*float64(uint(1)<<uint(attempt))) * time.Second
			log.Warn().Err(err).Str("channel", channelID).Dur("retry_in", wait).Msg("transient error sending message, retrying")
			select {
			case <-ctx.Done():
				return nil, false
			case <-time.After(wait):
			}
		} else {
			log.Error().Err(err).Str("channel", channelID).Msg("giving up sending message after retries")
		}
	}
	return nil, false
}

// PinWithRetry pins messageID with its own retry policy (up to 3 retries
// after the first attempt, waiting 2s/4s/8s). NotFoundError, ForbiddenError
// and RateLimitTooLongError are terminal.
func PinWithRetry(ctx context.Context, client *discordrest.Client, channelID, messageID string, log zerolog.Logger) {
	const maxRetries = 3
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := client.PinMessage(ctx, channelID, messageID)
		if err == nil {
			return
		}

		if discordrest.IsTerminal(err) {
			log.Error().Err(err).Str("channel", channelID).Msg("terminal error pinning message, giving up")
			return
		}

		if attempt < maxRetries {
			wait := time.Duration(2*(1<<uint(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else {
			log.Error().Err(err).Str("channel", channelID).Msg("giving up pinning message after retries")
		}
	}
}

// TruncateForDiscord truncates content so that prefixLen + len(content) does
// not exceed Discord's 2000-character message limit, suffixing "..." when
// truncated.
func TruncateForDiscord(prefix, content string) string {
	const limit = 2000
	full := prefix + content
	if len(full) <= limit {
		return full
	}
	budget := limit - len(prefix) - 3
	if budget < 0 {
		budget = 0
	}
	truncated := content
	if budget < len(truncated) {
		truncated = strings.TrimSpace(content[:budget]) + "..."
	}
	return prefix + truncated
}
