// Package repeatingmessage implements the RepeatingMessage scheduler:
// minute-boundary-aligned polling, synchronous per-poll processing (to
// avoid the races a per-job goroutine would introduce across restarts), no
// pinning, and "most recent due message per series" catch-up dedup.
// Grounded on
// original_source/smarter_dev/bot/services/repeating_message_service.py.
package repeatingmessage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/scheduler"
	"github.com/smarter-dev/smarterbot/internal/service"
)

const maxRetries = 3

type Scheduler struct {
	service.BaseService
	core       *scheduler.Core
	processing *scheduler.JobSet
	discord    *discordrest.Client
}

func New(api *apiclient.Client, discord *discordrest.Client, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		BaseService: service.NewBaseService("RepeatingMessageScheduler", api, nil, log),
		processing:  scheduler.NewJobSet(),
		discord:     discord,
	}
	s.core = &scheduler.Core{
		Name:          "repeatingmessage",
		Log:           log,
		CheckAndQueue: s.checkAndSendDue,
		WaitFn:        waitUntilNextMinute,
	}
	return s
}

func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.BaseService.Initialize(ctx); err != nil {
		return err
	}
	s.core.Start(ctx)
	return nil
}

func (s *Scheduler) Cleanup(ctx context.Context) error {
	s.core.Stop()
	return s.BaseService.Cleanup(ctx)
}

// waitUntilNextMinute waits until the next minute boundary (xx:xx:00) plus a
// 100ms buffer to ensure we're past it.
func waitUntilNextMinute(ctx context.Context) time.Duration {
	now := time.Now().UTC()
	secondsUntilNext := 60 - now.Second() - now.Nanosecond()/1_000_000_000
	wait := time.Duration(secondsUntilNext)*time.Second - time.Duration(now.Nanosecond())*time.Nanosecond
	if wait < 0 {
		wait = 0
	}
	return wait + 100*time.Millisecond
}

func (s *Scheduler) checkAndSendDue(ctx context.Context) error {
	due, err := s.fetchDue(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// Process only the most recent due message per series: within a single
	// poll, skip any id already processed this poll or still in flight.
	processedThisPoll := make(map[string]bool)

	for _, msg := range due {
		if processedThisPoll[msg.ID] || !s.processing.Claim(msg.ID) {
			continue
		}
		processedThisPoll[msg.ID] = true

		// Processed synchronously to avoid races, per the original.
		s.processOne(ctx, msg)
		s.processing.Release(msg.ID)
	}
	return nil
}

func (s *Scheduler) fetchDue(ctx context.Context) ([]models.ScheduledJob, error) {
	resp, err := s.API.Get(ctx, "/repeating-messages/due", 10*time.Second)
	if err != nil {
		return nil, err
	}

	var raw struct {
		RepeatingMessages []rawMessage `json:"repeating_messages"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]models.ScheduledJob, len(raw.RepeatingMessages))
	for i, m := range raw.RepeatingMessages {
		out[i] = m.toModel()
	}
	return out, nil
}

type rawMessage struct {
	ID             string `json:"id"`
	ChannelID      string `json:"channel_id"`
	GuildID        string `json:"guild_id"`
	MessageContent string `json:"message_content"`
}

func (r rawMessage) toModel() models.ScheduledJob {
	return models.ScheduledJob{ID: r.ID, GuildID: r.GuildID, Channels: []string{r.ChannelID}, Description: r.MessageContent}
}

func (s *Scheduler) processOne(ctx context.Context, msg models.ScheduledJob) {
	if len(msg.Channels) == 0 || msg.Description == "" {
		s.Log.Warn().Str("message", msg.ID).Msg("repeating message missing required fields")
		return
	}

	channelID := msg.Channels[0]
	if _, ok := scheduler.SendWithRetry(ctx, s.discord, channelID, msg.Description, nil, true, maxRetries, s.Log); !ok {
		s.Log.Error().Str("message", msg.ID).Msg("failed to send repeating message")
		return
	}

	if _, err := s.API.Post(ctx, fmt.Sprintf("/repeating-messages/%s/mark-sent", msg.ID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("message", msg.ID).Msg("failed to mark repeating message sent")
	}
}
