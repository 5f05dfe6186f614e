// Package scheduledmessage implements the ScheduledMessage scheduler: squad
// fan-out (role mention + h1 title, no buttons) plus an optional separate
// send to explicit announcement channels, with pin-on-send support.
// Grounded on
// original_source/smarter_dev/bot/services/scheduled_message_service.py.
package scheduledmessage

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
	"github.com/smarter-dev/smarterbot/internal/squads"
)

const (
	lookAheadWindow = 45 * time.Second
	maxRetries      = 3
)

type Scheduler struct {
	service.BaseService
	core    *scheduler.Core
	jobs    *scheduler.JobSet
	squads  *squads.Service
	discord *discordrest.Client
}

func New(api *apiclient.Client, squadsSvc *squads.Service, discord *discordrest.Client, pollInterval time.Duration, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		BaseService: service.NewBaseService("ScheduledMessageScheduler", api, nil, log),
		jobs:        scheduler.NewJobSet(),
		squads:      squadsSvc,
		discord:     discord,
	}
	s.core = &scheduler.Core{
		Name:          "scheduledmessage",
		Log:           log,
		PollInterval:  pollInterval,
		CheckAndQueue: s.checkAndQueue,
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

func (s *Scheduler) checkAndQueue(ctx context.Context) error {
	jobs, err := s.fetchUpcoming(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !s.jobs.Claim(job.ID) {
			continue
		}
		go s.runJob(context.Background(), job)
	}
	return nil
}

func (s *Scheduler) fetchUpcoming(ctx context.Context) ([]models.ScheduledJob, error) {
	resp, err := s.API.Get(ctx, fmt.Sprintf("/scheduled-messages/upcoming?seconds=%d", int(lookAheadWindow.Seconds())), 10*time.Second)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Messages []rawJob `json:"messages"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]models.ScheduledJob, len(raw.Messages))
	for i, j := range raw.Messages {
		out[i] = j.toModel()
	}
	return out, nil
}

type rawJob struct {
	ID                         string   `json:"id"`
	GuildID                    string   `json:"guild_id"`
	Title                      string   `json:"title"`
	Description                string   `json:"description"`
	FireAt                     string   `json:"fire_at"`
	AnnouncementChannels       []string `json:"announcement_channels"`
	AnnouncementChannelMessage string   `json:"announcement_channel_message"`
	ShouldPin                  bool     `json:"should_pin"`
}

func (r rawJob) toModel() models.ScheduledJob {
	fireAt, _ := time.Parse(time.RFC3339, r.FireAt)
	return models.ScheduledJob{
		ID: r.ID, GuildID: r.GuildID, Title: r.Title, Description: r.Description, FireAt: fireAt,
		AnnouncementChannels: r.AnnouncementChannels, AnnouncementChannelMessage: r.AnnouncementChannelMessage,
		ShouldPin: r.ShouldPin,
	}
}

func (s *Scheduler) runJob(ctx context.Context, job models.ScheduledJob) {
	defer s.jobs.Release(job.ID)

	delay := time.Until(job.FireAt)
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	anySucceeded := s.sendToSquads(ctx, job)
	if s.sendToAnnouncementChannels(ctx, job) {
		anySucceeded = true
	}

	if !anySucceeded {
		s.Log.Error().Str("job", job.ID).Msg("scheduled message failed on every channel")
		return
	}

	if _, err := s.API.Post(ctx, fmt.Sprintf("/scheduled-messages/%s/mark-sent", job.ID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("job", job.ID).Msg("failed to mark scheduled message sent")
	}
}

// sendToSquads is the squad variant: fan out to every active squad's
// announcement channel with a role mention and h1 title, no buttons.
func (s *Scheduler) sendToSquads(ctx context.Context, job models.ScheduledJob) bool {
	activeSquads, err := s.squads.ListSquads(ctx, job.GuildID, false, true)
	if err != nil {
		s.Log.Error().Err(err).Str("job", job.ID).Msg("failed to list squads for scheduled message fan-out")
		return false
	}

	anySucceeded := false
	for _, squad := range activeSquads {
		if !squad.IsActive || squad.AnnouncementChannelID == "" {
			continue
		}
		prefix := fmt.Sprintf("<@&%s>\n\n# %s\n\n", squad.RoleID, job.Title)
		content := scheduler.TruncateForDiscord(prefix, job.Description)

		msg, ok := scheduler.SendWithRetry(ctx, s.discord, squad.AnnouncementChannelID, content, nil, true, maxRetries, s.Log)
		if !ok {
			continue
		}
		anySucceeded = true
		if job.ShouldPin {
			scheduler.PinWithRetry(ctx, s.discord, squad.AnnouncementChannelID, msg.ID, s.Log)
		}
	}
	return anySucceeded
}

// sendToAnnouncementChannels is the announcement variant: send a possibly-
// different announcementChannelMessage (falling back to the primary
// description) to the job's explicit announcementChannels, without a role
// mention.
func (s *Scheduler) sendToAnnouncementChannels(ctx context.Context, job models.ScheduledJob) bool {
	if len(job.AnnouncementChannels) == 0 {
		return false
	}

	body := job.AnnouncementChannelMessage
	if body == "" {
		body = job.Description
	}
	content := scheduler.TruncateForDiscord("", body)

	anySucceeded := false
	for _, channelID := range job.AnnouncementChannels {
		msg, ok := scheduler.SendWithRetry(ctx, s.discord, channelID, content, nil, false, maxRetries, s.Log)
		if !ok {
			continue
		}
		anySucceeded = true
		if job.ShouldPin {
			scheduler.PinWithRetry(ctx, s.discord, channelID, msg.ID, s.Log)
		}
	}
	return anySucceeded
}
