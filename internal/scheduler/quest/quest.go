// Package quest implements the quest-announcement scheduler, grounded on
// original_source/smarter_dev/bot/services/quests_service.py. It shares the
// squad-fan-out-with-buttons core in internal/scheduler/announce with the
// challenge scheduler and differs only in endpoint paths, button customIds
// (announce.QuestButtons), and terminal mark call (mark-active instead of
// mark-released), per spec §9: "Challenge vs Quest services...
// implementers should not duplicate".
package quest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/scheduler"
	"github.com/smarter-dev/smarterbot/internal/scheduler/announce"
	"github.com/smarter-dev/smarterbot/internal/service"
	"github.com/smarter-dev/smarterbot/internal/squads"
)

const lookAheadWindow = 45 * time.Second

// Scheduler is the Quest scheduler.
type Scheduler struct {
	service.BaseService
	core    *scheduler.Core
	jobs    *scheduler.JobSet
	squads  *squads.Service
	discord *discordrest.Client
}

func New(api *apiclient.Client, squadsSvc *squads.Service, discord *discordrest.Client, pollInterval time.Duration, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		BaseService: service.NewBaseService("QuestScheduler", api, nil, log),
		jobs:        scheduler.NewJobSet(),
		squads:      squadsSvc,
		discord:     discord,
	}
	s.core = &scheduler.Core{
		Name:          "quest",
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
	resp, err := s.API.Get(ctx, fmt.Sprintf("/quests/upcoming-announcements?seconds=%d", int(lookAheadWindow.Seconds())), 10*time.Second)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Quests []rawJob `json:"quests"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]models.ScheduledJob, len(raw.Quests))
	for i, j := range raw.Quests {
		out[i] = j.toModel()
	}
	return out, nil
}

type rawJob struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FireAt      string `json:"fire_at"`
}

func (r rawJob) toModel() models.ScheduledJob {
	fireAt, _ := time.Parse(time.RFC3339, r.FireAt)
	return models.ScheduledJob{ID: r.ID, GuildID: r.GuildID, Title: r.Title, Description: r.Description, FireAt: fireAt}
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

	activeSquads, err := s.squads.ListSquads(ctx, job.GuildID, false, true)
	if err != nil {
		s.Log.Error().Err(err).Str("job", job.ID).Msg("failed to list squads for quest fan-out")
		return
	}

	if !announce.ToSquads(ctx, s.discord, activeSquads, job, announce.QuestButtons(job.ID), s.Log) {
		s.Log.Error().Str("job", job.ID).Msg("quest fan-out failed on every channel")
		return
	}

	s.markAnnounced(ctx, job.ID)
	s.markActive(ctx, job.ID)
}

func (s *Scheduler) markAnnounced(ctx context.Context, jobID string) {
	if _, err := s.API.Post(ctx, fmt.Sprintf("/quests/%s/mark-announced", jobID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("job", jobID).Msg("failed to mark quest announced")
	}
}

func (s *Scheduler) markActive(ctx context.Context, jobID string) {
	if _, err := s.API.Post(ctx, fmt.Sprintf("/quests/%s/mark-active", jobID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("job", jobID).Msg("failed to mark quest active")
	}
}
