// Package challenge implements the daily-coding-challenge scheduler:
// polling for upcoming challenge announcements, fanning each out to every
// active squad's announcement channel, and marking both "announced" and
// "released" once posted. Grounded on
// original_source/smarter_dev/bot/services/challenge_service.py.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/errs"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/scheduler"
	"github.com/smarter-dev/smarterbot/internal/scheduler/announce"
	"github.com/smarter-dev/smarterbot/internal/service"
	"github.com/smarter-dev/smarterbot/internal/squads"
)

// lookAheadWindow is the fine-grained scheduler window spec §4.7 names
// (45 seconds).
const lookAheadWindow = 45 * time.Second

// Scheduler is the Challenge scheduler.
type Scheduler struct {
	service.BaseService
	core   *scheduler.Core
	jobs   *scheduler.JobSet
	squads *squads.Service
	discord *discordrest.Client
}

func New(api *apiclient.Client, squadsSvc *squads.Service, discord *discordrest.Client, pollInterval time.Duration, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		BaseService: service.NewBaseService("ChallengeScheduler", api, nil, log),
		jobs:        scheduler.NewJobSet(),
		squads:      squadsSvc,
		discord:     discord,
	}
	s.core = &scheduler.Core{
		Name:         "challenge",
		Log:          log,
		PollInterval: pollInterval,
		CheckAndQueue: s.checkAndQueue,
	}
	return s
}

// Initialize starts the scheduler.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.BaseService.Initialize(ctx); err != nil {
		return err
	}
	s.core.Start(ctx)
	return nil
}

// Cleanup stops the scheduler's poll loop and waits for it to exit. Job
// goroutines already launched run on their own background context and are
// not waited for.
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
	resp, err := s.API.Get(ctx, fmt.Sprintf("/challenges/upcoming-announcements?seconds=%d", int(lookAheadWindow.Seconds())), 10*time.Second)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Challenges []rawJob `json:"challenges"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]models.ScheduledJob, len(raw.Challenges))
	for i, j := range raw.Challenges {
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

// runJob computes the delay, sleeps, executes the fan-out side effect,
// marks the job announced and released, and always releases the job id.
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
		s.Log.Error().Err(err).Str("job", job.ID).Msg("failed to list squads for challenge fan-out")
		return
	}

	if !announce.ToSquads(ctx, s.discord, activeSquads, job, announce.Buttons(job.ID), s.Log) {
		s.Log.Error().Str("job", job.ID).Msg("challenge fan-out failed on every channel")
		return
	}

	s.markAnnounced(ctx, job.ID)
	s.markReleased(ctx, job.ID)
}

func (s *Scheduler) markAnnounced(ctx context.Context, jobID string) {
	if _, err := s.API.Post(ctx, fmt.Sprintf("/challenges/%s/mark-announced", jobID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("job", jobID).Msg("failed to mark challenge announced")
	}
}

func (s *Scheduler) markReleased(ctx context.Context, jobID string) {
	if _, err := s.API.Post(ctx, fmt.Sprintf("/challenges/%s/mark-released", jobID), nil, 10*time.Second); err != nil {
		s.Log.Error().Err(err).Str("job", jobID).Msg("failed to mark challenge released")
	}
}

// AnnounceNow is the manual trigger (e.g. from an admin command) that
// immediately fans out a single job without waiting for its fire-at time,
// mirroring challenge_service.py's announce_challenge_now.
func (s *Scheduler) AnnounceNow(ctx context.Context, job models.ScheduledJob) error {
	if !s.jobs.Claim(job.ID) {
		return &errs.ServiceError{Code: errs.CodeUnclassified, Message: "challenge already queued or in flight"}
	}
	defer s.jobs.Release(job.ID)

	activeSquads, err := s.squads.ListSquads(ctx, job.GuildID, false, true)
	if err != nil {
		return err
	}
	if !announce.ToSquads(ctx, s.discord, activeSquads, job, announce.Buttons(job.ID), s.Log) {
		return &errs.ServiceError{Code: errs.CodeUnclassified, Message: "manual announce failed on every channel"}
	}
	s.markAnnounced(ctx, job.ID)
	s.markReleased(ctx, job.ID)
	return nil
}
