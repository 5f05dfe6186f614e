// Package announce is the shared squad-fan-out-with-buttons core extracted
// from original_source/smarter_dev/bot/services/challenge_service.py and
// quests_service.py, used by both the challenge and quest schedulers (spec
// §9: "Challenge vs Quest services... implementers should not duplicate").
package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/scheduler"
)

const (
	maxRetries     = 3
	coolOffRetries = 5
	coolOffWait    = 30 * time.Second
)

// Buttons builds the Get-Input / Submit-Solution action-row buttons
// challenge_service.py's _send_challenge_message attaches, customId-encoded
// with the job id.
func Buttons(jobID string) []discordrest.Component {
	return []discordrest.Component{{
		Type: 1, // action row
		Components: []discordrest.Component{
			{Type: 2, Style: 1, Label: "Get Input", CustomID: "get_input:" + jobID},
			{Type: 2, Style: 3, Label: "Submit Solution", CustomID: "submit_solution:" + jobID},
		},
	}}
}

// QuestButtons builds quests_service.py's _send_quest_message button set:
// same action-row shape as Buttons but its own customId namespace
// (get_daily_quest_input:/submit_daily_quest:) and label.
func QuestButtons(jobID string) []discordrest.Component {
	return []discordrest.Component{{
		Type: 1,
		Components: []discordrest.Component{
			{Type: 2, Style: 1, Label: "Get Input", CustomID: "get_daily_quest_input:" + jobID},
			{Type: 2, Style: 3, Label: "Submit", CustomID: "submit_daily_quest:" + jobID},
		},
	}}
}

// ToSquads fans job out to every active squad's announcement channel,
// prepending a role mention and an h1 markdown title, with buttons
// attached, pinning each message it successfully sends
// (challenge_service.py's _send_challenge_message /
// quests_service.py's _send_quest_message both pin via
// _pin_message_with_retry immediately after create_message). Channels that
// fail their first pass are retried once more after a 30-second cool-off
// with an extended retry budget, mirroring _announce_challenge's
// failed_channels / 30s sleep / max_retries=5 retry pass. It returns true
// if at least one channel succeeded (the job should be marked done iff any
// channel succeeded, per spec §7).
func ToSquads(ctx context.Context, client *discordrest.Client, squads []models.Squad, job models.ScheduledJob, buttons []discordrest.Component, log zerolog.Logger) bool {
	anySucceeded := false
	var failed []models.Squad

	for _, squad := range squads {
		if !squad.IsActive || squad.AnnouncementChannelID == "" {
			continue
		}
		if sendAndPin(ctx, client, squad, job, buttons, maxRetries, log) {
			anySucceeded = true
		} else {
			failed = append(failed, squad)
		}
	}

	if len(failed) > 0 {
		log.Warn().Int("count", len(failed)).Str("job", job.ID).Msg("retrying failed announcement channels after cool-off")
		select {
		case <-ctx.Done():
			return anySucceeded
		case <-time.After(coolOffWait):
		}
		for _, squad := range failed {
			if sendAndPin(ctx, client, squad, job, buttons, coolOffRetries, log) {
				anySucceeded = true
			}
		}
	}

	return anySucceeded
}

// sendAndPin sends job's announcement to a single squad's channel and,
// once sent, pins it.
func sendAndPin(ctx context.Context, client *discordrest.Client, squad models.Squad, job models.ScheduledJob, buttons []discordrest.Component, retries int, log zerolog.Logger) bool {
	prefix := fmt.Sprintf("<@&%s>\n\n# %s\n\n", squad.RoleID, job.Title)
	content := scheduler.TruncateForDiscord(prefix, job.Description)

	msg, ok := scheduler.SendWithRetry(ctx, client, squad.AnnouncementChannelID, content, buttons, true, retries, log)
	if !ok {
		return false
	}
	scheduler.PinWithRetry(ctx, client, squad.AnnouncementChannelID, msg.ID, log)
	return true
}
