// Package streak computes daily-claim streak arithmetic as a pure function,
// extracted from the logic inlined in
// original_source/smarter_dev/bot/services/bytes_service.py's claim_daily
// and _calculate_multiplier. spec.md §4.6 already treats this as its own
// component (C4c), so the extraction is a direct realization rather than an
// invention.
package streak

import "time"

// DateProvider supplies the current civil date, injected so tests can pin
// it (spec §4.6).
type DateProvider interface {
	Today() time.Time
}

// SystemDateProvider returns the real current UTC date, truncated to
// midnight.
type SystemDateProvider struct{}

func (SystemDateProvider) Today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Result is the outcome of Compute.
type Result struct {
	NewStreak      int
	Multiplier     int
	AlreadyClaimed bool
}

// Compute applies the spec §3/§4.6 streak transition:
//   - lastDaily unset: new streak = 1.
//   - lastDaily == today: already claimed (caller must short-circuit).
//   - lastDaily == today-1: streak + 1.
//   - otherwise: streak resets to 1.
//
// bonuses maps a streak-day threshold to the multiplier unlocked at that
// streak; the multiplier returned is the largest threshold <= new streak,
// default 1.
func Compute(lastDaily *time.Time, today time.Time, previousStreak int, bonuses map[int]int) Result {
	today = civilDate(today)

	if lastDaily == nil {
		return Result{NewStreak: 1, Multiplier: multiplierFor(1, bonuses)}
	}

	last := civilDate(*lastDaily)
	if last.Equal(today) {
		return Result{NewStreak: previousStreak, Multiplier: multiplierFor(previousStreak, bonuses), AlreadyClaimed: true}
	}

	yesterday := today.AddDate(0, 0, -1)
	if last.Equal(yesterday) {
		newStreak := previousStreak + 1
		return Result{NewStreak: newStreak, Multiplier: multiplierFor(newStreak, bonuses)}
	}

	return Result{NewStreak: 1, Multiplier: multiplierFor(1, bonuses)}
}

func civilDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// multiplierFor returns the largest bonuses threshold <= streak, default 1,
// realizing the "iterate thresholds in descending order" helper spec §4.4
// names.
func multiplierFor(streak int, bonuses map[int]int) int {
	best := 1
	bestThreshold := -1
	for threshold, mult := range bonuses {
		if threshold <= streak && threshold > bestThreshold {
			bestThreshold = threshold
			best = mult
		}
	}
	return best
}
