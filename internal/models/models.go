// Package models holds the plain data shapes shared by the service layer.
// Field shapes mirror the construction call sites in the original Python
// services (bytes_service.py, squads_service.py), whose own models.py was
// not part of the retrieval pack.
package models

import "time"

// Balance is a per-(guild, user) ledger snapshot.
type Balance struct {
	GuildID       string
	UserID        string
	Balance       int
	TotalReceived int
	TotalSent     int
	StreakCount   int
	LastDaily     *time.Time // civil date, truncated to midnight UTC
	CreatedAt     *time.Time
	UpdatedAt     *time.Time
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID              string
	GuildID         string
	GiverID         string
	GiverUsername   string
	ReceiverID      string
	ReceiverUsername string
	Amount          int
	Reason          string
	CreatedAt       time.Time
}

// GuildConfig holds per-guild economy knobs.
type GuildConfig struct {
	GuildID               string
	StartingBalance       int
	DailyAmount           int
	MaxTransfer           int
	TransferCooldownHours int
	StreakBonuses         map[int]int // streak-day threshold -> multiplier
}

// Squad is a named grouping of users tied to a Discord role.
type Squad struct {
	ID                    string
	GuildID               string
	RoleID                string
	Name                  string
	Description           string
	SwitchCost            int
	JoinCost              int
	MaxMembers            int
	MemberCount           int
	IsActive              bool
	IsDefault             bool
	JoinSaleDiscountPct   int // 0 when no sale is active
	SwitchSaleDiscountPct int
	AnnouncementChannelID string // where Challenge/Quest/ScheduledMessage squad fan-out posts
}

// SquadMembership links a (guild, user) to the squad they belong to.
type SquadMembership struct {
	GuildID    string
	UserID     string
	SquadID    string
	JoinedAt   time.Time
}

// UserSquadResponse is the result of looking up a user's current squad.
// Squad is nil when the user belongs to none.
type UserSquadResponse struct {
	UserID     string
	Squad      *Squad
	MemberSince *time.Time
}

// SquadMember is one entry in a squad roster listing.
type SquadMember struct {
	UserID   string
	Username string
	JoinedAt time.Time
}

// LeaderboardEntry is one ranked row of a guild's bytes leaderboard.
type LeaderboardEntry struct {
	Rank          int
	UserID        string
	Balance       int
	TotalReceived int
	StreakCount   int
}

// DailyClaimResult is the outcome of a successful claimDaily call.
type DailyClaimResult struct {
	Balance              Balance
	RewardAmount         int
	NewStreak            int
	Multiplier            int
	NextClaimAt          time.Time
	DefaultSquadAssigned *string
}

// FailureKind distinguishes the ways a TransferBytes/JoinSquad attempt can
// fail, realizing spec §9's "re-express exception-driven control flow as a
// sum type" design note.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureValidation
	FailureInsufficientBalance
	FailureCooldown
	FailureUnknown
)

// TransferResult is the sum-type result of TransferBytes.
type TransferResult struct {
	Success              bool
	Transaction          *Transaction
	NewGiverBalance      int
	Reason               string
	FailureKind          FailureKind
	IsCooldownError      bool
	CooldownEndTimestamp *int64
}

// JoinSquadResult is the sum-type result of JoinSquad.
type JoinSquadResult struct {
	Success         bool
	Squad           *Squad
	Reason          string
	Cost            int
	FailureKind     FailureKind
	NewBalance      int
}

// ServiceHealth is returned by every service's HealthCheck.
type ServiceHealth struct {
	ServiceName    string
	IsHealthy      bool
	ResponseTimeMs float64
	Details        map[string]interface{}
}

// ScheduledJob is the generic shape shared by Challenge/Quest/
// ScheduledMessage/RepeatingMessage/AoCThread jobs returned by the "due" /
// "upcoming" API endpoints.
type ScheduledJob struct {
	ID               string
	GuildID          string
	Title            string
	Description      string
	FireAt           time.Time
	Channels         []string
	AnnouncementChannels []string
	AnnouncementChannelMessage string
	IsAnnounced      bool
	IsReleased       bool
	ShouldPin        bool
}
