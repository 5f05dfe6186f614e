// Package bytes implements the per-guild virtual-currency economy service:
// balances, daily claims with streak multipliers, peer transfers, leader-
// boards and transaction history. Grounded in full on
// original_source/smarter_dev/bot/services/bytes_service.py.
package bytes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/cache"
	"github.com/smarter-dev/smarterbot/internal/errs"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/service"
	"github.com/smarter-dev/smarterbot/internal/streak"
)

const (
	cacheTTLBalance     = 5 * time.Minute
	cacheTTLConfig      = 10 * time.Minute
	cacheTTLLeaderboard = 1 * time.Minute
	cacheTTLTxHistory   = 2 * time.Minute

	maxTransferAmount = 10_000
)

// User is the tiny interface the transfer path accepts instead of a
// concrete Discord user struct, per spec §9 "Polymorphic User objects".
type User interface {
	ID() string
	DisplayName() string
}

// Service is the bytes economy service (C4a).
type Service struct {
	service.BaseService
	dateProvider streak.DateProvider
}

// New constructs a bytes Service.
func New(api *apiclient.Client, c *cache.Cache, log zerolog.Logger) *Service {
	return &Service{
		BaseService:  service.NewBaseService("BytesService", api, c, log),
		dateProvider: streak.SystemDateProvider{},
	}
}

// validateDiscordID checks that id is a nonempty digit string of length
// 10-100 and free of SQL-like/injection substrings, per spec §4.4.
func validateDiscordID(field, id string) error {
	if id == "" {
		return &errs.ValidationError{Field: field, Message: "must not be empty"}
	}
	if len(id) < 10 || len(id) > 100 {
		return &errs.ValidationError{Field: field, Message: "must be between 10 and 100 characters"}
	}
	for _, r := range id {
		if !unicode.IsDigit(r) {
			return &errs.ValidationError{Field: field, Message: "must contain only digits"}
		}
	}
	lower := strings.ToLower(id)
	for _, s := range []string{"select ", "drop ", "--", ";", "union ", "' or "} {
		if strings.Contains(lower, s) {
			return &errs.ValidationError{Field: field, Message: "contains disallowed characters"}
		}
	}
	return nil
}

func balanceCacheKey(s *Service, guildID, userID string) string {
	return s.BuildCacheKey("balance", guildID, userID)
}

// GetBalance fetches a user's balance, consulting the cache first when
// useCache is true.
func (s *Service) GetBalance(ctx context.Context, guildID, userID string, useCache bool) (*models.Balance, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}
	if err := validateDiscordID("guildId", guildID); err != nil {
		return nil, err
	}
	if err := validateDiscordID("userId", userID); err != nil {
		return nil, err
	}

	key := balanceCacheKey(s, guildID, userID)
	if useCache {
		var cached models.Balance
		if s.GetCached(ctx, key, &cached) {
			return &cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/bytes/balance/%s", guildID, userID), 10*time.Second)
	if err != nil {
		var apiErr *errs.APIError
		if ae, ok := err.(*errs.APIError); ok {
			apiErr = ae
		}
		if apiErr != nil && apiErr.StatusCode == 404 {
			return nil, &errs.ResourceNotFoundError{ResourceType: "user_balance", ID: guildID + ":" + userID}
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw rawBalance
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}
	balance := raw.toModel(guildID, userID)

	if useCache {
		s.SetCached(ctx, key, balance, cacheTTLBalance)
	}

	return balance, nil
}

type rawBalance struct {
	Balance       int    `json:"balance"`
	TotalReceived int    `json:"total_received"`
	TotalSent     int    `json:"total_sent"`
	StreakCount   int    `json:"streak_count"`
	LastDaily     string `json:"last_daily"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (r rawBalance) toModel(guildID, userID string) *models.Balance {
	b := &models.Balance{
		GuildID:       guildID,
		UserID:        userID,
		Balance:       r.Balance,
		TotalReceived: r.TotalReceived,
		TotalSent:     r.TotalSent,
		StreakCount:   r.StreakCount,
	}
	if t, err := time.Parse("2006-01-02", r.LastDaily); err == nil {
		b.LastDaily = &t
	}
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		b.CreatedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
		b.UpdatedAt = &t
	}
	return b
}

// ClaimDaily processes a daily reward claim. Any 409 on the endpoint is
// treated as AlreadyClaimedError, per spec §9's resolution of that open
// question.
func (s *Service) ClaimDaily(ctx context.Context, guildID, userID, username string) (*models.DailyClaimResult, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}
	if err := validateDiscordID("guildId", guildID); err != nil {
		return nil, err
	}
	if err := validateDiscordID("userId", userID); err != nil {
		return nil, err
	}

	resp, err := s.API.Post(ctx, fmt.Sprintf("/guilds/%s/bytes/daily", guildID), map[string]string{
		"userId": userID, "username": username,
	}, 15*time.Second)
	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok {
			if apiErr.StatusCode == 409 || strings.Contains(strings.ToLower(apiErr.Body), "already been claimed") {
				return nil, &errs.AlreadyClaimedError{}
			}
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Balance      rawBalance `json:"balance"`
		RewardAmount int        `json:"reward_amount"`
		NewStreak    int        `json:"new_streak"`
		Multiplier   int        `json:"multiplier"`
		NextClaimAt  string     `json:"next_claim_at"`
		DefaultSquad *string    `json:"default_squad_assigned"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	nextClaim, _ := time.Parse(time.RFC3339, raw.NextClaimAt)

	result := &models.DailyClaimResult{
		Balance:              *raw.Balance.toModel(guildID, userID),
		RewardAmount:         raw.RewardAmount,
		NewStreak:            raw.NewStreak,
		Multiplier:           raw.Multiplier,
		NextClaimAt:          nextClaim,
		DefaultSquadAssigned: raw.DefaultSquad,
	}

	// Side effect: invalidate the user's balance cache and the guild's
	// leaderboard cache.
	s.Invalidate(ctx, balanceCacheKey(s, guildID, userID))
	s.InvalidatePattern(ctx, s.BuildCacheKey("leaderboard", guildID, "*"))

	return result, nil
}

// TransferBytes transfers amount bytes from giver to receiver. Preconditions
// are checked in order and each failure short-circuits: self-transfer and
// out-of-range amounts return a failed TransferResult with its FailureKind,
// while a giver balance below amount returns an InsufficientBalanceError.
func (s *Service) TransferBytes(ctx context.Context, guildID string, giver, receiver User, amount int, reason string) (*models.TransferResult, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	if giver.ID() == receiver.ID() {
		return &models.TransferResult{Success: false, Reason: "can't send to yourself", FailureKind: models.FailureValidation}, nil
	}

	if amount <= 0 || amount > maxTransferAmount {
		return &models.TransferResult{
			Success:     false,
			Reason:      fmt.Sprintf("amount must be between 1 and %d", maxTransferAmount),
			FailureKind: models.FailureValidation,
		}, nil
	}

	giverBalance, err := s.GetBalance(ctx, guildID, giver.ID(), false)
	if err != nil {
		return nil, err
	}
	if giverBalance.Balance < amount {
		return nil, &errs.InsufficientBalanceError{Required: amount, Available: giverBalance.Balance, Operation: "transfer"}
	}

	if len(reason) > 200 {
		reason = reason[:200]
	}

	resp, err := s.API.Post(ctx, fmt.Sprintf("/guilds/%s/bytes/transactions", guildID), map[string]interface{}{
		"giverId":           giver.ID(),
		"giverUsername":     giver.DisplayName(),
		"receiverId":        receiver.ID(),
		"receiverUsername":  receiver.DisplayName(),
		"amount":            amount,
		"reason":            reason,
	}, 15*time.Second)

	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok {
			lower := strings.ToLower(apiErr.Body)
			switch {
			case strings.Contains(lower, "insufficient balance"):
				return nil, &errs.InsufficientBalanceError{Required: amount, Available: giverBalance.Balance, Operation: "transfer"}
			case strings.Contains(lower, "exceeds maximum limit"):
				return &models.TransferResult{Success: false, Reason: apiErr.Body, FailureKind: models.FailureValidation}, nil
			case strings.Contains(lower, "cooldown active"):
				reasonMsg, endTs := parseCooldownMessage(apiErr.Body)
				return &models.TransferResult{
					Success:              false,
					Reason:               reasonMsg,
					FailureKind:          models.FailureCooldown,
					IsCooldownError:      true,
					CooldownEndTimestamp: endTs,
				}, nil
			}
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Transaction struct {
			ID        string `json:"id"`
			Amount    int    `json:"amount"`
			Reason    string `json:"reason"`
			CreatedAt string `json:"created_at"`
		} `json:"transaction"`
		NewGiverBalance int `json:"new_giver_balance"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	createdAt, _ := time.Parse(time.RFC3339, raw.Transaction.CreatedAt)
	txn := &models.Transaction{
		ID:                raw.Transaction.ID,
		GuildID:           guildID,
		GiverID:           giver.ID(),
		GiverUsername:     giver.DisplayName(),
		ReceiverID:        receiver.ID(),
		ReceiverUsername:  receiver.DisplayName(),
		Amount:            raw.Transaction.Amount,
		Reason:            raw.Transaction.Reason,
		CreatedAt:         createdAt,
	}

	// On success: invalidate giver and receiver balance caches, leaderboard
	// cache, and transaction-history cache.
	s.Invalidate(ctx, balanceCacheKey(s, guildID, giver.ID()))
	s.Invalidate(ctx, balanceCacheKey(s, guildID, receiver.ID()))
	s.InvalidatePattern(ctx, s.BuildCacheKey("leaderboard", guildID, "*"))
	s.InvalidatePattern(ctx, s.BuildCacheKey("tx_history", guildID, "*"))

	return &models.TransferResult{
		Success:         true,
		Transaction:     txn,
		NewGiverBalance: raw.NewGiverBalance,
	}, nil
}

// parseCooldownMessage is the single consolidated cooldown parser spec §9
// mandates, replacing the original's three near-identical code paths:
// split on the final '|', parse the right side as an integer unix
// timestamp; on any failure keep the original message and leave the
// timestamp unset.
func parseCooldownMessage(msg string) (reason string, endUnix *int64) {
	idx := strings.LastIndex(msg, "|")
	if idx < 0 {
		return msg, nil
	}
	left := msg[:idx]
	right := msg[idx+1:]
	n, err := strconv.ParseInt(strings.TrimSpace(right), 10, 64)
	if err != nil {
		return msg, nil
	}
	return left, &n
}

// GetConfig fetches a guild's economy configuration.
func (s *Service) GetConfig(ctx context.Context, guildID string, useCache bool) (*models.GuildConfig, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}
	if err := validateDiscordID("guildId", guildID); err != nil {
		return nil, err
	}

	key := s.BuildCacheKey("config", guildID)
	if useCache {
		var cached models.GuildConfig
		if s.GetCached(ctx, key, &cached) {
			return &cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/bytes/config", guildID), 10*time.Second)
	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok && apiErr.StatusCode == 404 {
			return nil, &errs.ResourceNotFoundError{ResourceType: "guild_config", ID: guildID}
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		StartingBalance       int         `json:"starting_balance"`
		DailyAmount           int         `json:"daily_amount"`
		MaxTransfer           int         `json:"max_transfer"`
		TransferCooldownHours int         `json:"transfer_cooldown_hours"`
		StreakBonuses         map[string]int `json:"streak_bonuses"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	bonuses := make(map[int]int, len(raw.StreakBonuses))
	for k, v := range raw.StreakBonuses {
		if n, err := strconv.Atoi(k); err == nil {
			bonuses[n] = v
		}
	}

	cfg := &models.GuildConfig{
		GuildID:               guildID,
		StartingBalance:       raw.StartingBalance,
		DailyAmount:           raw.DailyAmount,
		MaxTransfer:           raw.MaxTransfer,
		TransferCooldownHours: raw.TransferCooldownHours,
		StreakBonuses:         bonuses,
	}

	if useCache {
		s.SetCached(ctx, key, cfg, cacheTTLConfig)
	}
	return cfg, nil
}

// GetLeaderboard returns the top `limit` balances for a guild, ranked
// descending. limit must be in [1, 100].
func (s *Service) GetLeaderboard(ctx context.Context, guildID string, limit int, useCache bool) ([]models.LeaderboardEntry, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 100 {
		return nil, &errs.ValidationError{Field: "limit", Message: "must be between 1 and 100"}
	}

	key := s.BuildCacheKey("leaderboard", guildID, strconv.Itoa(limit))
	if useCache {
		var cached []models.LeaderboardEntry
		if s.GetCached(ctx, key, &cached) {
			return cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/bytes/leaderboard?limit=%d", guildID, limit), 10*time.Second)
	if err != nil {
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Entries []struct {
			UserID        string `json:"user_id"`
			Balance       int    `json:"balance"`
			TotalReceived int    `json:"total_received"`
			StreakCount   int    `json:"streak_count"`
		} `json:"entries"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	entries := make([]models.LeaderboardEntry, len(raw.Entries))
	for i, e := range raw.Entries {
		entries[i] = models.LeaderboardEntry{
			Rank: i + 1, UserID: e.UserID, Balance: e.Balance,
			TotalReceived: e.TotalReceived, StreakCount: e.StreakCount,
		}
	}

	if useCache {
		s.SetCached(ctx, key, entries, cacheTTLLeaderboard)
	}
	return entries, nil
}

// GetTransactionHistory returns a guild's (optionally per-user) recent
// transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, guildID string, userID string, limit int, useCache bool) ([]models.Transaction, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	userPart := "all"
	if userID != "" {
		userPart = userID
	}
	key := s.BuildCacheKey("tx_history", guildID, userPart, strconv.Itoa(limit))
	if useCache {
		var cached []models.Transaction
		if s.GetCached(ctx, key, &cached) {
			return cached, nil
		}
	}

	path := fmt.Sprintf("/guilds/%s/bytes/transactions?limit=%d", guildID, limit)
	if userID != "" {
		path += "&userId=" + userID
	}

	resp, err := s.API.Get(ctx, path, 10*time.Second)
	if err != nil {
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Transactions []struct {
			ID               string `json:"id"`
			GiverID          string `json:"giver_id"`
			GiverUsername    string `json:"giver_username"`
			ReceiverID       string `json:"receiver_id"`
			ReceiverUsername string `json:"receiver_username"`
			Amount           int    `json:"amount"`
			Reason           string `json:"reason"`
			CreatedAt        string `json:"created_at"`
		} `json:"transactions"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	out := make([]models.Transaction, len(raw.Transactions))
	for i, t := range raw.Transactions {
		createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)
		out[i] = models.Transaction{
			ID: t.ID, GuildID: guildID,
			GiverID: t.GiverID, GiverUsername: t.GiverUsername,
			ReceiverID: t.ReceiverID, ReceiverUsername: t.ReceiverUsername,
			Amount: t.Amount, Reason: t.Reason, CreatedAt: createdAt,
		}
	}

	if useCache {
		s.SetCached(ctx, key, out, cacheTTLTxHistory)
	}
	return out, nil
}

// ResetStreak zeroes a user's streak. Admin-only in spirit; the core merely
// forwards the request.
func (s *Service) ResetStreak(ctx context.Context, guildID, userID, adminID string) (*models.Balance, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	resp, err := s.API.Post(ctx, fmt.Sprintf("/guilds/%s/bytes/reset-streak/%s", guildID, userID), map[string]string{
		"adminId": adminID,
	}, 10*time.Second)
	if err != nil {
		return nil, s.wrapUnclassified(err)
	}

	var raw rawBalance
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	s.Invalidate(ctx, balanceCacheKey(s, guildID, userID))

	return raw.toModel(guildID, userID), nil
}

// wrapUnclassified sanitizes a generic error's message and wraps it as a
// ServiceError, per spec §4.4/§7.
func (s *Service) wrapUnclassified(err error) error {
	return &errs.ServiceError{Code: errs.CodeUnclassified, Message: service.SanitizeErrorMessage(err.Error())}
}
