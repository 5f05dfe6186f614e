// Package squads implements squad membership: listing, lookup, joining
// (with campaign-window exclusions and sale-discount pricing), leaving, and
// roster queries. Grounded in full on
// original_source/smarter_dev/bot/services/squads_service.py.
package squads

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/cache"
	"github.com/smarter-dev/smarterbot/internal/errs"
	"github.com/smarter-dev/smarterbot/internal/models"
	"github.com/smarter-dev/smarterbot/internal/service"
)

const (
	cacheTTLSquadList  = 5 * time.Minute
	cacheTTLSquad      = 5 * time.Minute
	cacheTTLUserSquad  = 3 * time.Minute
	cacheTTLMembers    = 2 * time.Minute
)

// Service is the squads service (C4b).
type Service struct {
	service.BaseService
}

func New(api *apiclient.Client, c *cache.Cache, log zerolog.Logger) *Service {
	return &Service{BaseService: service.NewBaseService("SquadsService", api, c, log)}
}

// ListSquads returns every squad in a guild ordered by name.
func (s *Service) ListSquads(ctx context.Context, guildID string, includeInactive, useCache bool) ([]models.Squad, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	key := s.BuildCacheKey("list", guildID, strconv.FormatBool(includeInactive))
	if useCache {
		var cached []models.Squad
		if s.GetCached(ctx, key, &cached) {
			return cached, nil
		}
	}

	path := fmt.Sprintf("/guilds/%s/squads", guildID)
	if includeInactive {
		path += "?include_inactive=true"
	}

	resp, err := s.API.Get(ctx, path, 10*time.Second)
	if err != nil {
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Squads []rawSquad `json:"squads"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	squads := make([]models.Squad, len(raw.Squads))
	for i, r := range raw.Squads {
		squads[i] = r.toModel(guildID)
	}
	sort.Slice(squads, func(i, j int) bool { return squads[i].Name < squads[j].Name })

	if useCache {
		s.SetCached(ctx, key, squads, cacheTTLSquadList)
	}
	return squads, nil
}

type rawSquad struct {
	ID                    string `json:"id"`
	RoleID                string `json:"role_id"`
	Name                  string `json:"name"`
	Description           string `json:"description"`
	SwitchCost            int    `json:"switch_cost"`
	JoinCost              int    `json:"join_cost"`
	MaxMembers            int    `json:"max_members"`
	MemberCount           int    `json:"member_count"`
	IsActive              bool   `json:"is_active"`
	IsDefault             bool   `json:"is_default"`
	JoinSaleDiscountPct   int    `json:"join_sale_discount_pct"`
	SwitchSaleDiscountPct int    `json:"switch_sale_discount_pct"`
	AnnouncementChannelID string `json:"announcement_channel_id"`
}

func (r rawSquad) toModel(guildID string) models.Squad {
	return models.Squad{
		ID: r.ID, GuildID: guildID, RoleID: r.RoleID, Name: r.Name,
		Description: r.Description, SwitchCost: r.SwitchCost, JoinCost: r.JoinCost,
		MaxMembers: r.MaxMembers, MemberCount: r.MemberCount,
		IsActive: r.IsActive, IsDefault: r.IsDefault,
		JoinSaleDiscountPct: r.JoinSaleDiscountPct, SwitchSaleDiscountPct: r.SwitchSaleDiscountPct,
		AnnouncementChannelID: r.AnnouncementChannelID,
	}
}

// GetSquad fetches a single squad by id.
func (s *Service) GetSquad(ctx context.Context, guildID, squadID string, useCache bool) (*models.Squad, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	key := s.BuildCacheKey("squad", guildID, squadID)
	if useCache {
		var cached models.Squad
		if s.GetCached(ctx, key, &cached) {
			return &cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/squads/%s", guildID, squadID), 10*time.Second)
	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok && apiErr.StatusCode == 404 {
			return nil, &errs.ResourceNotFoundError{ResourceType: "squad", ID: squadID}
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw rawSquad
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}
	squad := raw.toModel(guildID)

	if useCache {
		s.SetCached(ctx, key, squad, cacheTTLSquad)
	}
	return &squad, nil
}

// GetUserSquad looks up a user's current squad. A 404 from the API is a
// valid "not in any squad" result, not an error.
func (s *Service) GetUserSquad(ctx context.Context, guildID, userID string, useCache bool) (*models.UserSquadResponse, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	key := s.BuildCacheKey("user_squad", guildID, userID)
	if useCache {
		var cached models.UserSquadResponse
		if s.GetCached(ctx, key, &cached) {
			return &cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/squads/members/%s", guildID, userID), 10*time.Second)
	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok && apiErr.StatusCode == 404 {
			empty := &models.UserSquadResponse{UserID: userID}
			if useCache {
				s.SetCached(ctx, key, empty, cacheTTLUserSquad)
			}
			return empty, nil
		}
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Squad       rawSquad `json:"squad"`
		MemberSince string   `json:"member_since"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	squad := raw.Squad.toModel(guildID)
	result := &models.UserSquadResponse{UserID: userID, Squad: &squad}
	if t, err := time.Parse(time.RFC3339, raw.MemberSince); err == nil {
		result.MemberSince = &t
	}

	if useCache {
		s.SetCached(ctx, key, result, cacheTTLUserSquad)
	}
	return result, nil
}

// campaignRunning checks /challenges/scoreboard for a running campaign, per
// spec §4.5a. Any parse or network failure defaults to "not running"
// (fail-open for availability).
func (s *Service) campaignRunning(ctx context.Context, guildID string) bool {
	resp, err := s.API.Get(ctx, "/challenges/scoreboard?guildId="+guildID, 10*time.Second)
	if err != nil {
		return false
	}

	var raw struct {
		Campaign struct {
			IsActive           bool   `json:"is_active"`
			StartTime          string `json:"start_time"`
			NumChallenges      int    `json:"num_challenges"`
			ReleaseCadenceHours int   `json:"release_cadence_hours"`
		} `json:"campaign"`
	}
	if err := resp.Decode(&raw); err != nil {
		return false
	}
	if !raw.Campaign.IsActive {
		return false
	}

	start, err := time.Parse(time.RFC3339, raw.Campaign.StartTime)
	if err != nil {
		return false
	}

	windowEnd := start.Add(time.Duration(raw.Campaign.NumChallenges) * time.Duration(raw.Campaign.ReleaseCadenceHours) * time.Hour)
	now := time.Now()
	return !now.Before(start) && now.Before(windowEnd)
}

// JoinSquad runs the full 9-step join flow from spec §4.5.
func (s *Service) JoinSquad(ctx context.Context, guildID, userID, squadID string, currentBalance int, username string) (*models.JoinSquadResult, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	// Step 1: fetch user's current squad (uncached).
	current, err := s.GetUserSquad(ctx, guildID, userID, false)
	if err != nil {
		return nil, err
	}

	// Step 2: running-campaign check.
	if s.campaignRunning(ctx, guildID) {
		if current.Squad != nil && !current.Squad.IsDefault {
			return &models.JoinSquadResult{Success: false, Reason: "squad switching is disabled during campaigns", FailureKind: models.FailureValidation}, nil
		}
		if current.Squad == nil {
			return &models.JoinSquadResult{Success: false, Reason: "joining is disabled during campaigns", FailureKind: models.FailureValidation}, nil
		}
		// current squad is the default: allowed to proceed.
	}

	// Step 3: fetch target squad.
	target, err := s.GetSquad(ctx, guildID, squadID, true)
	if err != nil {
		if _, ok := err.(*errs.ResourceNotFoundError); ok {
			return &models.JoinSquadResult{Success: false, Reason: "Squad not found!", FailureKind: models.FailureValidation}, nil
		}
		return nil, err
	}

	// Step 4: basic refusals.
	if !target.IsActive {
		return &models.JoinSquadResult{Success: false, Reason: "Squad is not active", FailureKind: models.FailureValidation}, nil
	}
	if target.IsDefault {
		return &models.JoinSquadResult{Success: false, Reason: "default squads are auto-assigned only", FailureKind: models.FailureValidation}, nil
	}
	if current.Squad != nil && current.Squad.ID == squadID {
		return &models.JoinSquadResult{Success: false, Reason: "already in this squad", FailureKind: models.FailureValidation}, nil
	}
	if target.MemberCount == target.MaxMembers {
		return nil, &errs.SquadFullError{Squad: target.Name, Capacity: target.MaxMembers}
	}

	// Step 5: compute cost with sale-discount formatting.
	cost, displayCost := joinCost(current, target)

	// Step 6: balance check.
	if cost > currentBalance {
		return &models.JoinSquadResult{
			Success: false, Cost: cost,
			Reason:      fmt.Sprintf("You need %s bytes to join this squad, but you only have %d.", displayCost, currentBalance),
			FailureKind: models.FailureInsufficientBalance,
		}, nil
	}

	// Step 7: attempt join, retrying once after leaving current squad on
	// "already in squad".
	err = s.postJoin(ctx, guildID, squadID, userID, username)
	if err != nil {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "already in squad") && current.Squad != nil {
			if leaveErr := s.LeaveSquad(ctx, guildID, userID); leaveErr == nil {
				err = s.postJoin(ctx, guildID, squadID, userID, username)
			}
		}
	}
	if err != nil {
		// Step 8: translate specific API error strings.
		lower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lower, "squad is full"):
			return nil, &errs.SquadFullError{Squad: target.Name, Capacity: target.MaxMembers}
		case strings.Contains(lower, "insufficient"):
			return &models.JoinSquadResult{Success: false, Reason: "Insufficient balance", FailureKind: models.FailureInsufficientBalance}, nil
		}
		return nil, s.wrapUnclassified(err)
	}

	// Step 9: on success, refetch balance when cost > 0, invalidate caches.
	newBalance := currentBalance
	if cost > 0 {
		if b, err := s.refetchBalance(ctx, guildID, userID); err == nil {
			newBalance = b
		} else {
			newBalance = currentBalance - cost
		}
	}

	s.Invalidate(ctx, s.BuildCacheKey("user_squad", guildID, userID))
	s.Invalidate(ctx, s.BuildCacheKey("squad", guildID, squadID))
	s.InvalidatePattern(ctx, s.BuildCacheKey("leaderboard", guildID, "*"))
	s.InvalidatePattern(ctx, s.BuildCacheKey("list", guildID, "*"))
	s.invalidateBytesBalance(ctx, guildID, userID)

	return &models.JoinSquadResult{Success: true, Squad: target, Cost: cost, NewBalance: newBalance}, nil
}

func joinCost(current *models.UserSquadResponse, target *models.Squad) (cost int, display string) {
	base := target.JoinCost
	discount := target.JoinSaleDiscountPct
	if current.Squad != nil {
		base = target.SwitchCost
		discount = target.SwitchSaleDiscountPct
	}

	if discount <= 0 {
		return base, strconv.Itoa(base)
	}

	discounted := base - (base*discount)/100
	return discounted, fmt.Sprintf("~~%d~~ **%d** (%d%% off sale!)", base, discounted, discount)
}

func (s *Service) postJoin(ctx context.Context, guildID, squadID, userID, username string) error {
	_, err := s.API.Post(ctx, fmt.Sprintf("/guilds/%s/squads/%s/join", guildID, squadID), map[string]string{
		"userId": userID, "username": username,
	}, 15*time.Second)
	return err
}

func (s *Service) refetchBalance(ctx context.Context, guildID, userID string) (int, error) {
	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/bytes/balance/%s", guildID, userID), 10*time.Second)
	if err != nil {
		return 0, err
	}
	var raw struct {
		Balance int `json:"balance"`
	}
	if err := resp.Decode(&raw); err != nil {
		return 0, err
	}
	return raw.Balance, nil
}

func (s *Service) invalidateBytesBalance(ctx context.Context, guildID, userID string) {
	// The bytes service owns this key's namespace ("bytesservice:balance:...")
	// but squads must invalidate it too on a paid join, per spec §4.5 step 9.
	s.Invalidate(ctx, "bytesservice:balance:"+guildID+":"+userID)
}

// LeaveSquad removes a user's squad membership. A 404 on either precheck or
// delete is NotInSquadError.
func (s *Service) LeaveSquad(ctx context.Context, guildID, userID string) error {
	if err := s.EnsureInitialized(); err != nil {
		return err
	}

	current, err := s.GetUserSquad(ctx, guildID, userID, false)
	if err != nil {
		return err
	}
	if current.Squad == nil {
		return &errs.NotInSquadError{}
	}

	_, err = s.API.Delete(ctx, fmt.Sprintf("/guilds/%s/squads/leave", guildID), map[string]string{"userId": userID}, 10*time.Second)
	if err != nil {
		if apiErr, ok := err.(*errs.APIError); ok && apiErr.StatusCode == 404 {
			return &errs.NotInSquadError{}
		}
		return s.wrapUnclassified(err)
	}

	s.Invalidate(ctx, s.BuildCacheKey("user_squad", guildID, userID))
	s.Invalidate(ctx, s.BuildCacheKey("squad", guildID, current.Squad.ID))
	s.InvalidatePattern(ctx, s.BuildCacheKey("leaderboard", guildID, "*"))
	s.InvalidatePattern(ctx, s.BuildCacheKey("list", guildID, "*"))

	return nil
}

// GetSquadMembers returns a squad's roster ordered by join date.
func (s *Service) GetSquadMembers(ctx context.Context, guildID, squadID string, useCache bool) ([]models.SquadMember, error) {
	if err := s.EnsureInitialized(); err != nil {
		return nil, err
	}

	key := s.BuildCacheKey("members", guildID, squadID)
	if useCache {
		var cached []models.SquadMember
		if s.GetCached(ctx, key, &cached) {
			return cached, nil
		}
	}

	resp, err := s.API.Get(ctx, fmt.Sprintf("/guilds/%s/squads/%s/members", guildID, squadID), 10*time.Second)
	if err != nil {
		return nil, s.wrapUnclassified(err)
	}

	var raw struct {
		Members []struct {
			UserID   string `json:"user_id"`
			Username string `json:"username"`
			JoinedAt string `json:"joined_at"`
		} `json:"members"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, s.wrapUnclassified(err)
	}

	members := make([]models.SquadMember, len(raw.Members))
	for i, m := range raw.Members {
		joinedAt, _ := time.Parse(time.RFC3339, m.JoinedAt)
		members[i] = models.SquadMember{UserID: m.UserID, Username: m.Username, JoinedAt: joinedAt}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt.Before(members[j].JoinedAt) })

	if useCache {
		s.SetCached(ctx, key, members, cacheTTLMembers)
	}
	return members, nil
}

func (s *Service) wrapUnclassified(err error) error {
	return &errs.ServiceError{Code: errs.CodeUnclassified, Message: service.SanitizeErrorMessage(err.Error())}
}
