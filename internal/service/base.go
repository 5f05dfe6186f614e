// Package service provides BaseService, the common scaffolding embedded by
// every concrete economy/scheduler service: an API client, an optional
// cache, lifecycle management, health aggregation, and cache helpers that
// swallow cache failures. Grounded method-for-method on
// original_source/smarter_dev/bot/services/base.py.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/cache"
	"github.com/smarter-dev/smarterbot/internal/errs"
	"github.com/smarter-dev/smarterbot/internal/models"
)

// BaseService is embedded by every concrete service. It holds references
// forward to its dependencies only (API client, cache); neither dependency
// holds a back-reference, per spec §9's "unidirectional service graph"
// design note.
type BaseService struct {
	API   *apiclient.Client
	Cache *cache.Cache // nil when caching is disabled

	serviceName string

	mu          sync.RWMutex
	initialized bool

	Log zerolog.Logger
}

// NewBaseService constructs a BaseService for serviceName.
func NewBaseService(name string, api *apiclient.Client, c *cache.Cache, log zerolog.Logger) BaseService {
	return BaseService{API: api, Cache: c, serviceName: name, Log: log.With().Str("service", name).Logger()}
}

// Initialize validates configuration and marks the service ready. Calling
// Initialize twice is a no-op (idempotent), matching base.py's guard.
func (s *BaseService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.API == nil {
		return &errs.ServiceError{Code: errs.CodeUnclassified, Message: "api client is required"}
	}
	s.initialized = true
	return nil
}

// Cleanup closes the API client and always clears the initialized flag,
// even when closing fails.
func (s *BaseService) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.initialized = false }()

	if s.API != nil {
		return s.API.Close()
	}
	return nil
}

// EnsureInitialized returns ServiceError{NOT_INITIALIZED} when called
// before Initialize.
func (s *BaseService) EnsureInitialized() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return &errs.ServiceError{Code: errs.CodeNotInitialized, Message: s.serviceName + " is not initialized"}
	}
	return nil
}

func (s *BaseService) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// HealthCheck aggregates API and cache health: healthy iff initialized and
// every present dependency is healthy. Response time is the max of
// dependency latencies.
func (s *BaseService) HealthCheck(ctx context.Context) models.ServiceHealth {
	details := map[string]interface{}{}
	healthy := s.IsInitialized()
	var maxLatency float64

	apiHealth, err := s.API.HealthCheck(ctx)
	if err != nil || !apiHealth.Healthy {
		healthy = false
	}
	details["api_healthy"] = apiHealth.Healthy
	if apiHealth.ResponseTimeMs > maxLatency {
		maxLatency = apiHealth.ResponseTimeMs
	}

	if s.Cache != nil {
		cacheHealth := s.Cache.HealthCheck(ctx)
		details["cache_healthy"] = cacheHealth.Healthy
		if !cacheHealth.Healthy {
			healthy = false
		}
		if cacheHealth.ResponseTimeMs > maxLatency {
			maxLatency = cacheHealth.ResponseTimeMs
		}
	}

	return models.ServiceHealth{
		ServiceName:    s.serviceName,
		IsHealthy:      healthy,
		ResponseTimeMs: maxLatency,
		Details:        details,
	}
}

// BuildCacheKey concatenates lowercase(serviceName):part1:part2:..., per
// spec §4.3.
func (s *BaseService) BuildCacheKey(parts ...string) string {
	segments := append([]string{strings.ToLower(s.serviceName)}, parts...)
	return strings.Join(segments, ":")
}

// GetCached reads a cache entry, swallowing any cache error as a miss (log
// a warning) so cache failures never mask a successful API call.
func (s *BaseService) GetCached(ctx context.Context, key string, v interface{}) bool {
	if s.Cache == nil {
		return false
	}
	ok, err := s.Cache.Get(ctx, key, v)
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return false
	}
	return ok
}

// SetCached writes a cache entry, swallowing any error (log a warning).
func (s *BaseService) SetCached(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Set(ctx, key, v, ttl); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Invalidate deletes one cache entry, swallowing any error.
func (s *BaseService) Invalidate(ctx context.Context, key string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Delete(ctx, key); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("cache invalidate failed")
	}
}

// InvalidatePattern clears every cache entry matching glob, swallowing any
// error.
func (s *BaseService) InvalidatePattern(ctx context.Context, glob string) {
	if s.Cache == nil {
		return
	}
	if _, err := s.Cache.ClearPattern(ctx, glob); err != nil {
		s.Log.Warn().Err(err).Str("pattern", glob).Msg("cache pattern-invalidate failed")
	}
}

// SanitizeErrorMessage scans a generic error message for sensitive
// substrings before it is wrapped in a ServiceError, per spec §4.4.
func SanitizeErrorMessage(msg string) string {
	lower := strings.ToLower(msg)
	sensitive := []string{"password", "token", "postgresql://", "redis://", "@", "secret"}
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return "Service temporarily unavailable"
		}
	}
	return msg
}
