// Command smarterbot is the service entrypoint: it wires the HTTP API
// client, Redis cache, Discord REST client, the bytes/squads services and
// all five schedulers, then runs until SIGINT/SIGTERM. Grounded on
// TheRockettek-Sandwich-Producer's main.go (flag-based configuration,
// zerolog console logger, signal-driven graceful shutdown).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/smarter-dev/smarterbot/internal/apiclient"
	"github.com/smarter-dev/smarterbot/internal/bytes"
	"github.com/smarter-dev/smarterbot/internal/cache"
	"github.com/smarter-dev/smarterbot/internal/config"
	"github.com/smarter-dev/smarterbot/internal/discordrest"
	"github.com/smarter-dev/smarterbot/internal/scheduler/adventofcode"
	"github.com/smarter-dev/smarterbot/internal/scheduler/challenge"
	"github.com/smarter-dev/smarterbot/internal/scheduler/quest"
	"github.com/smarter-dev/smarterbot/internal/scheduler/repeatingmessage"
	"github.com/smarter-dev/smarterbot/internal/scheduler/scheduledmessage"
	"github.com/smarter-dev/smarterbot/internal/squads"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// lifecycle is the shared shape Initialize/Cleanup for every service and
// scheduler this command starts.
type lifecycle interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		zlog.Panic().Err(err).Msg("invalid cache URL")
	}
	redisClient := redis.NewClient(redisOpts)

	apiClient := apiclient.NewClient(cfg.APIBaseURL, cfg.APIBotToken)
	apiClient.Retry = apiclient.RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}

	appCache := cache.New(redisClient, cache.JSONStrategy, cfg.CacheKeyPrefix, cfg.CacheDefaultTTL)
	discordClient := discordrest.NewClient(cfg.DiscordBotToken)

	bytesSvc := bytes.New(apiClient, appCache, zlog)
	squadsSvc := squads.New(apiClient, appCache, zlog)

	challengeSched := challenge.New(apiClient, squadsSvc, discordClient, cfg.PollIntervalFine, zlog)
	questSched := quest.New(apiClient, squadsSvc, discordClient, cfg.PollIntervalFine, zlog)
	messageSched := scheduledmessage.New(apiClient, squadsSvc, discordClient, cfg.PollIntervalFine, zlog)
	repeatingSched := repeatingmessage.New(apiClient, discordClient, zlog)
	aocSched := adventofcode.New(apiClient, discordClient, zlog)

	// Started in dependency order: the challenge, quest and scheduled-message
	// schedulers use squadsSvc, so the economy/squads services come up first.
	components := []lifecycle{
		bytesSvc,
		squadsSvc,
		challengeSched,
		questSched,
		messageSched,
		repeatingSched,
		aocSched,
	}

	for _, c := range components {
		if err := c.Initialize(ctx); err != nil {
			zlog.Panic().Err(err).Msg("failed to start component")
		}
	}

	zlog.Info().Msg("smarterbot is running. Do ^C to stop")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	zlog.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop in reverse order: schedulers first (so no new work starts),
	// services last.
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Cleanup(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("error during component cleanup")
		}
	}
}
