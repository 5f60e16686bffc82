package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/checkpoint"
	"github.com/Sternrassler/steam-harvester/pkg/client"
	"github.com/Sternrassler/steam-harvester/pkg/dispatch"
	"github.com/Sternrassler/steam-harvester/pkg/logging"
	"github.com/Sternrassler/steam-harvester/pkg/pagination"
	"github.com/Sternrassler/steam-harvester/pkg/retry"
	"github.com/Sternrassler/steam-harvester/pkg/steam"
	"github.com/redis/go-redis/v9"
)

// Logging returns the logger settings. debug forces the debug level.
func (c *Config) Logging(debug bool) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	if debug {
		level = logging.LevelDebug
	}
	return logging.Config{Level: level, Pretty: c.Log.Pretty, Output: os.Stderr}
}

// RedisOptions returns the connection options of the shared Redis.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// Client returns the HTTP client settings for job. Tracker and Cache are
// left for the caller to wire.
func (c *Config) Client(job JobConfig) client.Config {
	cfg := client.DefaultConfig(c.HTTP.UserAgent)
	cfg.Timeout = c.HTTP.Timeout
	cfg.RequestsPerSecond = c.HTTP.RequestsPerSecond
	cfg.Burst = c.HTTP.Burst
	cfg.DefaultCooldown = c.HTTP.DefaultCooldown
	cfg.CacheTTL = c.Cache.TTL
	if job.RequestInterval > 0 {
		cfg.RequestsPerSecond = float64(time.Second) / float64(job.RequestInterval)
		cfg.Burst = 1
	}
	return cfg
}

// RetryPolicy returns the per-key retry settings.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:       c.Retry.MaxAttempts,
		MalformedAttempts: c.Retry.MalformedAttempts,
		Cooldown:          c.Retry.Cooldown,
		MaxCooldown:       c.Retry.MaxCooldown,
		Multiplier:        c.Retry.Multiplier,
		Jitter:            c.Retry.Jitter,
	}
}

// Paginator returns the paging settings.
func (c *Config) Paginator() pagination.Config {
	return pagination.Config{
		StartCursor:  pagination.StartCursor,
		MinPageDelay: c.Pagination.MinPageDelay,
		MaxPages:     c.Pagination.MaxPages,
	}
}

// Dispatcher returns the worker pool settings for job.
func (c *Config) Dispatcher(job JobConfig) dispatch.Config {
	workers := c.Dispatch.Workers
	if job.Workers > 0 {
		workers = job.Workers
	}
	return dispatch.Config{
		Workers:          workers,
		ProgressInterval: c.Dispatch.ProgressInterval,
	}
}

// CheckpointFor returns the checkpoint settings of the named job.
func (c *Config) CheckpointFor(name string) checkpoint.Config {
	return checkpoint.Config{
		Dir:            filepath.Join(c.Checkpoint.Dir, name),
		ResetExhausted: c.Checkpoint.ResetExhausted,
	}
}

// SteamSources returns the endpoint and query settings of the sources.
func (c *Config) SteamSources() steam.Config {
	return steam.Config{
		StoreURL:        c.Steam.StoreURL,
		APIURL:          c.Steam.APIURL,
		SteamSpyURL:     c.Steam.SteamSpyURL,
		ReviewFilter:    c.Steam.ReviewFilter,
		ReviewLanguage:  c.Steam.ReviewLanguage,
		ReviewsPerPage:  c.Steam.ReviewsPerPage,
		CountryCode:     c.Steam.CountryCode,
		DetailsLanguage: c.Steam.DetailsLanguage,
		SkipTags:        c.Steam.SkipTags,
	}
}
