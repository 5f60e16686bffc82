package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/Sternrassler/steam-harvester/pkg/logging"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when the configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment first. Settings absent from the file keep their
// Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = errors.Wrap(err, "read config file")
		return nil, errors.WithHint(err, "pass --config with the path of a harvester YAML file")
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !isEmptyDocument(err) {
		err = errors.Wrapf(ErrInvalid, "parse %s: %v", path, err)
		return nil, errors.WithHint(err, "check the YAML syntax and setting names")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// isEmptyDocument reports the error yaml.v3 returns for an empty file.
func isEmptyDocument(err error) bool {
	return errors.Is(err, io.EOF)
}

// applyDefaults fills settings derived from other settings.
func (c *Config) applyDefaults() {
	if c.Games.Manifest == "" {
		c.Games.Manifest = c.AppList.Path
	}
	if c.Reviews.Manifest == "" {
		c.Reviews.Manifest = c.Games.Output
	}
	if c.Games.Format == "" {
		c.Games.Format = "csv"
	}
	if c.Reviews.Format == "" {
		c.Reviews.Format = "csv"
	}
}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if strings.TrimSpace(c.HTTP.UserAgent) == "" {
		add("http.user_agent is required")
	}
	if c.HTTP.Timeout <= 0 {
		add("http.timeout must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		add("http.requests_per_second must be >= 0")
	}
	if c.HTTP.RequestsPerSecond > 0 && c.HTTP.Burst < 1 {
		add("http.burst must be >= 1")
	}
	if c.HTTP.DefaultCooldown <= 0 {
		add("http.default_cooldown must be > 0")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}
	if c.Cache.Enabled && !c.Redis.Enabled {
		add("cache.enabled requires redis.enabled")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		add("cache.ttl must be > 0")
	}
	if c.Cache.MaxEntryBytes < 0 {
		add("cache.max_entry_bytes must be >= 0")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1")
	}
	if c.Retry.MalformedAttempts < 1 {
		add("retry.malformed_attempts must be >= 1")
	}
	if c.Retry.Cooldown < 0 {
		add("retry.cooldown must be >= 0")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry.jitter must be in [0, 1)")
	}

	if c.Pagination.MinPageDelay < 0 {
		add("pagination.min_page_delay must be >= 0")
	}
	if c.Pagination.MaxPages < 0 {
		add("pagination.max_pages must be >= 0")
	}

	if c.Dispatch.Workers < 1 {
		add("dispatch.workers must be >= 1")
	}
	if c.Checkpoint.Dir == "" {
		add("checkpoint.dir is required")
	}
	if c.Steam.ReviewsPerPage < 1 || c.Steam.ReviewsPerPage > 100 {
		add("steam.reviews_per_page must be in [1, 100]")
	}
	if c.AppList.Path == "" {
		add("applist.path is required")
	}

	for name, job := range map[string]JobConfig{"games": c.Games, "reviews": c.Reviews.JobConfig} {
		if job.Output == "" {
			add("%s.output is required", name)
		}
		if job.Format != "csv" && job.Format != "jsonl" {
			add("%s.format %q is not csv or jsonl", name, job.Format)
		}
		if job.Workers < 0 {
			add("%s.workers must be >= 0", name)
		}
		if job.RequestInterval < 0 {
			add("%s.request_interval must be >= 0", name)
		}
	}
	if c.Reviews.KeyColumn == "" {
		add("reviews.key_column is required")
	}

	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	err := errors.Wrapf(ErrInvalid, "%s", strings.Join(problems, "; "))
	return errors.WithHint(err, "fix the listed settings in the config file")
}
