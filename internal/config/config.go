// Package config loads the harvester configuration from YAML.
package config

import (
	"time"
)

// Config is the top-level configuration shared by all jobs.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Retry      RetryConfig      `yaml:"retry"`
	Pagination PaginationConfig `yaml:"pagination"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Steam      SteamConfig      `yaml:"steam"`
	AppList    AppListConfig    `yaml:"applist"`
	Games      JobConfig        `yaml:"games"`
	Reviews    ReviewsConfig    `yaml:"reviews"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Pretty bool   `yaml:"pretty"`
}

// HTTPConfig holds the request settings of the Steam client.
type HTTPConfig struct {
	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	DefaultCooldown   time.Duration `yaml:"default_cooldown"` // after a 429 without Retry-After
}

// RedisConfig enables the shared cool-down state and the response cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig holds response cache settings. Requires Redis.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntryBytes int           `yaml:"max_entry_bytes"`
}

// RetryConfig holds the per-key retry policy.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	MalformedAttempts int           `yaml:"malformed_attempts"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxCooldown       time.Duration `yaml:"max_cooldown"`
	Multiplier        float64       `yaml:"multiplier"`
	Jitter            float64       `yaml:"jitter"`
}

// PaginationConfig holds cursor paging settings.
type PaginationConfig struct {
	MinPageDelay time.Duration `yaml:"min_page_delay"`
	MaxPages     int           `yaml:"max_pages"` // 0 = unlimited
}

// DispatchConfig holds worker pool settings.
type DispatchConfig struct {
	Workers          int           `yaml:"workers"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// CheckpointConfig holds where terminal key sets are kept. Each job uses
// its own subdirectory.
type CheckpointConfig struct {
	Dir            string `yaml:"dir"`
	ResetExhausted bool   `yaml:"reset_exhausted"`
}

// MetricsConfig holds the Prometheus textfile location. Empty disables it.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// SteamConfig holds the endpoints and query parameters of the sources.
type SteamConfig struct {
	StoreURL        string `yaml:"store_url"`
	APIURL          string `yaml:"api_url"`
	SteamSpyURL     string `yaml:"steamspy_url"`
	CountryCode     string `yaml:"country_code"`
	DetailsLanguage string `yaml:"details_language"`
	ReviewFilter    string `yaml:"review_filter"`
	ReviewLanguage  string `yaml:"review_language"`
	ReviewsPerPage  int    `yaml:"reviews_per_page"`
	SkipTags        bool   `yaml:"skip_tags"`
}

// AppListConfig holds where the app list is written.
type AppListConfig struct {
	Path string `yaml:"path"`
}

// JobConfig holds the input and output of one harvest job.
type JobConfig struct {
	// Manifest is the file the candidate keys are read from.
	Manifest string `yaml:"manifest"`

	Output string `yaml:"output"`
	Format string `yaml:"format"` // csv or jsonl

	// Workers overrides dispatch.workers when > 0.
	Workers int `yaml:"workers"`

	// RequestInterval overrides http.requests_per_second when > 0.
	RequestInterval time.Duration `yaml:"request_interval"`
}

// ReviewsConfig holds the reviews job, which reads its keys from the games
// output.
type ReviewsConfig struct {
	JobConfig `yaml:",inline"`

	// KeyColumn is the manifest column holding the app id.
	KeyColumn string `yaml:"key_column"`

	// Required lists manifest columns that must be non-empty for a game to
	// be harvested.
	Required []string `yaml:"required"`
}

// Default returns the configuration used when a setting is absent.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			UserAgent:         "steam-harvester/1.0",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 4,
			Burst:             1,
			DefaultCooldown:   60 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			MaxEntryBytes: 4 << 20,
		},
		Retry: RetryConfig{
			MaxAttempts:       10,
			MalformedAttempts: 2,
			Cooldown:          60 * time.Second,
			MaxCooldown:       5 * time.Minute,
			Multiplier:        1,
		},
		Pagination: PaginationConfig{
			MinPageDelay: 1500 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Workers:          10,
			ProgressInterval: 30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Dir: "checkpoints",
		},
		Steam: SteamConfig{
			StoreURL:        "https://store.steampowered.com",
			APIURL:          "https://api.steampowered.com",
			SteamSpyURL:     "https://steamspy.com/api.php",
			CountryCode:     "it",
			DetailsLanguage: "en",
			ReviewFilter:    "recent",
			ReviewLanguage:  "english",
			ReviewsPerPage:  100,
		},
		AppList: AppListConfig{
			Path: "games/steam_games.json",
		},
		Games: JobConfig{
			Output:          "steam_games.csv",
			Format:          "csv",
			Workers:         1,
			RequestInterval: 1100 * time.Millisecond,
		},
		Reviews: ReviewsConfig{
			JobConfig: JobConfig{
				Output: "steam_reviews.csv",
				Format: "csv",
			},
			KeyColumn: "id",
			Required: []string{
				"id", "name", "developer", "publisher", "long_description",
				"short_description", "header_image", "recommendations",
				"categories", "genres", "tags",
			},
		},
	}
}
