package main

import (
	"context"

	"github.com/Sternrassler/steam-harvester/internal/config"
	"github.com/Sternrassler/steam-harvester/pkg/cache"
	"github.com/Sternrassler/steam-harvester/pkg/checkpoint"
	"github.com/Sternrassler/steam-harvester/pkg/client"
	"github.com/Sternrassler/steam-harvester/pkg/dispatch"
	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/logging"
	"github.com/Sternrassler/steam-harvester/pkg/manifest"
	"github.com/Sternrassler/steam-harvester/pkg/metrics"
	"github.com/Sternrassler/steam-harvester/pkg/pagination"
	"github.com/Sternrassler/steam-harvester/pkg/ratelimit"
	"github.com/Sternrassler/steam-harvester/pkg/retry"
	"github.com/Sternrassler/steam-harvester/pkg/sink"
	"github.com/Sternrassler/steam-harvester/pkg/steam"
	"github.com/Sternrassler/steam-harvester/pkg/worker"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds what every job shares.
type app struct {
	cfg    *config.Config
	redis  *redis.Client
	logger zerolog.Logger
}

// withApp loads the configuration, connects to Redis if enabled and runs job.
// Metrics are written when the job ends, whatever the outcome.
func withApp(ctx context.Context, opts *options, job func(context.Context, *app) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging(opts.debug))

	a := &app{cfg: cfg, logger: logging.NewLogger("harvester")}
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(cfg.RedisOptions())
		defer a.redis.Close()

		if err := a.redis.Ping(ctx).Err(); err != nil {
			err = errors.Wrapf(err, "connect to redis at %s", cfg.Redis.Addr)
			return errors.WithHint(err, "start Redis or set redis.enabled: false")
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	jobErr := job(ctx, a)

	if path := cfg.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path, nil); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
		}
	}
	return jobErr
}

// newClient builds the HTTP client of one job. With Redis the cool-down is
// shared between harvester processes and responses may be cached.
func (a *app) newClient(job config.JobConfig) (*client.Client, error) {
	cfg := a.cfg.Client(job)
	if a.redis != nil {
		store := ratelimit.NewRedisStore(a.redis)
		cfg.Tracker = ratelimit.NewTracker(store, cfg.DefaultCooldown, logging.NewLogger("ratelimit"))
		if a.cfg.Cache.Enabled {
			cfg.Cache = cache.NewManager(a.redis, cache.WithMaxEntryBytes(a.cfg.Cache.MaxEntryBytes))
		}
	}
	return client.New(cfg)
}

// harvest runs the candidate keys of one job through the engine.
func (a *app) harvest(ctx context.Context, name string, job config.JobConfig, keys []harvest.Key,
	source harvest.Source, transformer harvest.Transformer, keyColumn string) (dispatch.Summary, error) {
	logger := logging.WithRun(logging.NewLogger("harvest"), name, logging.NewRunID())

	store, err := checkpoint.Open(a.cfg.CheckpointFor(name), logger)
	if err != nil {
		return dispatch.Summary{}, err
	}
	defer store.Close()

	out, err := sink.Open(sink.Format(job.Format), job.Output, transformer.Columns(), keyColumn)
	if err != nil {
		return dispatch.Summary{}, err
	}
	defer out.Close()

	pager := pagination.New(source, a.cfg.Paginator(), logger)
	w := worker.New(pager, retry.NewPolicy(a.cfg.RetryPolicy()), logger)
	d := dispatch.New(store, w, transformer, out, a.cfg.Dispatcher(job), logger)

	return d.Run(ctx, keys)
}

func runAppList(ctx context.Context, a *app) error {
	c, err := a.newClient(config.JobConfig{})
	if err != nil {
		return err
	}
	source := steam.NewAppListSource(c, a.cfg.SteamSources(), logging.NewLogger("applist"))
	_, err = manifest.Refresh(ctx, source, a.cfg.AppList.Path, a.logger)
	return err
}

func runGames(ctx context.Context, a *app) error {
	keys, err := manifest.LoadAppList(a.cfg.Games.Manifest)
	if err != nil {
		return err
	}
	c, err := a.newClient(a.cfg.Games)
	if err != nil {
		return err
	}
	source := steam.NewDetailsSource(c, a.cfg.SteamSources(), logging.NewLogger("steam"))

	_, err = a.harvest(ctx, "games", a.cfg.Games, keys, source, steam.GamesTransformer{}, "id")
	return err
}

func runReviews(ctx context.Context, a *app) error {
	r := a.cfg.Reviews
	keys, err := manifest.LoadCSV(r.Manifest, r.KeyColumn, r.Required)
	if err != nil {
		return err
	}
	c, err := a.newClient(r.JobConfig)
	if err != nil {
		return err
	}
	source := steam.NewReviewsSource(c, a.cfg.SteamSources(), logging.NewLogger("steam"))

	_, err = a.harvest(ctx, "reviews", r.JobConfig, keys, source, steam.ReviewsTransformer{}, "app_id")
	return err
}
