// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/api"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/archive"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/clock/system"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/config"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/ekidata-stamp-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/id/uuid"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/ingest"
	redislock "github.com/JakeFAU/ekidata-stamp-crawler/internal/lock/redis"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/matcher"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/ekidata-stamp-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/ekidata-stamp-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/runner"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/gcs"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/local"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/memory"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/storage/postgres"
)

// App holds the shared, long-lived services for one process. It is built once
// at startup and closed on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool     postgres.Pool
	pgxPool  *pgxpool.Pool
	jobs     *postgres.CrawlJobStore
	matcher  *matcher.Matcher
	ingester *ingest.Ingester
	runner   *runner.Runner

	closers []func()
}

// New connects to Postgres and the optional backends named in cfg. It fails
// fast if any configured service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns), //nolint:gosec // validated small config value
		MinConns:        int32(cfg.DB.MinConns), //nolint:gosec // validated small config value
		MaxConnLifetime: cfg.MaxConnLifetime(),
	})
	if err != nil {
		return nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	a, err := build(ctx, cfg, pool, logger)
	if err != nil {
		return nil, err
	}
	a.pgxPool = pool
	return a, nil
}

// build wires every service on top of an open pool. On error the pool and
// anything already opened is closed.
func build(ctx context.Context, cfg config.Config, pool postgres.Pool, logger *zap.Logger) (_ *App, err error) {
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, pool: pool}
	a.closers = append(a.closers, pool.Close)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := system.New()
	a.jobs, err = postgres.NewCrawlJobStore(pool, uuid.New(), clock, cfg.StaleAfter())
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}
	stations, err := postgres.NewStationStore(pool)
	if err != nil {
		return nil, fmt.Errorf("station store: %w", err)
	}
	stamps, err := postgres.NewStampStore(pool)
	if err != nil {
		return nil, fmt.Errorf("stamp store: %w", err)
	}
	a.matcher = matcher.New(stations, logger)
	a.ingester = ingest.New(a.matcher, stamps, a.jobs, logger)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		RespectRobots:  cfg.Crawler.RespectRobots,
		Timeout:        cfg.RequestTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
	}, ratelimit.NewGate(cfg.Delay()), logger)

	opts, err := a.runnerOptions(ctx, clock)
	if err != nil {
		return nil, err
	}
	a.runner = runner.New(a.jobs, fetcher, clock, runner.Config{
		BatchSize:  cfg.Crawler.BatchSize,
		IndexURLs:  cfg.Crawler.IndexURLs,
		Schedule:   cfg.Crawler.Schedule,
		StaleAfter: cfg.StaleAfter(),
		Topic:      cfg.PubSub.TopicName,
	}, logger, opts...)

	logger.Info("application services initialized",
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.Bool("run_lock", cfg.Redis.Addr != ""),
	)
	return a, nil
}

func (a *App) runnerOptions(ctx context.Context, clock crawler.Clock) ([]runner.Option, error) {
	var opts []runner.Option

	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		archiver, err := archive.New(blobs, clock, archive.Config{
			Prefix:      a.cfg.Archive.Prefix,
			ContentType: a.cfg.Archive.ContentType,
		})
		if err != nil {
			return nil, fmt.Errorf("archiver: %w", err)
		}
		opts = append(opts, runner.WithArchiver(archiver))
	}

	pub, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		opts = append(opts, runner.WithPublisher(pub))
	}

	if a.cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
		}
		opts = append(opts, runner.WithLock(redislock.New(client, redislock.Config{
			Key: a.cfg.Redis.LockKey,
			TTL: a.cfg.LockTTL(),
		}, a.logger)))
	}
	return opts, nil
}

func (a *App) blobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{
			Bucket:   a.cfg.Archive.GCSBucket,
			Metadata: map[string]string{"source": "stampcrawler"},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

func (a *App) publisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return memorypublisher.New(), nil
	case config.BackendGCP:
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		pub, err := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown pubsub backend %q", a.cfg.PubSub.Backend)
	}
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the crawl job queue.
func (a *App) Jobs() crawler.JobQueue { return a.jobs }

// Matcher returns the station matcher.
func (a *App) Matcher() *matcher.Matcher { return a.matcher }

// Ingester returns the stamp ingester.
func (a *App) Ingester() *ingest.Ingester { return a.ingester }

// Runner returns the crawl runner.
func (a *App) Runner() *runner.Runner { return a.runner }

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgxPool == nil {
		return errors.New("migrations require a postgres connection pool")
	}
	return postgres.Migrate(ctx, a.pgxPool)
}

// APIServer builds the HTTP interface. Runs it starts are parented to ctx.
func (a *App) APIServer(ctx context.Context) *api.Server {
	return api.NewServer(api.Deps{
		Jobs:        a.jobs,
		Runner:      a.runner,
		Matcher:     a.matcher,
		DB:          a.pool,
		BaseContext: ctx,
	}, a.cfg, a.logger)
}

// Close releases every connection in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
