package container

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"steammarket/parser/internal/browser"
	"steammarket/parser/internal/client"
	"steammarket/parser/internal/config"
	"steammarket/parser/internal/domain"
	"steammarket/parser/internal/fetcher"
	"steammarket/parser/internal/metrics"
	"steammarket/parser/internal/pool"
	"steammarket/parser/internal/proxy"
	"steammarket/parser/internal/queue"
	"steammarket/parser/internal/repository"
	"steammarket/parser/internal/service"
	"steammarket/parser/internal/session"
	"steammarket/parser/internal/sink"
	"steammarket/parser/internal/state"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	pageRetryBlock = time.Second
	// How long an unacked page retry must idle before another run claims it
	retryClaimIdle = time.Minute
)

// Container builds the pipeline from config and owns every resource of a run.
type Container struct {
	Config *config.Config
	RunID  string

	// Sessions is built from Config when nil
	Sessions session.Provider
}

func New(cfg *config.Config) *Container {
	return &Container{
		Config: cfg,
		RunID:  uuid.NewString(),
	}
}

// Run serves metrics next to the pipeline and returns when the pipeline
// finishes. Every resource acquired on the way is released before it returns.
func (c *Container) Run(ctx context.Context) (service.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if addr := c.Config.MetricsAddr(); addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, addr); err != nil {
				log.Warnf("⚠️ Metrics server stopped: %v", err)
			}
			return nil
		})
	}

	var summary service.Summary
	g.Go(func() error {
		defer cancel()
		var err error
		summary, err = c.run(gctx)
		return err
	})

	err := g.Wait()
	return summary, err
}

func (c *Container) run(ctx context.Context) (service.Summary, error) {
	cfg := c.Config
	var none service.Summary

	log.Infof("🚀 Run %s: app %s, page size %d, %d workers", c.RunID, cfg.Steam.AppID, cfg.Steam.PageSize, cfg.Steam.PoolSize)

	policy, err := fetcher.ParsePolicy(cfg.Fetcher.Policy)
	if err != nil {
		return none, err
	}

	provider := c.Sessions
	if provider == nil {
		provider = c.sessionProvider(ctx)
	}

	// Nothing is written or connected until the session exists
	log.Info("🔐 Acquiring session...")
	sess, err := provider.AcquireSession(ctx, cfg.Credentials)
	if err != nil {
		if ctx.Err() != nil {
			return none, ctx.Err()
		}
		return none, fmt.Errorf("%w: %w", service.ErrAuthentication, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warnf("⚠️ Failed to close browser session: %v", err)
		}
	}()

	outputPath := sink.ResolvePath(cfg.Output.Path, cfg.Steam.AppID)
	csvSink, err := sink.Open(outputPath)
	if err != nil {
		return none, err
	}
	defer func() {
		if err := csvSink.Close(); err != nil {
			log.Warnf("⚠️ Failed to close %s: %v", outputPath, err)
		}
	}()
	log.Infof("📝 Writing to %s", outputPath)

	var mirrors []sink.Sink
	if cfg.Database.Enabled {
		db, err := connectDatabase(ctx, cfg.Database)
		if err != nil {
			return none, err
		}
		defer db.Close()
		mirrors = append(mirrors, sink.NewRepositorySink(repository.NewListingRepository(db), cfg.Steam.AppID))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return none, err
		}
		defer rdb.Close()
	}

	// Without Redis the service keeps failed pages in memory for this run
	var retries service.PageRetries
	if rdb != nil {
		redisQueue, err := queue.NewRedisQueue(ctx, rdb, cfg.Redis.ConsumerGroup)
		if err != nil {
			return none, err
		}
		retries = queue.NewPageRetryQueue(redisQueue, pageRetryBlock, retryClaimIdle)
	}

	var stateManager state.StateManager
	switch cfg.Resume.Mode {
	case "redis":
		stateManager = state.NewRedisStateManager(rdb)
	case "none":
		stateManager = state.NewNoStateManager()
	default:
		stateManager = state.NewFileStateManager(outputPath, cfg.Steam.PageSize)
	}

	f := fetcher.New(fetcher.Config{
		Policy:            policy,
		Cooldown:          cfg.Fetcher.Cooldown,
		MaxAttempts:       cfg.Fetcher.MaxAttempts,
		MaxElapsed:        cfg.Fetcher.MaxElapsed,
		RequestsPerSecond: cfg.Fetcher.RequestsPerSecond,
	})

	headers := map[string]string{}
	if cfg.Browser.Referer != "" {
		headers["Referer"] = cfg.Browser.Referer
	}

	mainTab, err := openTab(ctx, sess, headers)
	if err != nil {
		return none, err
	}
	defer mainTab.Close()

	var workers []pool.Worker
	defer func() {
		pool.New(workers).Close()
	}()
	for i := 0; i < cfg.Steam.PoolSize; i++ {
		tab, err := openTab(ctx, sess, headers)
		if err != nil {
			return none, fmt.Errorf("failed to open worker tab %d: %w", i+1, err)
		}
		workers = append(workers, pool.NewTabWorker(i+1, tab, f, pool.TabWorkerConfig{
			WaitTimeout: cfg.Enrichment.WaitTimeout,
			MaxAttempts: cfg.Enrichment.MaxAttempts,
			MaxElapsed:  cfg.Enrichment.MaxElapsed,
		}))
	}
	log.Infof("🧵 %d worker tabs ready", len(workers))

	cursor := client.NewCatalogueClient(client.Config{
		BaseURL:       cfg.Steam.BaseURL,
		AppID:         cfg.Steam.AppID,
		PageSize:      cfg.Steam.PageSize,
		SortColumn:    domain.SortColumn(cfg.Steam.SortColumn),
		SortDirection: domain.SortDirection(cfg.Steam.SortDirection),
		WaitTimeout:   cfg.Enrichment.WaitTimeout,
	}, mainTab, f)

	svc := service.NewService(cursor, pool.New(workers), sink.Tee(csvSink, mirrors...), stateManager, retries, service.Options{
		AppID:          cfg.Steam.AppID,
		PageSize:       cfg.Steam.PageSize,
		MaxPageRetries: cfg.Fetcher.MaxPageRetries,
	})
	return svc.Run(ctx)
}

func (c *Container) sessionProvider(ctx context.Context) session.Provider {
	cfg := c.Config
	proxies := proxy.NewSupplier(ctx, cfg.Browser.Proxies, cfg.Steam.BaseURL+"/market/")

	return session.NewProvider(session.Options{
		Mode:         cfg.Session.Mode,
		CookieFile:   cfg.Session.CookieFile,
		LoginTimeout: cfg.Session.LoginTimeout,
		BaseURL:      cfg.Steam.BaseURL,
		UserAgent:    cfg.Browser.UserAgent,
		Chrome: browser.ChromeOptions{
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: cfg.Fetcher.NavigationTimeout,
		},
	}, proxies)
}

func openTab(ctx context.Context, sess browser.Session, headers map[string]string) (browser.Tab, error) {
	tab, err := sess.NewTab(ctx)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := tab.SetHeaders(ctx, headers); err != nil {
			tab.Close()
			return nil, err
		}
	}
	return tab, nil
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx,
		fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Name,
		))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("✅ Connected to Postgres successfully")
	return db, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("✅ Connected to Redis successfully")
	return rdb, nil
}
