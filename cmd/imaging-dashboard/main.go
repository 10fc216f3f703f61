package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radiology/dashboard/internal/config"
	"github.com/radiology/dashboard/internal/domain/visit"
	"github.com/radiology/dashboard/internal/platform/cache"
	"github.com/radiology/dashboard/internal/platform/db"
	"github.com/radiology/dashboard/internal/platform/events"
	"github.com/radiology/dashboard/internal/platform/logging"
	"github.com/radiology/dashboard/internal/platform/middleware"
	"github.com/radiology/dashboard/internal/platform/reporting"
	"github.com/radiology/dashboard/internal/platform/telemetry"
	"github.com/radiology/dashboard/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "imaging-dashboard",
		Short:        "Radiology visit generator and reporting API",
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logging.New(cfg.Env, cfg.LogLevel), nil
}

const (
	storeAuto     = "auto"
	storeMemory   = "memory"
	storePostgres = "postgres"
)

// openStore picks the visit store. "auto" uses PostgreSQL when DATABASE_URL
// is set. The returned pool is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, mode string) (visit.Store, *pgxpool.Pool, error) {
	switch mode {
	case storeAuto:
		if !cfg.UsePostgres() {
			return visit.NewMemoryStore(), nil, nil
		}
	case storeMemory:
		return visit.NewMemoryStore(), nil, nil
	case storePostgres:
		if err := cfg.RequireDatabase(); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want auto, memory or postgres)", mode)
	}

	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	})
	if err != nil {
		return nil, nil, err
	}
	return visit.NewVisitRepoPG(pool), pool, nil
}

// openPublisher returns a Kafka publisher when brokers are configured.
func openPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Nop{}
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}

// openCache returns a Redis cache when REDIS_URL is set. A Redis that cannot
// be reached degrades to no caching.
func openCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) cache.Cache {
	if cfg.RedisURL == "" {
		return cache.Nop{}
	}
	c, err := cache.NewRedis(ctx, cfg.RedisURL, "imaging-dashboard")
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, report caching disabled")
		return cache.Nop{}
	}
	logger.Info().Msg("connected to redis")
	return c
}

// newService builds the visit service with its clock in the configured zone,
// the same zone the database session groups dates and weekdays in.
func newService(store visit.Store, cfg *config.Config, logger zerolog.Logger) *visit.Service {
	svc := visit.NewService(store, visit.DefaultCatalog(), logger)
	loc := cfg.Location()
	svc.SetClock(func() time.Time { return time.Now().In(loc) })
	return svc
}

// wireSeedHooks invalidates cached reports and announces each reseed.
func wireSeedHooks(svc *visit.Service, reporter *reporting.Reporter, pub events.Publisher) {
	if reporter != nil {
		svc.OnSeeded(func(ctx context.Context, _ *visit.SeedResult) error {
			return reporter.Invalidate(ctx)
		})
	}
	svc.OnSeeded(func(ctx context.Context, res *visit.SeedResult) error {
		return pub.Publish(ctx, events.TypeVisitsReseeded, map[string]interface{}{
			"run_id":      res.RunID.String(),
			"requested":   res.Requested,
			"window_days": res.WindowDays,
			"cleared":     res.Cleared,
			"inserted":    res.Inserted,
			"summary":     res.Summary,
		})
	})
}

// wireSeedMetrics records every successful seed run.
func wireSeedMetrics(svc *visit.Service, m *telemetry.Metrics) {
	svc.OnSeeded(func(_ context.Context, res *visit.SeedResult) error {
		m.RecordSeed(res.Inserted, res.Duration, time.Now())
		return nil
	})
}

func generateCmd() *cobra.Command {
	var (
		count     int
		window    int
		seed      int64
		storeMode string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Replace all stored visits with freshly generated ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("count") {
				count = cfg.SeedCount
			}
			if !cmd.Flags().Changed("window") {
				window = cfg.SeedWindowDays
			}
			return runGenerate(cmd.Context(), cmd.OutOrStdout(), cfg, logger, storeMode,
				visit.SeedRequest{Count: count, WindowDays: window, Seed: seed})
		},
	}
	cmd.Flags().IntVar(&count, "count", visit.DefaultCount, "Number of visits to generate (default SEED_COUNT)")
	cmd.Flags().IntVar(&window, "window", visit.DefaultWindowDays, "Days back from now to spread visits over (default SEED_WINDOW_DAYS)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed for reproducible data (0 = time based)")
	cmd.Flags().StringVar(&storeMode, "store", storeAuto, "Store to write to: auto, memory or postgres")
	return cmd
}

func runGenerate(ctx context.Context, out io.Writer, cfg *config.Config, logger zerolog.Logger, storeMode string, req visit.SeedRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Reject bad input before touching any store.
	if req.Count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", visit.ErrInvalidArgument, req.Count)
	}

	store, pool, err := openStore(ctx, cfg, storeMode)
	if err != nil {
		return err
	}
	var reporter *reporting.Reporter
	if pool != nil {
		defer pool.Close()
		c := openCache(ctx, cfg, logger)
		defer c.Close()
		reporter = reporting.NewReporter(pool, c, cfg.ReportCacheTTL, logger)
	}
	pub := openPublisher(cfg)
	defer pub.Close()

	svc := newService(store, cfg, logger)
	wireSeedHooks(svc, reporter, pub)

	res, err := svc.Seed(ctx, req)
	if err != nil {
		return err
	}
	return visit.FormatSummary(out, res)
}

func serveCmd() *cobra.Command {
	var storeMode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(storeMode)
		},
	}
	cmd.Flags().StringVar(&storeMode, "store", storeAuto, "Visit store: auto, memory or postgres")
	return cmd
}

// serverDeps are the collaborators the HTTP server is assembled from. Pool
// and Reporter are nil when running on the memory store.
type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	svc      *visit.Service
	pool     *pgxpool.Pool
	reporter *reporting.Reporter
	metrics  *telemetry.Metrics
}

func newServer(d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	if d.metrics != nil {
		e.Use(d.metrics.Middleware())
	}
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		storeName := storeMemory
		if d.pool != nil {
			storeName = storePostgres
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   storeName,
		})
	})
	if d.pool != nil {
		e.GET("/health/db", db.HealthHandler(d.pool))
	}
	if d.metrics != nil {
		e.GET("/metrics", d.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.BodyLimit("64K"))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	visitHandler := visit.NewHandler(d.svc, visit.SeedRequest{
		Count:      d.cfg.SeedCount,
		WindowDays: d.cfg.SeedWindowDays,
	})
	visitHandler.RegisterRoutes(apiV1, middleware.RateLimit(middleware.SeedRateLimitConfig()))

	if d.reporter != nil {
		reporting.NewHandler(d.reporter).RegisterRoutes(apiV1)
	}
	return e
}

func runServer(storeMode string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pool, err := openStore(ctx, cfg, storeMode)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	deps := serverDeps{cfg: cfg, logger: logger, pool: pool}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
		c := openCache(ctx, cfg, logger)
		defer c.Close()
		deps.reporter = reporting.NewReporter(pool, c, cfg.ReportCacheTTL, logger)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, visits are kept in memory")
	}

	pub := openPublisher(cfg)
	defer pub.Close()

	deps.svc = newService(store, cfg, logger)
	wireSeedHooks(deps.svc, deps.reporter, pub)
	deps.metrics = telemetry.New()
	wireSeedMetrics(deps.svc, deps.metrics)

	e := newServer(deps)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Path to migrations directory (default: migrations built into the binary)")

	openMigrator := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if err := cfg.RequireDatabase(); err != nil {
			return nil, nil, err
		}
		pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrationsFS(dir)), pool.Close, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
