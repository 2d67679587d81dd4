package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carecircle/medadmin/internal/config"
	"github.com/carecircle/medadmin/internal/domain/administration"
	"github.com/carecircle/medadmin/internal/domain/medication"
	"github.com/carecircle/medadmin/internal/platform/auth"
	"github.com/carecircle/medadmin/internal/platform/db"
	"github.com/carecircle/medadmin/internal/platform/middleware"
	"github.com/carecircle/medadmin/internal/platform/telemetry"
	"github.com/carecircle/medadmin/internal/platform/validation"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds the wired backends shared by serve and doses.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	store   administration.Store
	catalog *medication.CachedCatalog
	idem    middleware.IdempotencyStore
	tel     *telemetry.Provider
	svc     *administration.Service

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects the configured backends. The caller must Close the app.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.NeedsDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	store, err := a.openStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	inner, err := a.openCatalog()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog = medication.NewCachedCatalog(inner, cfg.CatalogCacheTTL)

	idem, err := a.openIdempotencyStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.idem = idem

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tel = telemetry.New(telemetry.Config{
		ServiceName:    "medadmin",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	a.svc = administration.NewService(a.catalog, a.store, administration.Config{
		Generator: administration.GeneratorConfig{
			FlagWindow:     cfg.FlagMatchWindow,
			ExplicitWindow: cfg.ExplicitMatchWindow,
			Location:       loc,
		},
		ConflictWindow:       cfg.ConflictWindow,
		ExcludeSameCaregiver: cfg.ExcludeSameCaregiver,
	},
		administration.WithLogger(logger.With().Str("component", "administration").Logger()),
		administration.WithTracer(a.tel.Tracer()),
		administration.WithOutcomeRecorder(a.tel),
	)
	return a, nil
}

func (a *app) openStore() (administration.Store, error) {
	switch a.cfg.StoreBackend {
	case config.StoreMemory:
		a.logger.Warn().Msg("using in-memory administration store; records are lost on restart")
		return administration.NewMemoryStore(), nil
	case config.StoreBadger:
		s, err := administration.OpenBadgerStore(a.cfg.BadgerDir, a.logger.With().Str("component", "badger").Logger())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Error().Err(err).Msg("close badger store")
			}
		})
		return s, nil
	case config.StorePostgres:
		return administration.NewPGStore(a.pool), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
}

func (a *app) openCatalog() (medication.Catalog, error) {
	switch a.cfg.CatalogBackend {
	case config.CatalogFile:
		c, err := medication.LoadFileCatalog(a.cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CatalogPostgres:
		return medication.NewCatalogPG(a.pool), nil
	}
	return nil, fmt.Errorf("unknown catalog backend %q", a.cfg.CatalogBackend)
}

func (a *app) openIdempotencyStore(ctx context.Context) (middleware.IdempotencyStore, error) {
	if a.cfg.RedisURL == "" {
		return middleware.NewMemoryIdempotencyStore(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })

	s := middleware.NewRedisIdempotencyStore(client, "")
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.logger.Info().Msg("connected to redis")
	return s, nil
}

// newServer builds the echo instance with the middleware chain and routes.
func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.tel.TracingMiddleware())
	e.Use(a.tel.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, telemetry.TraceIDHeader, middleware.IdempotencyReplayedHeader},
	}))

	// Health and metrics sit outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", a.tel.PrometheusHandler())
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}

	apiV1 := e.Group("/api/v1")
	if a.cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Idempotency(middleware.IdempotencyConfig{
		Store:  a.idem,
		TTL:    a.cfg.IdempotencyTTL,
		Logger: a.logger,
	}))

	medication.NewHandler(a.catalog).RegisterRoutes(apiV1)
	administration.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

// watchPool publishes pool gauges until ctx is done.
func (a *app) watchPool(ctx context.Context, every time.Duration) {
	if a.pool == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		stat := a.pool.Stat()
		a.tel.SetDBPool(int64(stat.AcquiredConns()), int64(stat.IdleConns()))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// printDoses writes a day's schedule as an aligned table.
func printDoses(w io.Writer, date administration.Date, doses []administration.ScheduledDose) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Doses for %s\n", date)
	fmt.Fprintln(tw, "TIME\tMEDICATION\tSLOT\tSTATUS\tRECORD")
	for _, d := range doses {
		status, record := "pending", ""
		if d.Administered {
			status = "given"
			if d.AdministrationID != nil {
				record = d.AdministrationID.String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Clock, d.MedicationName, d.SlotLabel, status, record)
	}
	return tw.Flush()
}
