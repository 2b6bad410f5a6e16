package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trialsites/trialsites/internal/config"
	"github.com/trialsites/trialsites/internal/domain/claim"
	"github.com/trialsites/trialsites/internal/domain/search"
	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/domain/support"
	"github.com/trialsites/trialsites/internal/geocode"
	"github.com/trialsites/trialsites/internal/platform/auth"
	"github.com/trialsites/trialsites/internal/platform/db"
	"github.com/trialsites/trialsites/internal/platform/middleware"
	"github.com/trialsites/trialsites/internal/platform/sqlite"
	"github.com/trialsites/trialsites/internal/platform/telemetry"
	"github.com/trialsites/trialsites/internal/platform/webhook"
	"github.com/trialsites/trialsites/internal/platform/websocket"
	"github.com/trialsites/trialsites/internal/suggest"
)

const version = "0.1.0"

// stores bundles the repositories of the configured driver.
type stores struct {
	sites  site.Repository
	claims claim.Repository
	health db.Pinger
	driver string
	close  func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		sdb, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &stores{
			sites:  site.NewRepoSQLite(sdb),
			claims: claim.NewRepoSQLite(sdb),
			health: db.PingFunc(sdb.PingContext),
			driver: config.DriverSQLite,
			close:  func() { sdb.Close() },
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return &stores{
			sites:  site.NewRepoPG(pool),
			claims: claim.NewRepoPG(pool),
			health: pool,
			driver: config.DriverPostgres,
			close:  pool.Close,
		}, nil
	}
}

// buildGeocoder chains the offline table ahead of the HTTP geocoder and puts
// the caller-side cache in front of both.
func buildGeocoder(cfg *config.Config, metrics *telemetry.Metrics, logger zerolog.Logger) (geocode.Geocoder, error) {
	var chain geocode.Chain
	if cfg.GeocoderTableFile != "" {
		table, err := geocode.LoadTable(cfg.GeocoderTableFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("entries", table.Len()).Str("file", cfg.GeocoderTableFile).Msg("loaded postal code table")
		chain = append(chain, table)
	}
	if cfg.GeocoderBaseURL != "" {
		chain = append(chain, geocode.NewHTTPClient(cfg.GeocoderBaseURL, cfg.GeocoderTimeout, logger))
	}
	return search.NewCachedGeocoder(chain, cfg.GeocodeCacheTTL, cfg.GeocodeMissTTL, metrics), nil
}

func buildSuggester(cfg *config.Config) (*suggest.Engine, error) {
	if cfg.VocabularyFile == "" {
		return nil, nil
	}
	v, err := suggest.LoadVocabulary(cfg.VocabularyFile)
	if err != nil {
		return nil, err
	}
	return suggest.NewEngine(v), nil
}

// buildSessionStore keeps staging queues in Redis when REDIS_URL is set so
// they survive restarts and are shared between instances.
func buildSessionStore(ctx context.Context, cfg *config.Config) (claim.SessionStore, func(), error) {
	if cfg.RedisURL == "" {
		return claim.NewMemorySessionStore(cfg.StagingTTL), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return claim.NewRedisSessionStore(client, cfg.StagingTTL), func() { client.Close() }, nil
}

func buildTicketSink(cfg *config.Config, logger zerolog.Logger) support.Sink {
	if cfg.SupportWebhookURL == "" {
		return support.NewLogSink(logger)
	}
	return support.NewWebhookSink(webhook.NewClient(cfg.SupportWebhookURL, cfg.SupportWebhookSecret, cfg.SupportTimeout))
}

// app is the assembled HTTP server and the resources it owns.
type app struct {
	echo      *echo.Echo
	hub       *websocket.Hub
	telemetry *telemetry.TelemetryProvider
	cleanup   []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	tp, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = tp
	a.cleanup = append(a.cleanup, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	})
	metrics := tp.Metrics()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, st.close)
	logger.Info().Str("driver", st.driver).Msg("connected to store")

	sessions, closeSessions, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, closeSessions)

	geocoder, err := buildGeocoder(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	suggester, err := buildSuggester(cfg)
	if err != nil {
		return nil, err
	}

	a.hub = websocket.NewHub(logger)
	searchSvc := search.NewService(st.sites, geocoder, suggester, search.Config{
		DefaultRadius: cfg.SearchDefaultRadius,
		MaxRadius:     cfg.SearchMaxRadius,
		NearbyLimit:   cfg.SearchNearbyLimit,
	}, metrics, logger)
	supportSvc := support.NewService(buildTicketSink(cfg, logger), metrics, logger)
	claimSvc := claim.NewService(st.sites, st.claims, sessions, supportSvc, a.hub, metrics, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, claim.HeaderSessionID},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(st.health, st.driver))
	e.GET("/metrics", tp.PrometheusHandler())
	websocket.NewHandler(a.hub, cfg.CORSOrigins, logger).RegisterRoutes(e.Group(""))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Optional:   true,
	}
	api := e.Group("/api/v1")
	if cfg.DevAuth() {
		logger.Warn().Msg("development auth is active: requests without a token act as a verified admin")
		api.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		api.Use(auth.JWTMiddleware(jwtCfg))
	}
	rlCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rlCfg.RequestsPerSecond <= 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rlCfg))

	search.NewHandler(searchSvc).RegisterRoutes(api)
	support.NewHandler(supportSvc).RegisterRoutes(api)
	claimHandler := claim.NewHandler(claimSvc)
	claimHandler.RegisterRoutes(api)
	claimHandler.RegisterAdminRoutes(api.Group("/admin", auth.RequireRole("admin")))

	// Seed the gauge; later changes are pushed by the claim service.
	if n, err := claimSvc.PendingCount(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to read pending claim count")
	} else {
		logger.Info().Int("pending_verification", n).Msg("claims awaiting verification")
	}

	a.echo = e
	ok = true
	return a, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
