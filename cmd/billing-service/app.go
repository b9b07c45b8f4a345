package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"subsync/internal/audit"
	"subsync/internal/config"
	"subsync/internal/constants"
	"subsync/internal/ledger"
	"subsync/internal/logger"
	"subsync/internal/notifier"
	"subsync/internal/reconciler"
	"subsync/internal/replay"
	"subsync/internal/subscription"
	"subsync/internal/webhook"
	"subsync/pkg/bootstrap"
	"subsync/pkg/health"
	"subsync/pkg/metrics"
	"subsync/pkg/middleware"
	"subsync/pkg/ratelimit"
	"subsync/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redis          *redis.Client
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("billing-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "billing-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	a.registerMetrics()

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	return nil
}

func (a *App) registerMetrics() {
	metrics.RegisterIngestMetrics()
	metrics.RegisterReplayMetrics()
	metrics.RegisterManagementMetrics()
	if a.Config.Broker.Type != "" {
		metrics.RegisterBrokerMetrics()
	}
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("billing-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	ledgerRepo := ledger.NewRepository(a.db)
	subRepo := subscription.NewRepository(a.db)
	auditLog := audit.NewLogger(a.db, a.Logger)

	var stateNotifier reconciler.Notifier
	if a.Producer != nil {
		stateNotifier = notifier.NewPublisher(a.Producer, a.Config.Broker.Kafka, a.Logger)
		a.Logger.InfowCtx(context.Background(), "State change publisher initialized",
			"topic", a.Config.Broker.Kafka.StateChangeTopic)
	}

	txTimeout := time.Duration(a.Config.Reconciler.TxTimeoutSeconds) * time.Second
	if txTimeout <= 0 {
		txTimeout = constants.DefaultTxTimeout
	}

	reconcilerSvc := reconciler.NewService(a.db, ledgerRepo, subRepo, auditLog, stateNotifier, a.Logger, txTimeout)

	verifier := webhook.NewVerifier(
		a.Config.Webhook.SigningSecret,
		time.Duration(a.Config.Webhook.ToleranceSeconds)*time.Second,
	)
	webhookSvc := webhook.NewService(verifier, reconcilerSvc, auditLog, a.Logger)
	webhookHandler := webhook.NewHandler(webhookSvc, a.Config.Webhook.SignatureHeader, a.Logger)

	var ingressMiddleware []gin.HandlerFunc
	if a.Config.Webhook.RateLimit.Enabled && a.redis != nil {
		ingressMiddleware = append(ingressMiddleware, ratelimit.RedisWindowMiddleware(a.redis, ratelimit.RedisWindowConfig{
			KeyPrefix: constants.IngressRateLimitPrefix,
			Limit:     a.Config.Webhook.RateLimit.PerMinute,
			Window:    constants.IngressRateLimitWindow,
		}))
		a.Logger.InfowCtx(context.Background(), "Ingress rate limiting enabled",
			"per_minute", a.Config.Webhook.RateLimit.PerMinute)
	}
	webhookHandler.RegisterRoutes(router, ingressMiddleware...)

	var reader subscription.Reader = subRepo
	if a.Config.CircuitBreaker.Enabled {
		reader = subscription.NewCircuitBreakerReader(subRepo, a.Config.CircuitBreaker)
		a.Logger.InfowCtx(context.Background(), "Circuit breaker enabled for subscription reads")
	}
	subscription.NewHandler(reader, a.Logger).RegisterRoutes(router)

	audit.NewHandler(auditLog, a.Logger).RegisterRoutes(router)

	replaySvc := replay.NewService(
		ledgerRepo, auditLog, reconcilerSvc, a.redis,
		a.Config.Replay.BatchLimit,
		time.Duration(a.Config.Replay.CheckpointTTLSeconds)*time.Second,
		a.Logger,
	)

	var adminMiddleware []gin.HandlerFunc
	if a.Config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.Config.Management.RateLimit.RPS,
			Burst:           a.Config.Management.RateLimit.Burst,
			CleanupInterval: time.Duration(a.Config.Management.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.Config.Management.RateLimit.MaxAge) * time.Second,
		}
		adminMiddleware = append(adminMiddleware, ratelimit.RateLimitMiddleware(rateLimitConfig))
	}
	replay.NewHandler(replaySvc, a.Logger).RegisterRoutes(router, adminMiddleware...)

	a.registerOperationalRoutes(router)

	a.router = router
	return nil
}

func (a *App) registerOperationalRoutes(router *gin.Engine) {
	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.Config.Broker.Type == "kafka" && len(a.Config.Broker.Kafka.Brokers) > 0 {
		healthRegistry.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers[0]))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down billing service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
