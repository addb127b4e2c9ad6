package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aditya/go-carpool/internal/cache"
	"github.com/aditya/go-carpool/internal/config"
	"github.com/aditya/go-carpool/internal/database"
	"github.com/aditya/go-carpool/internal/handler"
	"github.com/aditya/go-carpool/internal/logger"
	"github.com/aditya/go-carpool/internal/middleware"
	"github.com/aditya/go-carpool/internal/notify"
	"github.com/aditya/go-carpool/internal/repository"
	"github.com/aditya/go-carpool/internal/scheduler"
	"github.com/aditya/go-carpool/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/newrelic/go-agent/v3/newrelic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "text").Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.WithField("env", cfg.Env).Info("starting carpool lifecycle service")

	// New Relic is optional
	var nrApp *newrelic.Application
	if cfg.NewRelicEnabled && cfg.NewRelicLicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelicAppName),
			newrelic.ConfigLicense(cfg.NewRelicLicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
			newrelic.ConfigInfoLogger(log.Writer()),
		)
		if err != nil {
			log.WithError(err).Warn("failed to initialize New Relic")
			nrApp = nil
		} else if err := nrApp.WaitForConnection(10 * time.Second); err != nil {
			log.WithError(err).Warn("New Relic connection timeout")
		} else {
			log.Info("New Relic connected")
		}
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBMaxIdleConnections)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	if cfg.DBAutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := database.Migrate(ctx, db.DB)
		cancel()
		if err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	redis, err := database.NewRedis(cfg.RedisURL, cfg.RedisPassword, cfg.RedisPoolSize)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	log.Info("connected to Redis")

	// Notifications go to connected clients over redis, and to the mail/push worker over
	// AMQP when a broker is configured.
	notifiers := notify.Multi{notify.NewRedisNotifier(redis.Client)}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.NotificationExchange, log)
		if err != nil {
			log.Fatalf("Failed to connect to AMQP broker: %v", err)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		log.WithField("exchange", cfg.NotificationExchange).Info("publishing notifications to AMQP")
	} else {
		notifiers = append(notifiers, notify.NewLogNotifier(log))
	}

	// Repositories
	offerRepo := repository.NewRideOfferRepository(db.DB)
	requestRepo := repository.NewRideRequestRepository(db.DB)
	tx := database.NewTransactor(db.DB)

	// Services
	lifecycle := service.LifecycleConfig{
		CancelLeadTime:            cfg.CancelLeadTime,
		AutoFinishAfter:           cfg.AutoFinishAfter,
		RetentionPeriod:           cfg.RetentionPeriod,
		LegacyDeleteSeatIncrement: cfg.LegacyDeleteSeatIncrement,
	}
	offerService := service.NewRideOfferService(tx, offerRepo, requestRepo, notifiers, log, lifecycle)
	requestService := service.NewRideRequestService(tx, offerRepo, requestRepo, notifiers, log, lifecycle)
	sweepService := service.NewSweepService(tx, offerRepo, requestRepo, notifiers, log, lifecycle)

	// Sweeps
	sweepState := cache.NewSweepStateCache(redis.Client)
	sched := scheduler.New(sweepService, sweepState, nrApp, log, scheduler.Config{
		AutoFinishSchedule: cfg.AutoFinishSchedule,
		RetentionSchedule:  cfg.RetentionSchedule,
		LockTTL:            cfg.SweepLockTTL,
	})
	if err := sched.Register(); err != nil {
		log.Fatalf("Failed to schedule sweeps: %v", err)
	}
	sched.Start()

	// Handlers
	offerHandler := handler.NewRideOfferHandler(offerService, log)
	requestHandler := handler.NewRideRequestHandler(requestService, log)
	notificationHandler := handler.NewNotificationHandler(redis.Client, log)
	healthHandler := handler.NewHealthHandler(
		map[string]handler.HealthChecker{"database": db, "redis": redis},
		sweepState,
		[]string{scheduler.JobAutoFinish, scheduler.JobPurgeExpired},
		log,
	)

	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	rateLimiter := middleware.NewRateLimiter(redis.Client, cfg.RateLimitRequests, cfg.RateLimitWindow, log)
	idempotencyMw := middleware.NewIdempotencyMiddleware(redis.Client)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewRelicMiddleware(nrApp))

	r.Get("/health", healthHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Use(middleware.NewRelicUser)
		r.Use(rateLimiter.Handler)
		r.Use(idempotencyMw.Handler)

		offerHandler.RegisterRoutes(r)
		requestHandler.RegisterRoutes(r)
		notificationHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
		if err := sched.Stop(ctx); err != nil {
			log.WithError(err).Warn("sweeps still running at shutdown")
		}
		if nrApp != nil {
			nrApp.Shutdown(5 * time.Second)
		}
	}()

	log.WithField("port", cfg.Port).Info("server starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	<-stopped
	log.Info("server stopped gracefully")
}
