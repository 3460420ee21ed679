package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotkeeper/internal/admin"
	approvalmodels "spotkeeper/internal/approval/models"
	"spotkeeper/internal/approval/publisher"
	approvalservice "spotkeeper/internal/approval/service"
	approvalstore "spotkeeper/internal/approval/store"
	bookingservice "spotkeeper/internal/booking/service"
	bookingstore "spotkeeper/internal/booking/store"
	jwttoken "spotkeeper/internal/jwt_token"
	"spotkeeper/internal/platform/config"
	"spotkeeper/internal/platform/httpserver"
	"spotkeeper/internal/platform/logger"
	"spotkeeper/internal/platform/metrics"
	"spotkeeper/internal/platform/middleware"
	"spotkeeper/internal/platform/postgres"
	platformredis "spotkeeper/internal/platform/redis"
	reportcache "spotkeeper/internal/report/cache"
	reporthandler "spotkeeper/internal/report/handler"
	reportservice "spotkeeper/internal/report/service"
	webhookhandler "spotkeeper/internal/webhook/handler"
	webhookservice "spotkeeper/internal/webhook/service"
	auditpostgres "spotkeeper/pkg/platform/audit/store/postgres"
	"spotkeeper/pkg/platform/middleware/requesttime"
	"spotkeeper/pkg/platform/tx"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// healthCheck is one dependency probed by /healthz.
type healthCheck struct {
	name  string
	check func(context.Context) error
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.Postgres.URL, postgres.Options{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	checks := []healthCheck{{name: "postgres", check: db.PingContext}}

	m := metrics.New()
	runner := tx.NewSQLRunner(db, cfg.Postgres.TxTimeout)
	bookings := bookingstore.NewPostgres(db)
	groups := approvalstore.NewPostgres(db)
	auditStore := auditpostgres.New(db)

	var (
		subscribers publisher.Multi
		cache       *reportcache.RedisCache
	)
	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		cache = reportcache.NewRedis(rc.Client, cfg.Report.CacheTTL)
		subscribers = append(subscribers, cache)
		checks = append(checks, healthCheck{name: "redis", check: rc.Health})
		log.Info("report cache enabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := publisher.New(cfg.Kafka, publisher.WithLogger(log))
		if err != nil {
			return err
		}
		defer kafka.Close()
		if client, ok := kafka.Client(); ok {
			if err := publisher.EnsureTopic(ctx, client, cfg.Kafka); err != nil {
				return err
			}
		}
		subscribers = append(subscribers, kafka)
		checks = append(checks, healthCheck{name: "kafka", check: kafka.Health})
		log.Info("decision events enabled", "topic", cfg.Kafka.DecisionTopic)
	}

	var decisions approvalservice.DecisionPublisher = publisher.Noop{}
	if len(subscribers) > 0 {
		decisions = subscribers
	}

	approvals := approvalservice.New(bookings, groups, auditStore, runner,
		approvalservice.WithLogger(log),
		approvalservice.WithMetrics(m),
		approvalservice.WithPublisher(decisions),
		approvalservice.WithActor(cfg.Approval.Actor),
		approvalservice.WithNoGroupAction(approvalmodels.NoGroupAction(cfg.Approval.NoGroupAction)),
		approvalservice.WithDefaultEventType(cfg.Approval.DefaultEventTypeID),
	)
	ingestOpts := []webhookservice.Option{
		webhookservice.WithLogger(log),
		webhookservice.WithMetrics(m),
	}
	reportOpts := []reportservice.Option{
		reportservice.WithLogger(log),
		reportservice.WithMetrics(m),
	}
	lifecycleOpts := []bookingservice.Option{bookingservice.WithLogger(log)}
	if cache != nil {
		ingestOpts = append(ingestOpts, webhookservice.WithInvalidator(cache))
		reportOpts = append(reportOpts, reportservice.WithCache(cache))
		lifecycleOpts = append(lifecycleOpts, bookingservice.WithInvalidator(cache))
	}
	ingestion := webhookservice.New(bookings, approvals, runner, ingestOpts...)
	reports := reportservice.New(bookings, approvals, approvals, cfg.Report, reportOpts...)
	lifecycle := bookingservice.New(bookings, runner, lifecycleOpts...)
	jwtService := jwttoken.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())
	webhookhandler.New(ingestion, cfg.Approval.WebhookToken, log, m).Register(r)
	reporthandler.New(reports, log).Register(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOperator(jwttoken.NewJWTServiceAdapter(jwtService), log))
		admin.New(approvals, lifecycle, auditStore, log).Register(r)
	})

	srv := httpserver.New(cfg.Server.Addr, r)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting spotkeeper", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				http.Error(w, c.name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}
}
