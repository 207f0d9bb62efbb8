package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/bulk-messaging/internal/api"
	"github.com/LeventeLantos/bulk-messaging/internal/config"
	"github.com/LeventeLantos/bulk-messaging/internal/dispatch"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/quota"
	"github.com/LeventeLantos/bulk-messaging/internal/sender"
	"github.com/LeventeLantos/bulk-messaging/internal/session"
	"github.com/LeventeLantos/bulk-messaging/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	log.Info("bulk-messaging starting",
		"addr", cfg.Server.Address,
		"store", cfg.Store.Driver,
		"workers", cfg.Dispatch.Workers,
		"redis", cfg.Redis.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		PostgresURL: cfg.Store.PostgresURL,
	}, log)
	if err != nil {
		log.Error("failed to open message log store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	limits := quota.Limits{
		model.Email:    cfg.Quota.EmailDaily,
		model.WhatsApp: cfg.Quota.WhatsAppDaily,
	}
	var tracker quota.Tracker
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		tracker = quota.NewRedisTracker(rdb, limits)
	} else {
		tracker = quota.NewMemoryTracker(limits)
	}

	mux := sender.NewMux()
	if cfg.Gateways.EmailURL != "" {
		mux.Register(model.Email, sender.NewWebhookSender(cfg.Gateways.EmailURL))
	}
	if cfg.Gateways.WhatsAppURL != "" {
		mux.Register(model.WhatsApp, sender.NewWebhookSender(cfg.Gateways.WhatsAppURL))
	}

	progress := dispatch.ObserverFunc(func(ev dispatch.ProgressEvent) {
		log.Debug("progress",
			"session", ev.SessionID,
			"processed", ev.Processed,
			"total", ev.Total,
			"last_status", ev.LastStatus,
		)
	})

	engine := dispatch.New(dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		BackoffBase:       cfg.Dispatch.BackoffBase,
		BackoffMax:        cfg.Dispatch.BackoffMax,
		RatePerSec:        cfg.Dispatch.RatePerSec,
		RequireDurableLog: cfg.Dispatch.RequireDurableLog,
	}, st, tracker, mux, progress, log)

	coord := session.New(st, engine, log)

	var cr *cron.Cron
	if cfg.Retention.MaxAgeDays > 0 {
		maxAge := time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour
		cr = cron.New()
		if _, err := cr.AddFunc(cfg.Retention.Cron, func() {
			pctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := st.PruneSessions(pctx, maxAge)
			if err != nil {
				log.Error("session prune failed", "err", err)
				return
			}
			if n > 0 {
				log.Info("pruned old sessions", "count", n, "max_age_days", cfg.Retention.MaxAgeDays)
			}
		}); err != nil {
			log.Error("invalid retention cron spec", "spec", cfg.Retention.Cron, "err", err)
			os.Exit(1)
		}
		cr.Start()
		defer cr.Stop()
	}

	handler := api.NewHandler(coord, engine, st)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	go func() {
		log.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	log.Info("bye")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
