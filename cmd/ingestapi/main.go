package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/leadforge/core/internal/audit"
	"github.com/leadforge/core/internal/config"
	"github.com/leadforge/core/internal/httpapi"
	"github.com/leadforge/core/internal/ingest"
	"github.com/leadforge/core/internal/policy"
	"github.com/leadforge/core/internal/queue"
	"github.com/leadforge/core/internal/store"
	"github.com/leadforge/core/internal/validate"
	"github.com/leadforge/core/pkg/idempotency"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

const serviceName = "ingestapi"

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx, getenv("LEADFORGE_CONFIG_ROOT", "./config"), serviceName, os.Getenv("LEADFORGE_ENV"))
	if err != nil {
		fatal("config load failed", err)
	}
	logger := telemetry.NewLogger(os.Stdout, telemetry.Options{
		Service:   serviceName,
		Level:     telemetry.Level(cfg.LogLevel),
		Timestamp: true,
	})
	meter := telemetry.NewPromMeter()

	db, err := openDB(cfg)
	if err != nil {
		fatal("db open failed", err)
	}
	defer db.Close()

	st := store.New(db, nil)
	if err := st.EnsureSchema(ctx); err != nil {
		fatal("ensure schema failed", err)
	}

	var q pq.Queue
	switch cfg.Queue.Backend {
	case "memory":
		q = queue.NewMemQueue()
	default:
		pgq := queue.NewPgQueue(db)
		if err := pgq.EnsureSchema(ctx); err != nil {
			fatal("ensure queue schema failed", err)
		}
		q = pgq
	}

	pipeline := &ingest.Pipeline{
		Store:      st,
		Sources:    st,
		Duplicates: st,
		Policies:   policy.NewCache(ms(cfg.Policies.CacheTTLMS)),
		Loader:     st,
		IdemCache:  idempotency.NewCache(5*time.Minute, 0),
		Producer:   q,
		Disposable: validate.BuiltinBlocklist{},
		Audit:      audit.Recorder{Sink: st},
		Logger:     logger,
		Meter:      meter,
	}

	server := &httpapi.Server{
		Pipeline:       pipeline,
		Replay:         st,
		Producer:       q,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout(),
		Service:        serviceName,
		Env:            cfg.Env,
		Checks: []telemetry.Check{
			{Name: "db", Probe: func(ctx context.Context) error { return db.PingContext(ctx) }},
		},
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewRouter(server, meter.Registry()),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	go func() {
		logger.Info(ctx, "server start", map[string]any{"addr": cfg.Server.Addr, "env": cfg.Env})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
	defer cancel()
	logger.Info(ctx, "shutdown start", nil)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", map[string]any{"error": err})
		_ = srv.Close()
	}
	logger.Info(ctx, "shutdown complete", nil)
}

func openDB(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxIdleTime(time.Minute)
	pingCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DB.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func fatal(msg string, err error) {
	telemetry.NewDefaultLogger(os.Stderr, serviceName).Error(context.Background(), msg, map[string]any{"error": err})
	os.Exit(1)
}
