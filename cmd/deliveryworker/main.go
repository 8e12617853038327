package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/leadforge/core/internal/audit"
	"github.com/leadforge/core/internal/config"
	"github.com/leadforge/core/internal/delivery"
	"github.com/leadforge/core/internal/queue"
	"github.com/leadforge/core/internal/store"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

const serviceName = "deliveryworker"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	pgq := queue.NewPgQueue(db)
	if err := pgq.EnsureSchema(ctx); err != nil {
		fatal("ensure queue schema failed", err)
	}

	executor := &delivery.Executor{
		Store:  st,
		Poster: delivery.NewPoster(),
		Config: delivery.ExecutorConfig{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Schedule:    cfg.Webhook.BackoffSchedule(),
			Timeout:     cfg.Webhook.TotalTimeout(),
		},
		Audit:  audit.Recorder{Sink: st},
		Logger: logger,
		Meter:  meter,
	}

	runner, err := pq.NewRunner(pgq, executor.Handle, pq.RunnerOptions{
		Queue:             queue.DeliveryQueue,
		Concurrency:       cfg.Workers.Delivery,
		PollTimeout:       cfg.Queue.PollTimeout(),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		HandlerTimeout:    cfg.Webhook.ConnectTimeout() + cfg.Webhook.TotalTimeout() + 5*time.Second,
		Logger:            printfLogger{logger},
	})
	if err != nil {
		fatal("runner init failed", err)
	}

	go func() {
		stop := make(chan os.Signal, 2)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info(ctx, "shutdown start", nil)
		cancel()
	}()

	logger.Info(ctx, "worker start", map[string]any{"queue": string(queue.DeliveryQueue), "concurrency": cfg.Workers.Delivery})
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("worker failed", err)
	}
	logger.Info(context.Background(), "shutdown complete", nil)
}

type printfLogger struct{ l *telemetry.Logger }

func (p printfLogger) Printf(format string, args ...any) {
	p.l.Warn(context.Background(), "queue runner", map[string]any{"detail": fmt.Sprintf(format, args...)})
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

func fatal(msg string, err error) {
	telemetry.NewDefaultLogger(os.Stderr, serviceName).Error(context.Background(), msg, map[string]any{"error": err})
	os.Exit(1)
}
