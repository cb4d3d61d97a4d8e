package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"activity-scheduler/internal/api"
	"activity-scheduler/internal/archive"
	"activity-scheduler/internal/config"
	"activity-scheduler/internal/engine"
	"activity-scheduler/internal/models"
	"activity-scheduler/internal/notify"
	"activity-scheduler/internal/ratelimit"
	"activity-scheduler/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init store", zap.Error(err))
	}
	defer closeStore()

	notifier, err := buildNotifier(cfg)
	if err != nil {
		logger.Fatal("init notifier", zap.Error(err))
	}
	defer func() { _ = notifier.Close() }()

	var archiver engine.Archiver
	if cfg.ArchiveS3Bucket != "" {
		s3Archiver, err := archive.NewS3(ctx, archive.Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
			Prefix:    cfg.ArchiveS3Prefix,
		})
		if err != nil {
			logger.Fatal("init s3 archiver", zap.Error(err))
		}
		archiver = s3Archiver
	}

	eng := engine.New(st, notifier, logger, engine.Options{
		JanitorInterval: cfg.JanitorInterval,
		DLQRetention:    cfg.DLQRetention,
		UsageRetention:  cfg.UsageRetention,
		Archiver:        archiver,
	})

	for i, name := range cfg.Queues {
		qc := engine.QueueConfig{
			Name:            name,
			PollInterval:    cfg.PollInterval,
			EnqueueInterval: cfg.EnqueueInterval,
			StartupDelay:    time.Duration(i) * cfg.StartupStagger,
			Parallelism:     cfg.Parallelism,
			MaxRetries:      cfg.MaxRetries,
			StaleTimeout:    cfg.StaleTimeout,
			Retention:       cfg.JobRetention,
		}
		if err := eng.Register(qc, simulatedHandler()); err != nil {
			logger.Fatal("register queue", zap.String("queue", name), zap.Error(err))
		}
	}

	limiter := ratelimit.New(st, cfg.RateWindow, cfg.RateQuotas, cfg.RateDefaultQuota)

	if err := eng.Start(); err != nil {
		logger.Fatal("start engine", zap.Error(err))
	}
	defer eng.Stop()

	server := api.New(st, eng, limiter, notifier, logger, cfg.DefaultQueue, cfg.SSEHeartbeat)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildLogger(envName string) (*zap.Logger, error) {
	if envName == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func buildNotifier(cfg config.Config) (notify.Notifier, error) {
	switch cfg.NotifierDriver {
	case "memory":
		return notify.NewInMemory(), nil
	case "redis":
		return notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NotifyChannel)
	default:
		return nil, fmt.Errorf("unknown notifier driver %q", cfg.NotifierDriver)
	}
}

// simulatedHandler exercises the full job lifecycle without real domain
// work. Params drive the outcome: {"should_fail": true} fails the job,
// {"duration_ms": N} sleeps, {"cursor": "..."} is carried to the next run.
func simulatedHandler() engine.Handler {
	return engine.HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job models.Job) (engine.Result, error) {
			var params struct {
				ShouldFail bool   `json:"should_fail"`
				DurationMS int    `json:"duration_ms"`
				Cursor     string `json:"cursor"`
			}
			if job.Params != "" {
				if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
					return engine.Result{}, fmt.Errorf("decode params: %w", err)
				}
			}
			if params.ShouldFail {
				return engine.Result{}, errors.New("simulated failure requested by params.should_fail")
			}
			if params.DurationMS > 0 {
				select {
				case <-ctx.Done():
					return engine.Result{}, ctx.Err()
				case <-time.After(time.Duration(params.DurationMS) * time.Millisecond):
				}
			}
			return engine.Result{Cursor: params.Cursor, Summary: "ok"}, nil
		},
	}
}
