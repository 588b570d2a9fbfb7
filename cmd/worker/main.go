package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/config"
	"github.com/noah-isme/pos-terminal/internal/hardware"
	"github.com/noah-isme/pos-terminal/internal/obs"
	"github.com/noah-isme/pos-terminal/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Str("terminal_id", cfg.TerminalID).Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "pos"), nil)

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required for the hardware worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts := mustInitRedis(ctx, cfg, logger)

	agent := &hardware.Agent{
		BaseURL:   cfg.HardwareAgentURL,
		PrinterID: cfg.PrinterID,
		HTTP: resilience.HTTPClient{
			Client: resilience.InstrumentedClient(cfg.OutboundTimeout),
			Breaker: resilience.NewBreaker(resilience.BreakerConfig{
				Target:       "hardware-agent",
				MinRequests:  cfg.CircuitBackendMinReq,
				FailureRatio: cfg.CircuitBackendFailureRate,
				OpenFor:      cfg.CircuitBackendOpenFor,
				Logger:       &logger,
			}),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: 1,
			Timeout:     cfg.OutboundTimeout,
		},
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisOpts.Addr, Username: redisOpts.Username, Password: redisOpts.Password, DB: redisOpts.DB},
		asynq.Config{
			Concurrency:     cfg.WorkerConcurrency,
			Queues:          map[string]int{hardware.QueueName: 1},
			ShutdownTimeout: 10 * time.Second,
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return resilience.Backoff(cfg.RetryBase, n, cfg.RetryJitterPercent)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error().Err(err).Str("task", task.Type()).Msg("hardware task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	(&hardware.TaskHandler{Device: agent, Logger: logger}).Register(mux)

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Options {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisOpts
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
