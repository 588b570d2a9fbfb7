package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/common"
	"github.com/noah-isme/pos-terminal/internal/config"
	"github.com/noah-isme/pos-terminal/internal/display"
	"github.com/noah-isme/pos-terminal/internal/events"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/hardware"
	"github.com/noah-isme/pos-terminal/internal/health"
	"github.com/noah-isme/pos-terminal/internal/lock"
	"github.com/noah-isme/pos-terminal/internal/obs"
	"github.com/noah-isme/pos-terminal/internal/payment"
	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/ratelimit"
	"github.com/noah-isme/pos-terminal/internal/resilience"
	"github.com/noah-isme/pos-terminal/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("terminal_id", cfg.TerminalID).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "pos")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", false)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pos-terminal",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, redisOpts := initRedis(ctx, cfg, metricsEnabled, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	engine, err := pricing.NewEngine(pricing.Rates{Tax: cfg.TaxRate, CardSurcharge: cfg.CardSurchargeRate}, cfg.SettleEpsilon)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate configuration")
	}

	hub := display.NewHub(logger)
	displayServer := display.NewServer(hub, cfg.DisplayWriteTimeout, cfg.DisplayPingInterval, logger)
	displayServer.Context = ctx

	backend := &finalize.Client{
		BaseURL: cfg.BackendBaseURL,
		Token:   cfg.BackendToken,
		HTTP:    outbound(cfg, "order-backend", &logger),
	}
	finalizer := &finalize.Handler{
		Submitter: backend,
		Engine:    engine,
		LockTTL:   cfg.LockTTL,
		Logger:    logger,
	}

	agent := &hardware.Agent{
		BaseURL:   cfg.HardwareAgentURL,
		PrinterID: cfg.PrinterID,
		HTTP:      outbound(cfg, "hardware-agent", &logger),
	}
	var dispatcher hardware.Dispatcher = &hardware.Direct{Device: agent, Timeout: cfg.OutboundTimeout, Logger: logger}
	if cfg.HardwareDispatch == "queue" {
		taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Username: redisOpts.Username, Password: redisOpts.Password, DB: redisOpts.DB})
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task client")
			}
		}()
		dispatcher = &hardware.Queued{Client: taskClient, Queue: hardware.QueueName, MaxRetry: cfg.RetryMaxAttempts, Timeout: cfg.OutboundTimeout, Logger: logger}
	}

	bus := &events.Bus{Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}}}
	deps := payment.Deps{Display: hub, Finalizer: finalizer, Hardware: dispatcher, Journal: bus}
	var (
		journal    payment.EventReader
		idempotent func(http.Handler) http.Handler
		wsLimiter  ratelimit.Limiter
	)
	if redisClient != nil {
		rj := events.RedisJournal{R: redisClient, MaxLen: cfg.EventStreamMaxLen}
		bus.Store = rj
		journal = rj
		store := payment.RedisStore{R: redisClient, TTL: cfg.SessionCheckpointTTL, TerminalID: cfg.TerminalID}
		deps.Store = store
		finalizer.Locker = lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
		finalizer.Clearers = []finalize.Clearer{store}
		idempotent = common.Idem{R: redisClient}.Middleware
		wsLimiter = ratelimit.SlidingWindow{Client: redisClient, Prefix: "pos:rl:display", Window: time.Minute, Max: cfg.DisplayConnectPerMinute}
	}

	ctrl, err := payment.NewController(payment.Config{
		TerminalID: cfg.TerminalID,
		Engine:     engine,
		PrinterID:  cfg.PrinterID,
		Logger:     logger,
		NewID:      func() string { return uuid.NewString() },
	}, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment controller")
	}
	if resumed, err := ctrl.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("restore session checkpoint")
	} else if resumed {
		logger.Info().Msg("resumed session from checkpoint")
	}

	apiLimiter, err := ratelimit.NewFixed(redisClient, "pos:rl:api", strconv.Itoa(cfg.RateLimitPerMinute)+"-M")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	onLimitErr := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger, TerminalID: cfg.TerminalID}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Operator-Token"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{redis: redisClient, agent: agent},
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		AgentTimeout: envDurationMillis("HEALTH_READY_AGENT_TIMEOUT_MS", 500),
		Displays:     hub.Subscribers,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.With(ratelimit.Handler{Limiter: wsLimiter, Key: ratelimit.ByClientIP, OnError: onLimitErr}.Middleware).
		Get("/display/ws", displayServer.HandleWS)

	sessionAPI := &payment.Handler{
		Ctrl:       ctrl,
		Validate:   common.NewValidator(),
		Events:     journal,
		Logger:     logger,
		Idempotent: idempotent,
	}
	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
		v.Use(ratelimit.Handler{Limiter: apiLimiter, Key: ratelimit.ByClientIP, OnError: onLimitErr}.Middleware)
		v.Use(security.OperatorToken{Token: cfg.OperatorToken}.Middleware)
		sessionAPI.Routes(v)
		v.Get("/display", displayServer.HandleLast)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_GRACE_MS", 10000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("hardware_dispatch", cfg.HardwareDispatch).Msg("terminal starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("terminal stopped")
}

// initRedis connects when REDIS_URL is set. Without it the terminal runs
// with in-memory rate limits and no checkpoints.
func initRedis(ctx context.Context, cfg *config.Config, metricsEnabled bool, logger zerolog.Logger) (*redis.Client, *redis.Options) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; session checkpoints and event journal disabled")
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client, opts
}

func outbound(cfg *config.Config, target string, logger *zerolog.Logger) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client: resilience.InstrumentedClient(cfg.OutboundTimeout),
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Target:       target,
			MinRequests:  cfg.CircuitBackendMinReq,
			FailureRatio: cfg.CircuitBackendFailureRate,
			OpenFor:      cfg.CircuitBackendOpenFor,
			Logger:       logger,
		}),
		BaseBackoff: cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitterPercent,
		Timeout:     cfg.OutboundTimeout,
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	redis *redis.Client
	agent *hardware.Agent
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func (c readinessChecker) PingAgent(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := c.agent.Status(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(st.Status) {
	case "", "ok", "healthy", "ready":
		return nil
	}
	if st.Message != "" {
		return errors.New("agent " + st.Status + ": " + st.Message)
	}
	return errors.New("agent " + st.Status)
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
