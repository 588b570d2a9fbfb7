package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds terminal configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	TerminalID         string
	RedisURL           string
	CORSAllowedOrigins []string

	BackendBaseURL   string
	BackendToken     string
	HardwareAgentURL string
	HardwareDispatch string
	PrinterID        string

	TaxRate           decimal.Decimal
	CardSurchargeRate decimal.Decimal
	SettleEpsilon     decimal.Decimal
	CurrencyCode      string

	OutboundTimeout           time.Duration
	RetryBase                 time.Duration
	RetryMaxAttempts          int
	RetryJitterPercent        float64
	CircuitBackendMinReq      int
	CircuitBackendFailureRate float64
	CircuitBackendOpenFor     time.Duration

	LockTTL              time.Duration
	LockRetryBackoff     time.Duration
	SessionCheckpointTTL time.Duration
	EventStreamMaxLen    int64

	DisplayWriteTimeout time.Duration
	DisplayPingInterval time.Duration

	RateLimitPerMinute      int
	DisplayConnectPerMinute int
	BodyLimitBytes          int64
	SecurityHeaders         bool
	OperatorToken           string

	WorkerConcurrency int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8090"),
		TerminalID:         valueOrDefault(k.String("TERMINAL_ID"), "pos-1"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		BackendBaseURL:   strings.TrimRight(strings.TrimSpace(k.String("BACKEND_BASE_URL")), "/"),
		BackendToken:     strings.TrimSpace(k.String("BACKEND_TOKEN")),
		HardwareAgentURL: strings.TrimRight(valueOrDefault(k.String("HARDWARE_AGENT_URL"), "http://localhost:8001/api/hardware"), "/"),
		HardwareDispatch: strings.ToLower(valueOrDefault(k.String("HARDWARE_DISPATCH"), "direct")),
		PrinterID:        valueOrDefault(k.String("HARDWARE_PRINTER_ID"), "pos_receipt_printer"),

		CurrencyCode: valueOrDefault(k.String("CURRENCY_CODE"), "USD"),

		OutboundTimeout:           parseDuration(k.String("OUTBOUND_TIMEOUT"), "5s"),
		RetryBase:                 parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:          parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent:        parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitBackendMinReq:      parseInt(k.String("CIRCUIT_BACKEND_MIN_REQUESTS"), 5),
		CircuitBackendFailureRate: parseFloat(k.String("CIRCUIT_BACKEND_FAILURE_RATE"), 0.5),
		CircuitBackendOpenFor:     parseDuration(k.String("CIRCUIT_BACKEND_OPEN_FOR"), "30s"),

		LockTTL:              parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:     parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		SessionCheckpointTTL: parseDuration(k.String("SESSION_CHECKPOINT_TTL"), "24h"),
		EventStreamMaxLen:    int64(parseInt(k.String("EVENT_STREAM_MAX_LEN"), 10000)),

		DisplayWriteTimeout: parseDuration(k.String("DISPLAY_WRITE_TIMEOUT"), "5s"),
		DisplayPingInterval: parseDuration(k.String("DISPLAY_PING_INTERVAL"), "30s"),

		RateLimitPerMinute:      parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 600),
		DisplayConnectPerMinute: parseInt(k.String("DISPLAY_CONNECT_PER_MINUTE"), 30),
		BodyLimitBytes:          int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		SecurityHeaders:         parseBoolDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
		OperatorToken:           strings.TrimSpace(k.String("OPERATOR_TOKEN")),

		WorkerConcurrency: parseInt(k.String("WORKER_CONCURRENCY"), 2),
	}

	var err error
	if cfg.TaxRate, err = parseRate("TAX_RATE", k.String("TAX_RATE"), "0.10"); err != nil {
		return nil, err
	}
	if cfg.CardSurchargeRate, err = parseRate("CARD_SURCHARGE_RATE", k.String("CARD_SURCHARGE_RATE"), "0.03"); err != nil {
		return nil, err
	}
	if cfg.SettleEpsilon, err = parseRate("SETTLE_EPSILON", k.String("SETTLE_EPSILON"), "0.01"); err != nil {
		return nil, err
	}

	if cfg.BackendBaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}
	switch cfg.HardwareDispatch {
	case "direct":
	case "queue":
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when HARDWARE_DISPATCH=queue")
		}
	default:
		return nil, fmt.Errorf("HARDWARE_DISPATCH must be direct or queue, got %q", cfg.HardwareDispatch)
	}

	return cfg, nil
}

// HTTPAddr returns the address the local API should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8090"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseRate(key, value, fallback string) (decimal.Decimal, error) {
	raw := valueOrDefault(value, fallback)
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
