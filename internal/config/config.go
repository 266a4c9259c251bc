package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tiernaugh/MF252-sub001/internal/money"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret string

	LogLevel  string
	LogFormat string

	WorkerConcurrency int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	GenerationTimeout time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MaxAttempts       int

	Currency             money.Currency
	DailySpendLimit      money.Amount
	JobSpendLimit        money.Amount
	DefaultEstimatedCost money.Amount
	SpendNodeID          int64

	// IdempotencyPeriod is "day" or "week".
	IdempotencyPeriod  string
	DeliveryInterval   time.Duration
	GenerationLeadTime time.Duration
	ScheduleNext       bool

	PlansFile string
	Plans     Plans

	GeneratorKind     string
	GeneratorURL      string
	GeneratorAPIKey   string
	GeneratorModel    string
	GeneratorRPS      float64
	GeneratorBurst    int
	InputPricePer1K   decimal.Decimal
	OutputPricePer1K  decimal.Decimal

	RedisURL           string
	RedisChannelPrefix string
	SESFromEmail       string
	AWSRegion          string

	OTELEnabled        bool
	OTELEndpoint       string
	OTELProtocol       string
	OTELSampleRatio    float64
	OTELMetricInterval time.Duration
	ServiceName        string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getenv("DATABASE_URL", ""),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		JWTSecret:            getenv("JWT_SECRET", ""),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "json"),
		IdempotencyPeriod:    strings.ToLower(getenv("IDEMPOTENCY_PERIOD", "day")),
		PlansFile:            getenv("PLANS_FILE", ""),
		GeneratorKind:        strings.ToLower(getenv("GENERATOR", "openai")),
		GeneratorURL:         getenv("GENERATOR_URL", "https://api.openai.com/v1/responses"),
		GeneratorAPIKey:      getenv("GENERATOR_API_KEY", ""),
		GeneratorModel:       getenv("GENERATOR_MODEL", "gpt-4.1"),
		RedisURL:             getenv("REDIS_URL", ""),
		RedisChannelPrefix:   getenv("REDIS_CHANNEL_PREFIX", "episodes"),
		SESFromEmail:         getenv("SES_FROM_EMAIL", ""),
		AWSRegion:            getenv("AWS_REGION", ""),
		OTELEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELProtocol:         strings.ToLower(getenv("OTEL_EXPORTER_PROTOCOL", "http")),
		ServiceName:          getenv("OTEL_SERVICE_NAME", "manyfutures"),
	}

	for _, o := range strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	var err error
	if cfg.WorkerConcurrency, err = getEnvInt("WORKER_CONCURRENCY", 1); err != nil {
		return Config{}, fmt.Errorf("parse WORKER_CONCURRENCY: %w", err)
	}
	if cfg.MaxAttempts, err = getEnvInt("MAX_ATTEMPTS", 3); err != nil {
		return Config{}, fmt.Errorf("parse MAX_ATTEMPTS: %w", err)
	}
	if cfg.GeneratorBurst, err = getEnvInt("GENERATOR_BURST", 1); err != nil {
		return Config{}, fmt.Errorf("parse GENERATOR_BURST: %w", err)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"WORKER_POLL_INTERVAL", 5 * time.Second, &cfg.PollInterval},
		{"LEASE_DURATION", 10 * time.Minute, &cfg.LeaseDuration},
		{"GENERATION_TIMEOUT", 5 * time.Minute, &cfg.GenerationTimeout},
		{"RETRY_BASE_DELAY", time.Minute, &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", time.Hour, &cfg.RetryMaxDelay},
		{"DELIVERY_INTERVAL", 7 * 24 * time.Hour, &cfg.DeliveryInterval},
		{"GENERATION_LEAD_TIME", 2 * time.Hour, &cfg.GenerationLeadTime},
		{"OTEL_METRIC_EXPORT_INTERVAL", 30 * time.Second, &cfg.OTELMetricInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.def); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
	}

	if cfg.ScheduleNext, err = getEnvBool("SCHEDULE_NEXT", true); err != nil {
		return Config{}, fmt.Errorf("parse SCHEDULE_NEXT: %w", err)
	}
	if cfg.OTELEnabled, err = getEnvBool("OTEL_ENABLED", false); err != nil {
		return Config{}, fmt.Errorf("parse OTEL_ENABLED: %w", err)
	}
	if cfg.OTELSampleRatio, err = getEnvFloat("OTEL_SAMPLE_RATIO", 1.0); err != nil {
		return Config{}, fmt.Errorf("parse OTEL_SAMPLE_RATIO: %w", err)
	}
	if cfg.GeneratorRPS, err = getEnvFloat("GENERATOR_RPS", 1.0); err != nil {
		return Config{}, fmt.Errorf("parse GENERATOR_RPS: %w", err)
	}

	// unset lets each process pick its own node
	nodeID, err := getEnvInt("SPEND_NODE_ID", -1)
	if err != nil {
		return Config{}, fmt.Errorf("parse SPEND_NODE_ID: %w", err)
	}
	cfg.SpendNodeID = int64(nodeID)

	if cfg.Currency, err = money.ParseCurrency(getenv("CURRENCY", string(money.DefaultCurrency))); err != nil {
		return Config{}, fmt.Errorf("parse CURRENCY: %w", err)
	}
	amounts := []struct {
		key string
		def string
		dst *money.Amount
	}{
		{"DAILY_SPEND_LIMIT", "50.00", &cfg.DailySpendLimit},
		{"JOB_SPEND_LIMIT", "5.00", &cfg.JobSpendLimit},
		{"DEFAULT_ESTIMATED_COST", "3.00", &cfg.DefaultEstimatedCost},
	}
	for _, a := range amounts {
		if *a.dst, err = money.Parse(getenv(a.key, a.def), cfg.Currency); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", a.key, err)
		}
	}

	if cfg.InputPricePer1K, err = decimal.NewFromString(getenv("GENERATOR_INPUT_PRICE_PER_1K", "0.0016")); err != nil {
		return Config{}, fmt.Errorf("parse GENERATOR_INPUT_PRICE_PER_1K: %w", err)
	}
	if cfg.OutputPricePer1K, err = decimal.NewFromString(getenv("GENERATOR_OUTPUT_PRICE_PER_1K", "0.0064")); err != nil {
		return Config{}, fmt.Errorf("parse GENERATOR_OUTPUT_PRICE_PER_1K: %w", err)
	}

	if cfg.PlansFile != "" {
		if cfg.Plans, err = LoadPlans(cfg.PlansFile, cfg.Currency); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.PollInterval <= 0 || c.RetryBaseDelay <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL and RETRY_BASE_DELAY must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	// a lease shorter than a generation call lets a second worker reclaim a healthy job
	if c.LeaseDuration <= c.GenerationTimeout {
		return fmt.Errorf("LEASE_DURATION (%s) must exceed GENERATION_TIMEOUT (%s)", c.LeaseDuration, c.GenerationTimeout)
	}
	switch c.IdempotencyPeriod {
	case "day", "week":
	default:
		return fmt.Errorf("IDEMPOTENCY_PERIOD must be day or week, got %q", c.IdempotencyPeriod)
	}
	if c.SpendNodeID < -1 || c.SpendNodeID > 1023 {
		return fmt.Errorf("SPEND_NODE_ID must be between 0 and 1023, got %d", c.SpendNodeID)
	}
	if c.JobSpendLimit.IsNegative() || c.DailySpendLimit.IsNegative() {
		return fmt.Errorf("spend limits must not be negative")
	}
	switch c.GeneratorKind {
	case "openai", "static":
	default:
		return fmt.Errorf("GENERATOR must be openai or static, got %q", c.GeneratorKind)
	}
	switch c.OTELProtocol {
	case "http", "grpc":
	default:
		return fmt.Errorf("OTEL_EXPORTER_PROTOCOL must be http or grpc, got %q", c.OTELProtocol)
	}
	return nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvBool(key string, def bool) (bool, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
