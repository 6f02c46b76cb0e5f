// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Compensation policies.
const (
	PolicyBestEffort = "best_effort"
	PolicyStrict     = "strict"
)

// Worker modes.
const (
	WorkerModeQueue = "queue"
	WorkerModeSweep = "sweep"
)

// Config is the resolved runtime configuration shared by the API and the worker.
type Config struct {
	LogLevel    string
	Server      ServerConfig
	AWS         AWSConfig
	Tables      TablesConfig
	Queue       QueueConfig
	Metrics     MetricsConfig
	Gateway     GatewayConfig
	Redis       RedisConfig
	Saga        SagaConfig
	Idempotency IdempotencyConfig
	Worker      WorkerConfig
}

// ServerConfig controls the HTTP entrypoint.
type ServerConfig struct {
	Addr     string
	RunLocal bool
}

// AWSConfig selects the region and an optional endpoint override (LocalStack, dynamodb-local).
type AWSConfig struct {
	Region   string
	Endpoint string
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Orders      string
	Intents     string
	Idempotency string
}

// QueueConfig names the SQS queue used for compensation retries.
type QueueConfig struct {
	CompensationURL string
}

// MetricsConfig controls CloudWatch metric emission.
type MetricsConfig struct {
	Namespace string
	Enabled   bool
}

// GatewayConfig controls the user and product service clients.
type GatewayConfig struct {
	UsersBaseURL         string
	ProductsBaseURL      string
	Timeout              time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	BreakerFailures      int
	BreakerOpenTimeout   time.Duration
	UserCacheTTL         time.Duration
}

// RedisConfig enables the user-existence cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SagaConfig tunes compensation and reconciliation.
type SagaConfig struct {
	CompensationPolicy string
	ReconcileGrace     time.Duration
	ReconcileInterval  time.Duration
	MaxReleaseAttempts int
}

// IdempotencyConfig controls Idempotency-Key record retention.
type IdempotencyConfig struct {
	TTL time.Duration
	// InProgressTimeout is how long an IN_PROGRESS record may sit untouched
	// before a retry takes it over.
	InProgressTimeout time.Duration
}

// WorkerConfig selects what the worker binary consumes: compensation retry
// messages from SQS or scheduled reconciler sweeps.
type WorkerConfig struct {
	Mode string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvMap supplies explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load resolves the configuration. Explicit env maps win over the process environment.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			return os.LookupEnv(key)
		}
		return "", false
	}

	cfg := Config{
		LogLevel: stringWithDefault(lookup, "LOG_LEVEL", "info"),
		Server: ServerConfig{
			Addr:     stringWithDefault(lookup, "HTTP_ADDR", ":8080"),
			RunLocal: boolWithDefault(lookup, "RUN_LOCAL", false),
		},
		AWS: AWSConfig{
			Region:   stringWithDefault(lookup, "AWS_REGION", "us-east-1"),
			Endpoint: stringWithDefault(lookup, "AWS_ENDPOINT_OVERRIDE", ""),
		},
		Tables: TablesConfig{
			Orders:      stringWithDefault(lookup, "ORDERS_TABLE", "orders"),
			Intents:     stringWithDefault(lookup, "INTENTS_TABLE", "order_intents"),
			Idempotency: stringWithDefault(lookup, "IDEMPOTENCY_TABLE", "idempotency"),
		},
		Queue: QueueConfig{
			CompensationURL: stringWithDefault(lookup, "COMPENSATION_QUEUE_URL", ""),
		},
		Metrics: MetricsConfig{
			Namespace: stringWithDefault(lookup, "METRICS_NAMESPACE", "OrderFulfillment"),
			Enabled:   boolWithDefault(lookup, "METRICS_ENABLED", true),
		},
		Gateway: GatewayConfig{
			UsersBaseURL:         strings.TrimRight(stringWithDefault(lookup, "USER_SERVICE_URL", ""), "/"),
			ProductsBaseURL:      strings.TrimRight(stringWithDefault(lookup, "PRODUCT_SERVICE_URL", ""), "/"),
			Timeout:              durationWithDefault(lookup, "GATEWAY_TIMEOUT", 3*time.Second),
			MaxRetries:           intWithDefault(lookup, "GATEWAY_MAX_RETRIES", 2),
			RetryInitialInterval: durationWithDefault(lookup, "GATEWAY_RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
			BreakerFailures:      intWithDefault(lookup, "GATEWAY_BREAKER_FAILURES", 5),
			BreakerOpenTimeout:   durationWithDefault(lookup, "GATEWAY_BREAKER_OPEN_TIMEOUT", 30*time.Second),
			UserCacheTTL:         durationWithDefault(lookup, "GATEWAY_USER_CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "REDIS_DB", 0),
		},
		Saga: SagaConfig{
			CompensationPolicy: strings.ToLower(stringWithDefault(lookup, "COMPENSATION_POLICY", PolicyBestEffort)),
			ReconcileGrace:     durationWithDefault(lookup, "RECONCILE_GRACE", 2*time.Minute),
			ReconcileInterval:  durationWithDefault(lookup, "RECONCILE_INTERVAL", time.Minute),
			MaxReleaseAttempts: intWithDefault(lookup, "MAX_RELEASE_ATTEMPTS", 5),
		},
		Idempotency: IdempotencyConfig{
			TTL:               durationWithDefault(lookup, "IDEMPOTENCY_TTL", 48*time.Hour),
			InProgressTimeout: durationWithDefault(lookup, "IDEMPOTENCY_IN_PROGRESS_TIMEOUT", time.Minute),
		},
		Worker: WorkerConfig{
			Mode: strings.ToLower(stringWithDefault(lookup, "WORKER_MODE", WorkerModeQueue)),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Tables.Orders == "" {
		missing = append(missing, "Tables.Orders")
	}
	if cfg.Tables.Intents == "" {
		missing = append(missing, "Tables.Intents")
	}
	if cfg.Tables.Idempotency == "" {
		missing = append(missing, "Tables.Idempotency")
	}
	if cfg.Gateway.UsersBaseURL == "" {
		missing = append(missing, "Gateway.UsersBaseURL")
	}
	if cfg.Gateway.ProductsBaseURL == "" {
		missing = append(missing, "Gateway.ProductsBaseURL")
	}
	if cfg.Gateway.Timeout <= 0 {
		missing = append(missing, "Gateway.Timeout")
	}
	if cfg.Gateway.MaxRetries < 0 {
		missing = append(missing, "Gateway.MaxRetries")
	}
	if cfg.Gateway.BreakerFailures <= 0 {
		missing = append(missing, "Gateway.BreakerFailures")
	}
	switch cfg.Saga.CompensationPolicy {
	case PolicyBestEffort, PolicyStrict:
	default:
		missing = append(missing, "Saga.CompensationPolicy")
	}
	if cfg.Saga.MaxReleaseAttempts <= 0 {
		missing = append(missing, "Saga.MaxReleaseAttempts")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.InProgressTimeout <= 0 {
		missing = append(missing, "Idempotency.InProgressTimeout")
	}
	if cfg.Worker.Mode != WorkerModeQueue && cfg.Worker.Mode != WorkerModeSweep {
		missing = append(missing, "Worker.Mode")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
