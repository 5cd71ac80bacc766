// Package config loads and validates QCrBox configuration from environment
// variables. A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings of the registry, the client agent and the CLI.
// Each binary reads the subset it needs.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL selects PostgreSQL; when empty the
	// registry uses the SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Bus settings.
	NATSURL        string
	RPCTimeout     time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration

	// Election and status settings.
	AvailabilityTimeout  time.Duration
	SweepInterval        time.Duration
	StatusReportInterval time.Duration

	// Client agent settings.
	ApplicationSpec string // Path to the application YAML/TOML/JSON file.
	WorkDir         string
	CallableWorkers int
	MaxConcurrent   int
	GUIOpenCommand  string // Command that opens a GUI; the session URL is appended.

	// FinishedRetention is how long a finished calculation stays queryable
	// on the client that ran it.
	FinishedRetention time.Duration

	// CLI settings.
	RegistryURL string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	RateLimitRPS        float64 // Invocations per second per caller IP; 0 disables limiting.
	RateLimitBurst      int
}

// Load reads configuration from environment variables with defaults.
// Malformed values are reported together.
func Load() (Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                 intVar("QCRBOX_PORT", 11000),
		ReadTimeout:          durVar("QCRBOX_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         durVar("QCRBOX_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:          envStr("QCRBOX_DATABASE_URL", ""),
		SQLitePath:           envStr("QCRBOX_SQLITE_PATH", "qcrbox.db"),
		NATSURL:              envStr("QCRBOX_NATS_URL", "nats://127.0.0.1:4222"),
		RPCTimeout:           durVar("QCRBOX_RPC_TIMEOUT", 5*time.Second),
		ConnectRetries:       intVar("QCRBOX_CONNECT_RETRIES", 10),
		ConnectBackoff:       durVar("QCRBOX_CONNECT_BACKOFF", 500*time.Millisecond),
		AvailabilityTimeout:  durVar("QCRBOX_AVAILABILITY_TIMEOUT", 30*time.Second),
		SweepInterval:        durVar("QCRBOX_AVAILABILITY_SWEEP_INTERVAL", 5*time.Second),
		StatusReportInterval: durVar("QCRBOX_STATUS_REPORT_INTERVAL", time.Second),
		ApplicationSpec:      envStr("QCRBOX_APPLICATION_SPEC", ""),
		WorkDir:              envStr("QCRBOX_WORK_DIR", os.TempDir()),
		CallableWorkers:      intVar("QCRBOX_CALLABLE_WORKERS", 4),
		MaxConcurrent:        intVar("QCRBOX_MAX_CONCURRENT_CALCULATIONS", 1),
		FinishedRetention:    durVar("QCRBOX_FINISHED_RETENTION", time.Minute),
		GUIOpenCommand:       envStr("QCRBOX_GUI_OPEN_COMMAND", ""),
		RegistryURL:          envStr("QCRBOX_REGISTRY_URL", "http://127.0.0.1:11000"),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "qcrbox"),
		OTELInsecure:         boolVar("QCRBOX_OTEL_INSECURE", false),
		LogLevel:             envStr("QCRBOX_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:  int64(intVar("QCRBOX_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		RateLimitRPS:         floatVar("QCRBOX_RATE_LIMIT_RPS", 10),
		RateLimitBurst:       intVar("QCRBOX_RATE_LIMIT_BURST", 20),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("QCRBOX_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("one of QCRBOX_DATABASE_URL or QCRBOX_SQLITE_PATH is required"))
	}
	if c.NATSURL == "" {
		errs = append(errs, errors.New("QCRBOX_NATS_URL is required"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("QCRBOX_RPC_TIMEOUT must be positive"))
	}
	if c.AvailabilityTimeout <= 0 {
		errs = append(errs, errors.New("QCRBOX_AVAILABILITY_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("QCRBOX_AVAILABILITY_SWEEP_INTERVAL must be positive"))
	}
	if c.StatusReportInterval <= 0 {
		errs = append(errs, errors.New("QCRBOX_STATUS_REPORT_INTERVAL must be positive"))
	}
	if c.CallableWorkers < 1 {
		errs = append(errs, errors.New("QCRBOX_CALLABLE_WORKERS must be at least 1"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("QCRBOX_MAX_CONCURRENT_CALCULATIONS must be at least 1"))
	}
	if c.FinishedRetention < 0 {
		errs = append(errs, errors.New("QCRBOX_FINISHED_RETENTION must not be negative"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("QCRBOX_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("QCRBOX_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("QCRBOX_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
