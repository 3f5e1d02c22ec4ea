package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Port               string
	DatabaseURL        string
	StoreTimeout       time.Duration
	SessionTTL         time.Duration
	SessionSweep       time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	NATSURL            string
	NATSSubjectPrefix  string
	RealtimeBuffer     int
	BranchConfigPath   string
	OTLPEndpoint       string
	OTLPInsecure       bool
	Branch             Branch
}

// Load reads the environment, applies command-line overrides from args and
// then loads the branch file.
func Load(args []string) (Config, error) {
	cfg := fromEnv()

	flags := pflag.NewFlagSet("branch-queue", pflag.ContinueOnError)
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flags.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL connection string")
	flags.StringVar(&cfg.BranchConfigPath, "branch-config", cfg.BranchConfigPath, "path to the branch YAML file")
	flags.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL (empty disables the relay)")
	flags.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "timeout for a single store write")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	branch, err := LoadBranch(cfg.BranchConfigPath)
	if err != nil {
		return Config{}, err
	}
	cfg.Branch = branch
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	prefix := os.Getenv("NATS_SUBJECT_PREFIX")
	if prefix == "" {
		prefix = "qms.branch"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		StoreTimeout:       readDurationSeconds("STORE_TIMEOUT_SECONDS", 5),
		SessionTTL:         readDurationHours("SESSION_TTL_HOURS", 8),
		SessionSweep:       readDurationSeconds("SESSION_SWEEP_SECONDS", 60),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSSubjectPrefix:  prefix,
		RealtimeBuffer:     readInt("REALTIME_BUFFER", 16),
		BranchConfigPath:   os.Getenv("BRANCH_CONFIG"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	return c.Branch.Validate()
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationHours(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Hour
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
