package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full application configuration, loaded from the
// environment (optionally seeded from a .env file).
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	OTP         OTPConfig
	RateLimit   RateLimitConfig
	Store       StoreConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	SMTP        SMTPConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	KMS         KMSConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OTPConfig is the issuance/verification policy.
type OTPConfig struct {
	// Secret is the server-wide HMAC key. Ignored when KMS is enabled.
	Secret        string
	CodeLength    int
	Expiry        time.Duration
	MaxAttempts   int
	StrictBinding bool
	From          string
	// CleanupInterval is how often the server sweeps expired records
	// out of the store.
	CleanupInterval time.Duration
}

type RateLimitConfig struct {
	MaxPerWindow int
	Window       time.Duration
	// SweepInterval controls how often the in-memory governor evicts
	// settled windows.
	SweepInterval time.Duration
}

// StoreConfig selects the record store backend: memory, redis or scylla.
type StoreConfig struct {
	Backend string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	// SecretCiphertext is the base64 KMS ciphertext of the server secret.
	SecretCiphertext string
}

const (
	// MinSecretLength is the shortest server secret accepted anywhere.
	MinSecretLength = 32

	minCodeLength = 4
	maxCodeLength = 10
)

// LoadConfig reads configuration from the environment. A .env file in
// the working directory is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		OTP: OTPConfig{
			Secret:          getEnv("OTP_SERVER_SECRET", ""),
			CodeLength:      getEnvInt("OTP_CODE_LENGTH", 6),
			Expiry:          getEnvDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 5),
			StrictBinding:   getEnvBool("OTP_STRICT_BINDING", false),
			From:            getEnv("OTP_FROM_ADDRESS", "no-reply@localhost"),
			CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow:  getEnvInt("RATE_LIMIT_MAX", 3),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			SweepInterval: getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "memory"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Hosts:    getEnvList("SCYLLA_HOSTS", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "secure2fa"),
			Timeout:  getEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_TOPIC", "otp-events"),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("CLICKHOUSE_DATABASE", "secure2fa"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Table:    getEnv("CLICKHOUSE_TABLE", "otp_audit"),
		},
		KMS: KMSConfig{
			Enabled:          getEnvBool("KMS_ENABLED", false),
			Region:           getEnv("AWS_REGION", "us-east-1"),
			SecretCiphertext: getEnv("KMS_SECRET_CIPHERTEXT", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the fatal configuration constraints. These are
// raised once at load time and never retried.
func (c *Config) Validate() error {
	if c.OTP.CodeLength < minCodeLength || c.OTP.CodeLength > maxCodeLength {
		return fmt.Errorf("OTP_CODE_LENGTH must be between %d and %d, got %d",
			minCodeLength, maxCodeLength, c.OTP.CodeLength)
	}
	if c.OTP.Expiry <= 0 {
		return fmt.Errorf("OTP_EXPIRY must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.RateLimit.MaxPerWindow <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit max and window must be positive")
	}
	if c.OTP.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	if !c.KMS.Enabled && len(c.OTP.Secret) < MinSecretLength {
		return fmt.Errorf("OTP_SERVER_SECRET must be at least %d characters", MinSecretLength)
	}
	if c.KMS.Enabled && c.KMS.SecretCiphertext == "" {
		return fmt.Errorf("KMS_SECRET_CIPHERTEXT is required when KMS is enabled")
	}
	switch c.Store.Backend {
	case "memory", "redis", "scylla":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, scylla; got %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
