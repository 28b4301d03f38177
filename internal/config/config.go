package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server    ServerConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Token     TokenConfig
	Redis     RedisConfig
	Scylla    ScyllaConfig
	Kafka     KafkaConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// PolicyConfig is one endpoint class's token-bucket policy: the bucket holds
// at most Capacity tokens and gains RefillTokens every RefillInterval.
type PolicyConfig struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
}

type RateLimitConfig struct {
	// TrustForwardedFor derives client identity from the first X-Forwarded-For
	// element. Leave off unless a trusted reverse proxy overwrites the header;
	// otherwise clients can spoof their bucket key.
	TrustForwardedFor bool

	Shards        int
	IdleThreshold time.Duration
	SweepInterval time.Duration

	Login        PolicyConfig
	Register     PolicyConfig
	VerifyEmail  PolicyConfig
	ResetRequest PolicyConfig
	ResetConfirm PolicyConfig
}

type TokenConfig struct {
	Store           string // memory | redis | scylla
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	PurgeInterval   time.Duration
}

type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string // empty disables event emission
	Topic   string
}

// Load reads .env (when present) plus process env. Policy thresholds shifted
// across deployments historically, so every number is tunable here rather
// than baked into code.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			TrustForwardedFor: getEnvBool("RATE_LIMIT_TRUST_FORWARDED", false),
			Shards:            getEnvInt("RATE_LIMIT_SHARDS", 16),
			IdleThreshold:     getEnvDuration("RATE_LIMIT_IDLE_THRESHOLD", time.Hour),
			SweepInterval:     getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", 30*time.Minute),
			Login: PolicyConfig{
				Capacity:       getEnvInt("RATE_LIMIT_LOGIN_CAPACITY", 5),
				RefillTokens:   getEnvInt("RATE_LIMIT_LOGIN_REFILL", 5),
				RefillInterval: getEnvDuration("RATE_LIMIT_LOGIN_INTERVAL", time.Minute),
			},
			Register: PolicyConfig{
				Capacity:       getEnvInt("RATE_LIMIT_REGISTER_CAPACITY", 10),
				RefillTokens:   getEnvInt("RATE_LIMIT_REGISTER_REFILL", 10),
				RefillInterval: getEnvDuration("RATE_LIMIT_REGISTER_INTERVAL", 10*time.Minute),
			},
			VerifyEmail: PolicyConfig{
				Capacity:       getEnvInt("RATE_LIMIT_VERIFY_CAPACITY", 30),
				RefillTokens:   getEnvInt("RATE_LIMIT_VERIFY_REFILL", 30),
				RefillInterval: getEnvDuration("RATE_LIMIT_VERIFY_INTERVAL", time.Minute),
			},
			ResetRequest: PolicyConfig{
				Capacity:       getEnvInt("RATE_LIMIT_RESET_REQUEST_CAPACITY", 5),
				RefillTokens:   getEnvInt("RATE_LIMIT_RESET_REQUEST_REFILL", 5),
				RefillInterval: getEnvDuration("RATE_LIMIT_RESET_REQUEST_INTERVAL", 10*time.Minute),
			},
			ResetConfirm: PolicyConfig{
				Capacity:       getEnvInt("RATE_LIMIT_RESET_CONFIRM_CAPACITY", 10),
				RefillTokens:   getEnvInt("RATE_LIMIT_RESET_CONFIRM_REFILL", 10),
				RefillInterval: getEnvDuration("RATE_LIMIT_RESET_CONFIRM_INTERVAL", time.Minute),
			},
		},
		Token: TokenConfig{
			Store:           getEnv("TOKEN_STORE", "memory"),
			VerificationTTL: getEnvDuration("TOKEN_VERIFICATION_TTL", 24*time.Hour),
			ResetTTL:        getEnvDuration("TOKEN_RESET_TTL", 24*time.Hour),
			PurgeInterval:   getEnvDuration("TOKEN_PURGE_INTERVAL", 24*time.Hour),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "authgate"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "security-events"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) ServerAddress() string {
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

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
