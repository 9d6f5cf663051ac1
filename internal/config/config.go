package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort        string
	AppEnv         string
	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables

	DynamoBootstrap bool

	// Identity-provider pool and client ids of the deployment this service
	// fronts. Only logged; credentials are verified locally.
	IdPPoolID   string
	IdPClientID string

	SessionBackend string // "dynamo" | "redis"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	EventTopicARN         string
	EventDeadLetterBucket string
	EventPublishTimeout   time.Duration
	EventBuffer           int
	EventWorkers          int
	EventMaxRetries       int

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string

	AccessTokenTTL  time.Duration
	RefreshWindow   time.Duration
	CodeTTL         time.Duration
	StoreTimeout    time.Duration
	SingleSession   bool
	SlidingSessions bool
	SweepInterval   time.Duration
	IdempotencyTTL  time.Duration

	Argon2 Argon2

	AllowedOrigins []string // CORS allowed origins
	TrustedProxies []string // CIDRs or addresses allowed to set X-Forwarded-For
}

// DynamoTables holds the DynamoDB table name for each entity group.
type DynamoTables struct {
	Users       string
	Sessions    string
	Idempotency string
}

// Argon2 holds the password KDF cost parameters.
type Argon2 struct {
	MemoryKB uint32
	Time     uint32
	Threads  uint8
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Users:       getEnv("DYNAMO_TABLE_USERS", "sep-user-table"),
			Sessions:    getEnv("DYNAMO_TABLE_SESSIONS", "sep-session-table"),
			Idempotency: getEnv("DYNAMO_TABLE_IDEMPOTENCY", "sep-idempotency-table"),
		},
		DynamoBootstrap: getEnvBool("DYNAMO_BOOTSTRAP", true),
		IdPPoolID:       getEnv("IDP_POOL_ID", ""),
		IdPClientID:     getEnv("IDP_CLIENT_ID", ""),
		SessionBackend:  getEnv("SESSION_BACKEND", "dynamo"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),

		EventTopicARN:         getEnv("EVENT_TOPIC_ARN", ""),
		EventDeadLetterBucket: getEnv("EVENT_DEADLETTER_BUCKET", ""),
		EventPublishTimeout:   getEnvDuration("EVENT_PUBLISH_TIMEOUT", 200*time.Millisecond),
		EventBuffer:           getEnvInt("EVENT_BUFFER", 1024),
		EventWorkers:          getEnvInt("EVENT_WORKERS", 2),
		EventMaxRetries:       getEnvInt("EVENT_MAX_RETRIES", 5),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),

		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 5*time.Minute),
		RefreshWindow:   getEnvDuration("REFRESH_WINDOW", 60*time.Minute),
		CodeTTL:         getEnvDuration("CODE_TTL", 15*time.Minute),
		StoreTimeout:    getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		SingleSession:   getEnvBool("SINGLE_SESSION", false),
		SlidingSessions: getEnvBool("SLIDING_SESSIONS", true),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
		IdempotencyTTL:  getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		Argon2: Argon2{
			MemoryKB: uint32(getEnvInt("ARGON2_MEMORY_KB", 64*1024)),
			Time:     uint32(getEnvInt("ARGON2_TIME", 3)),
			Threads:  uint8(getEnvInt("ARGON2_THREADS", 2)),
		},

		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
	}
}

// IsDevelopment reports whether internal error details may be returned to callers.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
