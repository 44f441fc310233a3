package config

import (
	"fmt"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/env"
)

// Config holds all configuration for the communication services
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cassandra   CassandraConfig
	Storage     StorageConfig
	LiveKit     LiveKitConfig
	Translation TranslationConfig
	Call        CallConfig
	Push        PushConfig
	JWT         JWTConfig
	Log         LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	// Backend selects the persistence wiring: "memory" or "distributed".
	Backend        string
	AllowedOrigins []string
	// RateLimitRequests per RateLimitWindow per participant; zero disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxWSConnections  int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// StorageConfig selects and configures the object store for attachments
type StorageConfig struct {
	Provider      string // minio, s3
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
	MaxFileSize   int64
	// AllowedTypes is a list of MIME types or "<category>/*" wildcards.
	AllowedTypes []string
	URLExpiry    time.Duration
}

// LiveKitConfig holds media layer credentials
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
	// PollInterval controls how often channel presence is checked for the peer-join signal.
	PollInterval time.Duration
}

// TranslationConfig holds translation service configuration
type TranslationConfig struct {
	Enabled           bool
	BaseURL           string
	APIKey            string
	CanonicalLanguage string
	Workers           int
	QueueSize         int
	Timeout           time.Duration
}

// CallConfig holds call signaling timing
type CallConfig struct {
	RingTimeout     time.Duration
	ReaperGrace     time.Duration
	ReaperInterval  time.Duration
	MaxCallDuration time.Duration
	WriteAttempts   int
	WriteBackoff    time.Duration
}

// PushConfig holds push wake-up configuration
type PushConfig struct {
	Provider          string // mock, fcm, apns
	FirebaseProjectID string
	FirebaseCredPath  string
	APNsKeyID         string
	APNsTeamID        string
	APNsKeyPath       string
	APNsBundleID      string
	APNsProduction    bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// devJWTSecret signs tokens outside production only
const devJWTSecret = "hopeline-development-secret"

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "hopeline-comms"),
			Backend:     env.GetString("BACKEND", "memory"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000", "http://localhost:5173",
			}),
			RateLimitRequests: env.GetInt("RATE_LIMIT_REQUESTS", 300),
			RateLimitWindow:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
			MaxWSConnections:  env.GetInt("WS_MAX_CONNECTIONS", 1000),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "hopeline"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:       env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "hopeline"),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		Storage: StorageConfig{
			Provider:      env.GetString("STORAGE_PROVIDER", "minio"),
			Endpoint:      env.GetString("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKey:     env.GetStringFromFile("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey:     env.GetStringFromFile("STORAGE_SECRET_KEY", "minioadmin"),
			Region:        env.GetString("STORAGE_REGION", "us-east-1"),
			UseSSL:        env.GetBool("STORAGE_USE_SSL", false),
			Bucket:        env.GetString("STORAGE_BUCKET", "hopeline-attachments"),
			PublicBaseURL: env.GetString("STORAGE_PUBLIC_BASE_URL", ""),
			MaxFileSize:   int64(env.GetInt("STORAGE_MAX_FILE_SIZE", 25*1024*1024)),
			AllowedTypes: env.GetStringSlice("STORAGE_ALLOWED_TYPES", []string{
				"image/*", "video/*", "audio/*", "application/pdf", "text/plain",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			}),
			URLExpiry: env.GetDuration("STORAGE_URL_EXPIRY", 7*24*time.Hour),
		},
		LiveKit: LiveKitConfig{
			URL:          env.GetString("LIVEKIT_URL", ""),
			APIKey:       env.GetStringFromFile("LIVEKIT_API_KEY", "devkey"),
			APISecret:    env.GetStringFromFile("LIVEKIT_API_SECRET", "secret"),
			TokenTTL:     env.GetDuration("LIVEKIT_TOKEN_TTL", time.Hour),
			PollInterval: env.GetDuration("LIVEKIT_POLL_INTERVAL", time.Second),
		},
		Translation: TranslationConfig{
			Enabled:           env.GetBool("TRANSLATION_ENABLED", true),
			BaseURL:           env.GetString("TRANSLATION_BASE_URL", "http://localhost:5000"),
			APIKey:            env.GetStringFromFile("TRANSLATION_API_KEY", ""),
			CanonicalLanguage: env.GetString("TRANSLATION_CANONICAL_LANGUAGE", "en"),
			Workers:           env.GetInt("TRANSLATION_WORKERS", 4),
			QueueSize:         env.GetInt("TRANSLATION_QUEUE_SIZE", 256),
			Timeout:           env.GetDuration("TRANSLATION_TIMEOUT", 10*time.Second),
		},
		Call: CallConfig{
			RingTimeout:     env.GetDuration("CALL_RING_TIMEOUT", 30*time.Second),
			ReaperGrace:     env.GetDuration("CALL_REAPER_GRACE", 10*time.Second),
			ReaperInterval:  env.GetDuration("CALL_REAPER_INTERVAL", 15*time.Second),
			MaxCallDuration: env.GetDuration("CALL_MAX_DURATION", 4*time.Hour),
			WriteAttempts:   env.GetInt("CALL_WRITE_ATTEMPTS", 3),
			WriteBackoff:    env.GetDuration("CALL_WRITE_BACKOFF", 200*time.Millisecond),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetString("FIREBASE_PROJECT_ID", ""),
			FirebaseCredPath:  env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			APNsKeyID:         env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:        env.GetString("APNS_TEAM_ID", ""),
			APNsKeyPath:       env.GetString("APNS_KEY_PATH", ""),
			APNsBundleID:      env.GetString("APNS_BUNDLE_ID", ""),
			APNsProduction:    env.GetBool("APNS_PRODUCTION", false),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", devJWTSecret),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Server.Backend {
	case "memory", "distributed":
	default:
		return fmt.Errorf("BACKEND must be memory or distributed, got %q", c.Server.Backend)
	}

	switch c.Storage.Provider {
	case "minio", "s3":
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be minio or s3, got %q", c.Storage.Provider)
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.WriteAttempts < 1 {
		return fmt.Errorf("CALL_WRITE_ATTEMPTS must be at least 1")
	}
	if c.Translation.Workers < 1 {
		return fmt.Errorf("TRANSLATION_WORKERS must be at least 1")
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("STORAGE_MAX_FILE_SIZE must be positive")
	}

	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 || c.JWT.Secret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.LiveKit.URL == "" {
			return fmt.Errorf("LIVEKIT_URL must be set in production")
		}
		if c.LiveKit.APISecret == "secret" {
			return fmt.Errorf("LIVEKIT_API_SECRET must be set in production")
		}
		if c.Server.Backend != "distributed" {
			return fmt.Errorf("BACKEND must be distributed in production")
		}
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
