// Package bootstrap assembles the communication services from configuration:
// persistence backend, domain services and the HTTP/WebSocket gateway.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/database"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/cassandra"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/cockroach"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/memory"
	redisrepo "github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/redis"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/storage"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

const redisHealthInterval = 10 * time.Second

// Backend is the persistence and fan-out wiring shared by every service
type Backend struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Unread        repository.UnreadRepository
	Calls         repository.CallRepository
	Presence      repository.PresenceRepository
	PushTokens    repository.PushTokenRepository
	Bus           realtime.Bus
	Store         storage.ObjectStore

	// Redis is nil for the in-memory backend
	Redis *database.RedisClient

	closers []func()
}

// NewBackend builds the backend named by cfg.Server.Backend
func NewBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Server.Backend {
	case "distributed":
		return NewDistributedBackend(ctx, cfg)
	default:
		return NewMemoryBackend(cfg), nil
	}
}

// NewMemoryBackend keeps everything in process. Attachments are served by the
// gateway itself under /files.
func NewMemoryBackend(cfg *config.Config) *Backend {
	baseURL := cfg.Storage.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d/files", cfg.Server.Port)
	}
	return &Backend{
		Conversations: memory.NewConversationRepository(),
		Messages:      memory.NewMessageRepository(),
		Unread:        memory.NewUnreadRepository(),
		Calls:         memory.NewCallRepository(),
		Presence:      memory.NewPresenceRepository(),
		PushTokens:    memory.NewPushTokenRepository(),
		Bus:           realtime.NewMemoryBus(),
		Store:         storage.NewMemoryStore(baseURL),
	}
}

// NewDistributedBackend connects CockroachDB for conversations and calls,
// Cassandra for messages, Redis for counters, presence, tokens and fan-out,
// and the configured object store for attachments.
func NewDistributedBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{}

	db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CockroachDB: %w", err)
	}
	b.closers = append(b.closers, db.Close)
	if err := cockroach.Migrate(ctx, db.Pool); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to migrate CockroachDB: %w", err)
	}

	cass, err := database.NewCassandraDB(&database.CassandraConfig{
		Hosts:       cfg.Cassandra.Hosts,
		Keyspace:    cfg.Cassandra.Keyspace,
		Consistency: cfg.Cassandra.Consistency,
		Timeout:     cfg.Cassandra.Timeout,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	b.closers = append(b.closers, cass.Close)
	if err := cassandra.Migrate(cass.Session); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to migrate Cassandra: %w", err)
	}

	rdb := database.NewRedisDB(&database.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	b.closers = append(b.closers, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	})
	if err := rdb.Client.Ping(ctx).Err(); err != nil {
		// Counters and presence degrade; the service still starts.
		logger.Warn("Redis not reachable at startup", zap.Error(err))
	}

	store, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.Conversations = cockroach.NewConversationRepository(db.Pool)
	b.Calls = cockroach.NewCallRepository(db.Pool)
	b.Messages = cassandra.NewMessageRepository(cass.Session)
	b.Unread = redisrepo.NewUnreadRepository(rdb)
	b.Presence = redisrepo.NewPresenceRepository(rdb)
	b.PushTokens = redisrepo.NewPushTokenRepository(rdb)
	b.Bus = realtime.NewRedisBus(rdb.Client)
	b.Store = store
	b.Redis = rdb

	logger.Info("Distributed backend ready",
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.String("redis", cfg.RedisAddr()))
	return b, nil
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Provider {
	case "s3":
		store, err := storage.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewMinioStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO storage: %w", err)
		}
		return store, nil
	}
}

// StartHealthCheck watches Redis until ctx ends. It is a no-op without Redis.
func (b *Backend) StartHealthCheck(ctx context.Context) {
	if b.Redis != nil {
		b.Redis.StartHealthCheck(ctx, redisHealthInterval)
	}
}

// Close releases connections in reverse order of opening
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
