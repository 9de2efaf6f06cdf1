package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	credentialKeyPrefix = "relay:credential:"

	// DefaultCredentialTTL bounds how long an idle game's credential survives
	// in redis if the relay dies before releasing it.
	DefaultCredentialTTL = 6 * time.Hour
)

// RedisStore keeps credentials in Redis/Valkey so a relay restart does not
// orphan backend sessions of games that clients resume with a ticket.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient dials addr with the pool settings used in production and
// checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func credentialKey(gameID string) string {
	return credentialKeyPrefix + gameID
}

func (s *RedisStore) Get(ctx context.Context, gameID string) string {
	credential, err := s.client.Get(ctx, credentialKey(gameID)).Result()
	if errors.Is(err, redis.Nil) {
		return ""
	}
	if err != nil {
		s.logger.Warn("credential lookup failed", zap.String("game_id", gameID), zap.Error(err))
		return ""
	}
	return credential
}

func (s *RedisStore) Set(ctx context.Context, gameID, credential string) {
	if err := s.client.Set(ctx, credentialKey(gameID), credential, s.ttl).Err(); err != nil {
		s.logger.Warn("credential store failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

func (s *RedisStore) Reset(ctx context.Context, gameID string) {
	s.Set(ctx, gameID, "")
}

func (s *RedisStore) Release(ctx context.Context, gameID string) {
	if err := s.client.Del(ctx, credentialKey(gameID)).Err(); err != nil {
		s.logger.Warn("credential release failed", zap.String("game_id", gameID), zap.Error(err))
	}
}
