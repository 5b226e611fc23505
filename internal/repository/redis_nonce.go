package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

const nonceKeyPrefix = "paygate:nonce:"

// An unconsumed key holds the wrapper id, a consumed one consumedValue.
var (
	registerNonceScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	consumeNonceScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
	return 1
end
if v == ARGV[2] then
	return 1
end
return 0
`)
)

func consumedValue(wrapperID, txReference string) string {
	return "consumed:" + wrapperID + ":" + txReference
}

// RedisNonceStore shares issued nonces between gateway instances. Expiry is
// enforced by key TTL on the Redis server.
type RedisNonceStore struct {
	logger *logger.Logger
	client *redis.Client
}

func NewRedisNonceStore(addr, password string, db int, logger *logger.Logger) (*RedisNonceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Successfully connected to Redis!")
	return &RedisNonceStore{logger: logger, client: client}, nil
}

func (r *RedisNonceStore) Close() error {
	return r.client.Close()
}

func (r *RedisNonceStore) RegisterNonce(ctx context.Context, nonce *models.IssuedNonce) error {
	ttl := time.Until(nonce.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("nonce %s already expired", nonce.Nonce)
	}
	ok, err := registerNonceScript.Run(ctx, r.client, []string{nonceKeyPrefix + nonce.Nonce}, nonce.WrapperID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to register nonce: %w", err)
	}
	if ok == 0 {
		return models.ErrNonceInvalid
	}
	return nil
}

// ConsumeNonce rebinds the key to txReference, keeping its TTL.
func (r *RedisNonceStore) ConsumeNonce(ctx context.Context, nonce, wrapperID, txReference string, _ time.Time) error {
	ok, err := consumeNonceScript.Run(ctx, r.client, []string{nonceKeyPrefix + nonce}, wrapperID, consumedValue(wrapperID, txReference)).Int()
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	if ok == 0 {
		r.logger.Debugw("Nonce rejected", "nonce", nonce, "wrapper", wrapperID, "tx", txReference)
		return models.ErrNonceInvalid
	}
	return nil
}

func (r *RedisNonceStore) PurgeExpiredNonces(context.Context, time.Time) (int64, error) {
	return 0, nil
}
