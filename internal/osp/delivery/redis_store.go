package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisContractStore is an optional durable ContractStore backend,
// demonstrating spec.md §1's "a production deployment may back delivery
// contracts with durable storage" allowance. Contracts are serialized as
// JSON and keyed under a fixed prefix so the store can share a Redis
// instance with other subsystems.
type RedisContractStore struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
}

const redisContractKeyPrefix = "osp:contract:"

// NewRedisContractStore wires a ContractStore against addr (host:port).
// ttl bounds how long a contract entry survives in Redis independent of
// the contract's own expires_at, acting as a backstop against unbounded
// growth if the process restarts with contracts still pending.
func NewRedisContractStore(addr string, ttl time.Duration) *RedisContractStore {
	return &RedisContractStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		ctx:    context.Background(),
	}
}

func (s *RedisContractStore) Get(key string) (*Contract, bool) {
	raw, err := s.client.Get(s.ctx, redisContractKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	return &c, true
}

func (s *RedisContractStore) Add(key string, c *Contract) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = s.client.Set(s.ctx, redisContractKeyPrefix+key, raw, s.ttl).Err()
}

// Close releases the underlying Redis connection pool.
func (s *RedisContractStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity at startup so a misconfigured Redis backend
// fails fast rather than surfacing as mysterious cache-miss behavior.
func (s *RedisContractStore) Ping() error {
	status := s.client.Ping(s.ctx)
	if err := status.Err(); err != nil {
		return fmt.Errorf("redis contract store: %w", err)
	}
	return nil
}
