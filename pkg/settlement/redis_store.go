package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisResultStore implements ResultStore on Redis. SET NX gives the
// first-writer-wins write; results never expire (the permanent record).
type RedisResultStore struct {
	client *redis.Client
	prefix string
}

// NewRedisResultStore creates a store backed by Redis.
func NewRedisResultStore(addr, password string, db int) *RedisResultStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisResultStore{client: rdb, prefix: "satline:settlement:"}
}

// NewRedisResultStoreFromClient wraps an existing client.
func NewRedisResultStoreFromClient(client *redis.Client) *RedisResultStore {
	return &RedisResultStore{client: client, prefix: "satline:settlement:"}
}

func (s *RedisResultStore) key(envelopeID string) string {
	return s.prefix + envelopeID
}

func (s *RedisResultStore) Get(ctx context.Context, envelopeID string) (*SettlementResult, bool, error) {
	raw, err := s.client.Get(ctx, s.key(envelopeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settlement: redis get: %w", err)
	}
	var res SettlementResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("settlement: decode stored result: %w", err)
	}
	return &res, true, nil
}

func (s *RedisResultStore) PutIfAbsent(ctx context.Context, res *SettlementResult) (*SettlementResult, bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, false, fmt.Errorf("settlement: encode result: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.key(res.EnvelopeID), raw, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("settlement: redis setnx: %w", err)
	}
	if created {
		cp := *res
		return &cp, true, nil
	}
	stored, ok, err := s.Get(ctx, res.EnvelopeID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("settlement: lost race but no stored result for %s", res.EnvelopeID)
	}
	return stored, false, nil
}
