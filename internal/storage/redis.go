package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tagscout/internal/domain"
)

const stateKeyPrefix = "tagscout:state:"

// RedisStore is the session tier. Per-domain state lands here as JSON blobs
// with a TTL so it does not survive a full restart of the browser session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: rdb, ttl: ttl}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func stateKey(d string) string {
	return fmt.Sprintf("%s%s", stateKeyPrefix, d)
}

// SaveDomainState writes one domain's state blob, refreshing its TTL.
func (s *RedisStore) SaveDomainState(ctx context.Context, st *domain.DomainState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKey(st.Domain), blob, s.ttl).Err()
}

// LoadDomainStates reads back every state blob still alive in the session.
func (s *RedisStore) LoadDomainStates(ctx context.Context) (map[string]*domain.DomainState, error) {
	states := make(map[string]*domain.DomainState)
	iter := s.client.Scan(ctx, 0, stateKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		blob, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var st domain.DomainState
		if err := json.Unmarshal(blob, &st); err != nil {
			return nil, err
		}
		states[st.Domain] = &st
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

// DeleteDomainStates removes the blobs for garbage-collected domains.
func (s *RedisStore) DeleteDomainStates(ctx context.Context, domains []string) error {
	keys := make([]string, len(domains))
	for i, d := range domains {
		keys[i] = stateKey(d)
	}
	return s.client.Del(ctx, keys...).Err()
}

// ClearDomainStates drops all session state.
func (s *RedisStore) ClearDomainStates(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, stateKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
