package flapguard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMemory keeps flap-guard records in Redis so overlapping
// investigations of the same entity observe each other.
type RedisMemory struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

func NewRedisMemory(client *redis.Client, ttl time.Duration) *RedisMemory {
	return &RedisMemory{Client: client, TTL: ttl, Prefix: "flapguard:"}
}

func (m *RedisMemory) Get(ctx context.Context, entityID string) (Record, bool, error) {
	raw, err := m.Client.Get(ctx, m.Prefix+entityID).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Corrupt memory reads as no history.
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (m *RedisMemory) Put(ctx context.Context, entityID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.Client.Set(ctx, m.Prefix+entityID, string(raw), m.TTL).Err()
}

// MapMemory is the in-process fallback.
type MapMemory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMapMemory() *MapMemory {
	return &MapMemory{records: map[string]Record{}}
}

func (m *MapMemory) Get(ctx context.Context, entityID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entityID]
	return rec, ok, nil
}

func (m *MapMemory) Put(ctx context.Context, entityID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entityID] = rec
	return nil
}

// NewMemory tries redis, falls back to the in-process map.
func NewMemory(ctx context.Context, client *redis.Client, ttl time.Duration) Memory {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisMemory(client, ttl)
		}
	}
	return NewMapMemory()
}
