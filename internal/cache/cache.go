// Package cache stores simulation results keyed by artifact and parameters.
// It is consulted only after a token has been redeemed, so a hit never
// bypasses payment.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "simgate:result:"

// Cache is a best-effort result store. Implementations report a miss as
// (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Key derives a cache key from the job reference and its parameters.
// Parameters are re-encoded so object key order does not matter.
func Key(jobRef string, params json.RawMessage) string {
	canonical := []byte("{}")
	if len(bytes.TrimSpace(params)) > 0 {
		var v any
		if err := json.Unmarshal(params, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				canonical = b
			}
		} else {
			canonical = params
		}
	}
	h := sha256.New()
	h.Write([]byte(jobRef))
	h.Write([]byte{0})
	h.Write(canonical)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

type Redis struct {
	client *redis.Client
}

// NewRedis connects to url and verifies the server answers.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is the in-process fallback used when no Redis is configured.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Memory{entries: map[string]entry{}, maxEntries: maxEntries, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.entries) >= m.maxEntries {
		m.evict(now)
	}
	e := entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// evict drops expired entries, then the one closest to expiry if the map
// is still full.
func (m *Memory) evict(now time.Time) {
	var (
		victim string
		soon   time.Time
	)
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
			continue
		}
		if victim == "" || (!e.expires.IsZero() && (soon.IsZero() || e.expires.Before(soon))) {
			victim, soon = k, e.expires
		}
	}
	if len(m.entries) >= m.maxEntries && victim != "" {
		delete(m.entries, victim)
	}
}

func (m *Memory) Close() error { return nil }

// Open returns a Redis cache when url is set, falling back to memory when
// the server cannot be reached.
func Open(ctx context.Context, url string, logger slog.Logger) Cache {
	if url == "" {
		return NewMemory(0)
	}
	c, err := NewRedis(ctx, url)
	if err != nil {
		logger.Warn(ctx, "redis unavailable, using in-memory result cache", slog.Error(err))
		return NewMemory(0)
	}
	return c
}
