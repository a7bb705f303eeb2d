package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is a small key/value cache with per-key expiry. A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// New builds a Redis store when an address is configured and an in-memory store otherwise.
func New(cfg config.Cache) (Store, error) {
	if cfg.RedisAddr == "" {
		return NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	zap.S().Infof("using redis cache at %s", cfg.RedisAddr)
	return NewRedis(client, cfg.Prefix), nil
}

type entry struct {
	value   string
	expires time.Time
}

// Memory is an instance-owned in-process store.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Redis stores keys under a common prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Namespaced prefixes every key so several owners can share one store.
type Namespaced struct {
	Store
	ns string
}

func WithNamespace(s Store, ns string) *Namespaced {
	return &Namespaced{Store: s, ns: ns}
}

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.Store.Get(ctx, n.ns+":"+key)
}

func (n *Namespaced) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.Store.Set(ctx, n.ns+":"+key, value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.Store.Delete(ctx, n.ns+":"+key)
}
