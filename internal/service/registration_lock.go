package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RegistrationLock reserva identificadores mientras un registro esta en curso.
// No reemplaza las restricciones UNIQUE del store; solo acorta la ventana
// entre la comprobacion previa y el INSERT cuando hay varias instancias.
type RegistrationLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type memoryRegistrationLock struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewMemoryRegistrationLock() RegistrationLock {
	return &memoryRegistrationLock{
		items: make(map[string]time.Time),
	}
}

func (l *memoryRegistrationLock) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	if exp, ok := l.items[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.items[key] = now.Add(ttl)
	return true, nil
}

func (l *memoryRegistrationLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, strings.TrimSpace(key))
	return nil
}

type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisRegistrationLock struct {
	client redisLockClient
	prefix string
}

func NewRedisRegistrationLock(client *redis.Client) RegistrationLock {
	if client == nil {
		return nil
	}
	return &redisRegistrationLock{
		client: client,
		prefix: "auth:register:",
	}
}

func (l *redisRegistrationLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}

func (l *redisRegistrationLock) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return l.client.Del(ctx, l.prefix+key).Err()
}
