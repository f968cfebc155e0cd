// Package cancellation tracks sessions that were marked obsolete so that a
// pending backoff wait can be abandoned.
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Registry marks sessions obsolete and lets the orchestrator wait on that.
type Registry interface {
	MarkObsolete(ctx context.Context, sessionID uuid.UUID) error
	Watch(ctx context.Context, sessionID uuid.UUID) (<-chan struct{}, func(), error)
}

// RedisRegistry shares obsolescence across API replicas: a marker key covers
// watchers that subscribe late and a pub/sub message wakes watchers already
// waiting.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry keys markers under prefix; markers expire after ttl.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "maskedcall"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) MarkObsolete(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.client.Set(ctx, r.key(sessionID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("cancellation mark: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(sessionID), "obsolete").Err(); err != nil {
		return fmt.Errorf("cancellation publish: %w", err)
	}
	return nil
}

// Watch returns a channel closed once the session is obsolete. The stop
// function releases the subscription and must always be called.
func (r *RedisRegistry) Watch(ctx context.Context, sessionID uuid.UUID) (<-chan struct{}, func(), error) {
	sub := r.client.Subscribe(ctx, r.channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("cancellation subscribe: %w", err)
	}

	done := make(chan struct{})
	n, err := r.client.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("cancellation exists: %w", err)
	}
	if n > 0 {
		_ = sub.Close()
		close(done)
		return done, func() {}, nil
	}

	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopped)
			_ = sub.Close()
		})
	}

	go func() {
		select {
		case _, ok := <-sub.Channel():
			if ok {
				close(done)
			}
		case <-stopped:
		}
	}()

	return done, stop, nil
}

func (r *RedisRegistry) key(id uuid.UUID) string {
	return fmt.Sprintf("%s:session:%s:obsolete", r.prefix, id)
}

func (r *RedisRegistry) channel(id uuid.UUID) string {
	return fmt.Sprintf("%s:session:%s:obsolete:events", r.prefix, id)
}

// LocalRegistry is the in-process Registry.
type LocalRegistry struct {
	mu       sync.Mutex
	obsolete map[uuid.UUID]struct{}
	watchers map[uuid.UUID][]chan struct{}
}

// NewLocalRegistry returns an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		obsolete: make(map[uuid.UUID]struct{}),
		watchers: make(map[uuid.UUID][]chan struct{}),
	}
}

func (r *LocalRegistry) MarkObsolete(_ context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.obsolete[sessionID]; ok {
		return nil
	}
	r.obsolete[sessionID] = struct{}{}
	for _, ch := range r.watchers[sessionID] {
		close(ch)
	}
	delete(r.watchers, sessionID)
	return nil
}

func (r *LocalRegistry) Watch(_ context.Context, sessionID uuid.UUID) (<-chan struct{}, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{})
	if _, ok := r.obsolete[sessionID]; ok {
		close(ch)
		return ch, func() {}, nil
	}
	r.watchers[sessionID] = append(r.watchers[sessionID], ch)

	stop := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[sessionID]
		for i, w := range list {
			if w == ch {
				r.watchers[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.watchers[sessionID]) == 0 {
			delete(r.watchers, sessionID)
		}
	}
	return ch, stop, nil
}
