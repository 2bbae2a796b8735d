package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trackify/realtime/pkg/registry"
)

// Store receives presence snapshots. A count of zero means the identity went
// offline.
type Store interface {
	Apply(ctx context.Context, counts map[string]int) error
	Reset(ctx context.Context) error
	Close() error
}

// Mirror exports registry presence to an external store for dashboards and
// operators. It batches changes and writes them on a fixed interval. The
// registry stays the source of truth; nothing is read back from the store.
type Mirror struct {
	sessions      *registry.Registry
	store         Store
	flushInterval time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMirror creates a mirror. Call Start to begin flushing.
func NewMirror(sessions *registry.Registry, store Store, flushInterval time.Duration) *Mirror {
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	return &Mirror{
		sessions:      sessions,
		store:         store,
		flushInterval: flushInterval,
		dirty:         make(map[string]struct{}),
		shutdown:      make(chan struct{}),
	}
}

// Attached implements registry.Observer
func (m *Mirror) Attached(identity, handle string) {
	m.markDirty(identity)
}

// Detached implements registry.Observer
func (m *Mirror) Detached(identity, handle string) {
	m.markDirty(identity)
}

func (m *Mirror) markDirty(identity string) {
	m.mu.Lock()
	m.dirty[identity] = struct{}{}
	m.mu.Unlock()
}

// Start clears presence left over from a previous process and starts the
// flush loop.
func (m *Mirror) Start(ctx context.Context) error {
	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset presence store: %w", err)
	}

	m.wg.Add(1)
	go m.flushLoop()
	return nil
}

// Stop flushes pending changes and closes the store
func (m *Mirror) Stop() error {
	m.stopOnce.Do(func() {
		close(m.shutdown)
	})
	m.wg.Wait()
	return m.store.Close()
}

func (m *Mirror) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(context.Background())
		case <-m.shutdown:
			m.Flush(context.Background())
			return
		}
	}
}

// Flush writes the current connection count of every identity that changed
// since the last flush.
func (m *Mirror) Flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return
	}
	dirty := m.dirty
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	counts := make(map[string]int, len(dirty))
	for id := range dirty {
		counts[id] = len(m.sessions.ConnectionsFor(id))
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.store.Apply(ctx, counts); err != nil {
		log.Printf("Presence flush of %d identities failed: %v", len(counts), err)
		// Requeue so the next flush retries with fresh counts.
		m.mu.Lock()
		for id := range dirty {
			m.dirty[id] = struct{}{}
		}
		m.mu.Unlock()
	}
}

// RedisStore keeps presence in a Redis hash: <prefix>:presence maps identity
// to its live connection count.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store backed by Redis
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "trackify"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		key: prefix + ":presence",
	}
}

// Apply implements Store
func (s *RedisStore) Apply(ctx context.Context, counts map[string]int) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, n := range counts {
			if n == 0 {
				pipe.HDel(ctx, s.key, id)
			} else {
				pipe.HSet(ctx, s.key, id, n)
			}
		}
		return nil
	})
	return err
}

// Reset implements Store
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Online returns the mirrored presence hash
func (s *RedisStore) Online(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key).Result()
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
