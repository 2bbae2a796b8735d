package presence

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackify/realtime/pkg/registry"
)

type memStore struct {
	mu      sync.Mutex
	online  map[string]int
	resets  int
	failing bool
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{online: map[string]int{"stale": 3}}
}

func (s *memStore) Apply(ctx context.Context, counts map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store unavailable")
	}
	for id, n := range counts {
		if n == 0 {
			delete(s.online, id)
		} else {
			s.online[id] = n
		}
	}
	return nil
}

func (s *memStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.online = make(map[string]int)
	return nil
}

func (s *memStore) Close() error {
	s.closed = true
	return nil
}

func (s *memStore) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.online))
	for k, v := range s.online {
		out[k] = v
	}
	return out
}

func TestMirrorTracksRegistry(t *testing.T) {
	reg := registry.New()
	store := newMemStore()
	m := NewMirror(reg, store, time.Hour)
	reg.AddObserver(m)
	require.NoError(t, m.Start(context.Background()))

	assert.Empty(t, store.snapshot(), "start must clear stale presence")

	reg.Attach("alice", "s1")
	reg.Attach("alice", "s2")
	reg.Attach("bob", "s3")
	m.Flush(context.Background())
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, store.snapshot())

	reg.Detach("bob", "s3")
	reg.Detach("alice", "s1")
	m.Flush(context.Background())
	assert.Equal(t, map[string]int{"alice": 1}, store.snapshot())

	require.NoError(t, m.Stop())
	assert.True(t, store.closed)
}

func TestMirrorRetriesFailedFlush(t *testing.T) {
	reg := registry.New()
	store := newMemStore()
	m := NewMirror(reg, store, time.Hour)
	reg.AddObserver(m)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	store.failing = true
	reg.Attach("carol", "s1")
	m.Flush(context.Background())
	assert.Empty(t, store.snapshot())

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	m.Flush(context.Background())
	assert.Equal(t, map[string]int{"carol": 1}, store.snapshot())
}

func TestMirrorFlushesOnStop(t *testing.T) {
	reg := registry.New()
	store := newMemStore()
	m := NewMirror(reg, store, time.Hour)
	reg.AddObserver(m)
	require.NoError(t, m.Start(context.Background()))

	reg.Attach("dave", "s1")
	require.NoError(t, m.Stop())

	assert.Equal(t, map[string]int{"dave": 1}, store.snapshot())
	assert.NoError(t, m.Stop(), "stop is idempotent")
}

// TestRedisStore runs against a real server when TRACKIFY_TEST_REDIS is set
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TRACKIFY_TEST_REDIS")
	if addr == "" {
		t.Skip("TRACKIFY_TEST_REDIS not set")
	}
	ctx := context.Background()
	s := NewRedisStore(addr, "", 0, "trackify-test")
	defer s.Close()

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Apply(ctx, map[string]int{"alice": 2, "bob": 1}))
	require.NoError(t, s.Apply(ctx, map[string]int{"bob": 0}))

	online, err := s.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "2"}, online)
}
