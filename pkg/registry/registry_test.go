package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingObserver struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (o *recordingObserver) Attached(identity, handle string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attached = append(o.attached, identity+"/"+handle)
}

func (o *recordingObserver) Detached(identity, handle string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached = append(o.detached, identity+"/"+handle)
}

func TestAttachMakesIdentityOnline(t *testing.T) {
	r := New()

	r.Attach("alice", "s1")

	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"s1"}, r.ConnectionsFor("alice"))
	id, ok := r.IdentityFor("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", id)
	assert.Equal(t, []string{"alice"}, r.OnlineIdentities())
	require.NoError(t, r.Check())
}

func TestDetachLastHandleRemovesIdentity(t *testing.T) {
	r := New()
	r.Attach("alice", "s1")

	r.Detach("alice", "s1")

	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.OnlineIdentities())
	assert.NotNil(t, r.ConnectionsFor("alice"))
	assert.Empty(t, r.ConnectionsFor("alice"))
	_, ok := r.IdentityFor("s1")
	assert.False(t, ok)
	require.NoError(t, r.Check())
}

func TestDetachUnknownPairIsNoop(t *testing.T) {
	r := New()
	r.Attach("alice", "s1")

	assert.NotPanics(t, func() {
		r.Detach("bob", "s9")
		r.Detach("bob", "s1")
		r.Detach("alice", "s2")
	})

	assert.Equal(t, []string{"s1"}, r.ConnectionsFor("alice"))
	require.NoError(t, r.Check())
}

func TestAttachIsIdempotent(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	r.AddObserver(obs)

	r.Attach("alice", "s1")
	r.Attach("alice", "s1")

	assert.Equal(t, map[string]int{"alice": 1}, r.SessionCounts())
	assert.Len(t, obs.attached, 1)
}

func TestAttachMovesHandleBetweenIdentities(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	r.AddObserver(obs)

	r.Attach("alice", "s1")
	r.Attach("bob", "s1")

	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"s1"}, r.ConnectionsFor("bob"))
	id, _ := r.IdentityFor("s1")
	assert.Equal(t, "bob", id)
	assert.Equal(t, []string{"alice/s1"}, obs.detached)
	require.NoError(t, r.Check())

	// Stale detach from the previous owner must not remove bob's handle.
	r.Detach("alice", "s1")
	assert.True(t, r.IsOnline("bob"))
}

func TestAttachIgnoresEmptyValues(t *testing.T) {
	r := New()
	r.Attach("", "s1")
	r.Attach("alice", "")

	assert.Empty(t, r.OnlineIdentities())
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestDetachAll(t *testing.T) {
	r := New()
	r.Attach("alice", "s2")
	r.Attach("alice", "s1")
	r.Attach("bob", "s3")

	removed := r.DetachAll("alice")

	assert.Equal(t, []string{"s1", "s2"}, removed)
	assert.False(t, r.IsOnline("alice"))
	assert.True(t, r.IsOnline("bob"))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Empty(t, r.DetachAll("nobody"))
	require.NoError(t, r.Check())
}

func TestSessionCountsIsSnapshot(t *testing.T) {
	r := New()
	r.Attach("alice", "s1")
	r.Attach("alice", "s2")
	r.Attach("bob", "s3")

	counts := r.SessionCounts()
	counts["alice"] = 99

	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, r.SessionCounts())
}

func TestConcurrentAttachSameIdentity(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := New()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Attach("u", "c1")
		}()
		go func() {
			defer wg.Done()
			r.Attach("u", "c2")
		}()
		wg.Wait()

		require.Equal(t, []string{"c1", "c2"}, r.ConnectionsFor("u"))
		require.NoError(t, r.Check())
	}
}

func TestConcurrentAttachDetachKeepsInvariant(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				identity := fmt.Sprintf("user-%d", i%5)
				handle := fmt.Sprintf("h-%d-%d", w, i%17)
				r.Attach(identity, handle)
				_ = r.SessionCounts()
				if i%3 == 0 {
					r.Detach(identity, handle)
				}
				if i%50 == 0 {
					r.DetachAll(identity)
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, r.Check())
}

// TestRegistryInvariantProperty drives random attach/detach sequences and
// checks both indexes agree after every step.
func TestRegistryInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		identities := rapid.SampledFrom([]string{"alice", "bob", "carol", "dave"})
		handles := rapid.SampledFrom([]string{"s1", "s2", "s3", "s4", "s5", "s6"})

		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := identities.Draw(t, "identity")
			h := handles.Draw(t, "handle")

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0, 1:
				r.Attach(id, h)
				if !r.IsOnline(id) {
					t.Fatalf("attach(%s, %s) left identity offline", id, h)
				}
			case 2:
				r.Detach(id, h)
				if owner, ok := r.IdentityFor(h); ok && owner == id {
					t.Fatalf("detach(%s, %s) left handle attached", id, h)
				}
			case 3:
				r.DetachAll(id)
				if r.IsOnline(id) {
					t.Fatalf("detachAll(%s) left identity online", id)
				}
			}

			if err := r.Check(); err != nil {
				t.Fatalf("invariant broken after step %d: %v", i, err)
			}

			sum := 0
			for _, n := range r.SessionCounts() {
				sum += n
			}
			if sum != r.ConnectionCount() {
				t.Fatalf("session counts sum %d != connection count %d", sum, r.ConnectionCount())
			}
		}
	})
}
