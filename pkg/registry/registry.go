package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Observer is notified after every registry mutation. Callbacks run outside
// the registry lock, so they may call back into the registry.
type Observer interface {
	Attached(identity, handle string)
	Detached(identity, handle string)
}

// Registry is the process-wide index between user identities and their live
// connection handles.
//
// forward[identity] never holds an empty set, and reverse[handle] is present
// if and only if the handle is in forward[reverse[handle]]. Both maps are
// mutated under the same lock so the invariant holds after every call.
type Registry struct {
	mu        sync.RWMutex
	forward   map[string]map[string]struct{} // identity -> handles
	reverse   map[string]string              // handle -> identity
	observers []Observer
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]string),
	}
}

// AddObserver registers an observer. Not safe to call concurrently with
// mutations; wire observers before the registry is shared.
func (r *Registry) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.observers = append(r.observers, o)
}

// Attach registers handle under identity. Calling it again with the same pair
// is a no-op. A handle already owned by another identity is moved.
func (r *Registry) Attach(identity, handle string) {
	if identity == "" || handle == "" {
		return
	}

	r.mu.Lock()
	prev, owned := r.reverse[handle]
	if owned && prev == identity {
		r.mu.Unlock()
		return
	}
	if owned {
		r.removeLocked(prev, handle)
	}

	set, ok := r.forward[identity]
	if !ok {
		set = make(map[string]struct{})
		r.forward[identity] = set
	}
	set[handle] = struct{}{}
	r.reverse[handle] = identity
	r.mu.Unlock()

	if owned {
		r.notifyDetached(prev, handle)
	}
	r.notifyAttached(identity, handle)
}

// Detach removes the (identity, handle) pair. Unknown pairs are ignored,
// including a handle that has since moved to a different identity.
func (r *Registry) Detach(identity, handle string) {
	r.mu.Lock()
	owner, ok := r.reverse[handle]
	if !ok || owner != identity {
		r.mu.Unlock()
		return
	}
	r.removeLocked(identity, handle)
	r.mu.Unlock()

	r.notifyDetached(identity, handle)
}

// DetachAll removes every handle owned by identity and returns them.
func (r *Registry) DetachAll(identity string) []string {
	r.mu.Lock()
	set, ok := r.forward[identity]
	if !ok {
		r.mu.Unlock()
		return []string{}
	}
	handles := make([]string, 0, len(set))
	for h := range set {
		handles = append(handles, h)
		delete(r.reverse, h)
	}
	delete(r.forward, identity)
	r.mu.Unlock()

	sort.Strings(handles)
	for _, h := range handles {
		r.notifyDetached(identity, h)
	}
	return handles
}

// removeLocked drops a handle from both maps. Caller holds r.mu.
func (r *Registry) removeLocked(identity, handle string) {
	delete(r.reverse, handle)
	set := r.forward[identity]
	delete(set, handle)
	if len(set) == 0 {
		delete(r.forward, identity)
	}
}

// IsOnline reports whether identity has at least one connection
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.forward[identity]
	return ok
}

// ConnectionsFor returns a sorted copy of the handles owned by identity.
// The result is never nil.
func (r *Registry) ConnectionsFor(identity string) []string {
	r.mu.RLock()
	set := r.forward[identity]
	handles := make([]string, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Strings(handles)
	return handles
}

// IdentityFor returns the identity owning handle
func (r *Registry) IdentityFor(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.reverse[handle]
	return identity, ok
}

// OnlineIdentities returns a sorted snapshot of identities with at least one
// connection.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	identities := make([]string, 0, len(r.forward))
	for id := range r.forward {
		identities = append(identities, id)
	}
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// SessionCounts returns a snapshot of identity -> connection count
func (r *Registry) SessionCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.forward))
	for id, set := range r.forward {
		counts[id] = len(set)
	}
	return counts
}

// AllConnections returns a sorted snapshot of every attached handle, taken
// under a single read lock.
func (r *Registry) AllConnections() []string {
	r.mu.RLock()
	handles := make([]string, 0, len(r.reverse))
	for h := range r.reverse {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Strings(handles)
	return handles
}

// ConnectionCount returns the total number of attached handles
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.reverse)
}

// Check verifies that forward and reverse agree. A non-nil error means the
// registry is corrupt.
func (r *Registry) Check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for id, set := range r.forward {
		if len(set) == 0 {
			return fmt.Errorf("identity %q stored with empty handle set", id)
		}
		for h := range set {
			owner, ok := r.reverse[h]
			if !ok {
				return fmt.Errorf("handle %q of %q missing from reverse index", h, id)
			}
			if owner != id {
				return fmt.Errorf("handle %q listed under %q but reverse points to %q", h, id, owner)
			}
		}
		total += len(set)
	}
	if total != len(r.reverse) {
		return fmt.Errorf("reverse index has %d handles, forward has %d", len(r.reverse), total)
	}
	return nil
}

func (r *Registry) notifyAttached(identity, handle string) {
	for _, o := range r.observers {
		o.Attached(identity, handle)
	}
}

func (r *Registry) notifyDetached(identity, handle string) {
	for _, o := range r.observers {
		o.Detached(identity, handle)
	}
}
