package instance

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// ID returns the registry key for a platform/actor pair. Persist platforms
// get one key per actor; every other platform shares a single key.
func ID(platform string, persist bool, actorID string) string {
	if !persist {
		return platform + "-global"
	}
	sum := blake3.Sum256([]byte(platform + "\x00" + actorID))
	return platform + "-" + hex.EncodeToString(sum[:])[:24]
}

// Registry maps instance ids to live instances. It is the only record of
// which worker owns which identity.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Put maps id to inst and returns whatever it displaced.
func (r *Registry) Put(id string, inst *Instance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.instances[id]
	r.instances[id] = inst
	if prev == inst {
		return nil
	}
	return prev
}

// Delete removes id only while it still maps to inst, so a stale instance
// shutting down late cannot evict its replacement.
func (r *Registry) Delete(id string, inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[id]; ok && cur == inst {
		delete(r.instances, id)
		return true
	}
	return false
}

// Rekey moves inst from oldID to newID in one step. A different live
// instance already at newID is displaced and shut down in the background.
func (r *Registry) Rekey(oldID, newID string, inst *Instance) {
	r.mu.Lock()
	if cur, ok := r.instances[oldID]; ok && cur == inst {
		delete(r.instances, oldID)
	}
	displaced := r.instances[newID]
	r.instances[newID] = inst
	r.mu.Unlock()

	if displaced != nil && displaced != inst {
		go displaced.Shutdown(context.Background())
	}
}

// Snapshot returns every registered instance ordered by id.
func (r *Registry) Snapshot() []*Instance {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.instances[id])
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
