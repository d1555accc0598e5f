package supervisor

import (
	"sort"
	"sync"
)

// registry is the in-memory instance table. Its mutex covers only map
// operations; instance lifecycle work happens under each instance's own
// lock so a slow handshake never blocks unrelated lookups.
type registry struct {
	mu sync.RWMutex
	m  map[ServerKey]*Instance
}

func newRegistry() *registry {
	return &registry{m: make(map[ServerKey]*Instance)}
}

func (r *registry) get(key ServerKey) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.m[key]
	return inst, ok
}

// put inserts or replaces the instance for key and returns the previous
// one, if any.
func (r *registry) put(key ServerKey, inst *Instance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.m[key]
	r.m[key] = inst
	return prev
}

// getOrPut returns the existing instance for key, inserting inst only if
// the key is absent.
func (r *registry) getOrPut(key ServerKey, inst *Instance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[key]; ok {
		return cur
	}
	r.m[key] = inst
	return inst
}

func (r *registry) remove(key ServerKey) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	return inst, ok
}

// byUser returns the user's instances sorted by server name
func (r *registry) byUser(username string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for key, inst := range r.m {
		if key.Username == username {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Name < out[j].Key.Name })
	return out
}

func (r *registry) all() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.m))
	for _, inst := range r.m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Username != out[j].Key.Username {
			return out[i].Key.Username < out[j].Key.Username
		}
		return out[i].Key.Name < out[j].Key.Name
	})
	return out
}
