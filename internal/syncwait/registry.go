package syncwait

import (
	"sort"
	"sync"
	"time"
)

// Pending is one synchronized request awaiting its reply.
type Pending struct {
	ID       int
	IssuedAt time.Time
	callback func()
}

// Registry maps live sync ids to their pending records. Ids start at 1 and
// are never reused while the registry exists.
type Registry struct {
	mu    sync.RWMutex
	next  int
	items map[int]Pending
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[int]Pending)}
}

// Issue allocates the next id and records it. cb, if not nil, runs when the
// reply arrives.
func (r *Registry) Issue(cb func()) Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	p := Pending{ID: r.next, IssuedAt: time.Now(), callback: cb}
	r.items[p.ID] = p
	return p
}

// Complete removes id and runs its callback outside the lock. It reports
// whether id was pending.
func (r *Registry) Complete(id int) bool {
	r.mu.Lock()
	p, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok && p.callback != nil {
		p.callback()
	}
	return ok
}

// Discard drops id without running its callback.
func (r *Registry) Discard(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok
}

func (r *Registry) Get(id int) (Pending, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	return p, ok
}

func (r *Registry) IsPending(id int) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// IDs lists live ids in issue order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.items))
	for id := range r.items {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
