package loadbalancer

import "sync"

// RoundRobin cycles through a fixed set of backend addresses. Used by the
// gateway when a route has more than one replica.
type RoundRobin struct {
	mu       sync.Mutex
	backends []string
	next     int
}

func New(backends []string) *RoundRobin {
	return &RoundRobin{backends: backends}
}

func (r *RoundRobin) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	backend := r.backends[r.next]
	r.next = (r.next + 1) % len(r.backends)
	return backend
}

func (r *RoundRobin) Size() int {
	return len(r.backends)
}
