package supervisor

import (
	"sync"
	"time"
)

// Registry is a fixed-size pool of nodes. It is an explicit runtime
// object a caller constructs and passes around, not a package singleton,
// so two registries in one process never share state.
type Registry struct {
	mu    sync.Mutex
	slots []*Node // nil entries are free
}

// NewRegistry preallocates capacity node slots.
func NewRegistry(capacity int) *Registry {
	return &Registry{slots: make([]*Node, capacity)}
}

// Init validates cfg and allocates a node from the pool. Fails with
// ErrBadParam on an invalid configuration, ErrNoResources when every
// slot is taken.
func (r *Registry) Init(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.slots {
		if s == nil {
			n := newNode(cfg)
			r.slots[i] = n
			n.registrySlot = i
			return n, nil
		}
	}
	return nil, ErrNoResources
}

// Deinit releases n's slot. Fails with ErrInvalidOperation unless n is
// IDLE.
func (r *Registry) Deinit(n *Node) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrInvalidOperation
	}
	n.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[n.registrySlot] = nil
	return nil
}

// Tick advances every allocated node's timers. Called from the owner's
// run loop; no node starts a ticker of its own.
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	nodes := make([]*Node, 0, len(r.slots))
	for _, n := range r.slots {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	r.mu.Unlock()
	for _, n := range nodes {
		n.Tick(now)
	}
}
