package sandbox

import (
	"sync"

	"github.com/p-arndt/convbox/internal/runtime"
)

// Registry tracks the live processes of one orchestrator. Each Sandbox owns
// its own Registry, so independent orchestrators never see each other's
// runs.
type Registry struct {
	mu      sync.Mutex
	procs   map[string]*runtime.Process
	drained chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*runtime.Process)}
}

func (r *Registry) Add(p *runtime.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.ID()] = p
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
	if len(r.procs) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

func (r *Registry) Get(id string) (*runtime.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Snapshot returns the processes registered right now.
func (r *Registry) Snapshot() []*runtime.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runtime.Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// Drained returns a channel that is closed once the registry is empty.
func (r *Registry) Drained() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	return r.drained
}
