package recon

import (
	"fmt"
	"sync"
	"time"
)

// Registry tracks runs by id. Terminal runs stay resolvable for the
// snapshot endpoint until the sweeper retires them.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Create registers run. A second run with the same id is rejected.
func (r *Registry) Create(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("run %s already registered", run.ID)
	}
	r.runs[run.ID] = run
	return nil
}

func (r *Registry) Get(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Sweep retires terminal runs that finished more than maxAge ago and
// returns how many were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, run := range r.runs {
		if run.Status().Terminal() && run.Age(now) > maxAge {
			delete(r.runs, id)
			removed++
		}
	}
	return removed
}
