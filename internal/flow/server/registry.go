package server

import (
	"context"
	"sync"
	"time"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// RunState tracks a single running or completed FlowchartRun.
type RunState struct {
	RunID       string
	FlowchartID string
	Broadcaster *Broadcaster
	Cancel      context.CancelFunc
	StartedAt   time.Time

	mu     sync.Mutex
	result *runtime.FlowchartRun
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(run *runtime.FlowchartRun, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = run
	rs.err = err
	rs.done = true
}

// Done reports whether the run reached a terminal state, with its error.
func (rs *RunState) Done() (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done, rs.err
}

// RunRegistry tracks all runs managed by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

func (r *RunRegistry) Register(rs *RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[rs.RunID] = rs
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll aborts every registered run; used on server shutdown.
func (r *RunRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil {
			rs.Cancel()
		}
	}
}
