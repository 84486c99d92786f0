package limiter

import (
	"sync"

	"github.com/yourusername/quotagate/core"
)

// JobGate caps how many summarizations a caller may run at once in this process.
type JobGate struct {
	mu      sync.Mutex
	running map[string]uint64
}

// NewJobGate creates an empty gate.
func NewJobGate() *JobGate {
	return &JobGate{running: make(map[string]uint64)}
}

// Enter reserves a job slot for callerID. The returned release must be called
// exactly once; extra calls are ignored. A max of 0 means unlimited.
func (g *JobGate) Enter(callerID string, max uint64) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if max > 0 && g.running[callerID] >= max {
		return nil, core.ErrTooManyJobs
	}
	g.running[callerID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.running[callerID] <= 1 {
				delete(g.running, callerID)
				return
			}
			g.running[callerID]--
		})
	}, nil
}

// Running returns the number of jobs currently held by callerID.
func (g *JobGate) Running(callerID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[callerID]
}
