package recoverylog

import "sync"

// SuspendGate holds back forces while the log service is suspended, so that
// an external snapshot sees quiescent files. Suspensions nest: forces resume
// once every Suspend has been matched by a Resume.
type SuspendGate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	suspended int
}

// NewSuspendGate returns an open gate.
func NewSuspendGate() *SuspendGate {
	g := &SuspendGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

var defaultGate = NewSuspendGate()

// DefaultSuspendGate returns the process-wide gate used by logs created
// without WithSuspendGate.
func DefaultSuspendGate() *SuspendGate { return defaultGate }

// Suspend closes the gate.
func (g *SuspendGate) Suspend() {
	g.mu.Lock()
	g.suspended++
	g.mu.Unlock()
}

// Resume undoes one Suspend and wakes blocked forces when the last one is
// undone.
func (g *SuspendGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended == 0 {
		return
	}
	g.suspended--
	if g.suspended == 0 {
		g.cond.Broadcast()
	}
}

// Suspended reports whether the gate is closed.
func (g *SuspendGate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended > 0
}

// Wait blocks while the gate is closed.
func (g *SuspendGate) Wait() {
	g.mu.Lock()
	for g.suspended > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
