package kernel

import (
	"sync"
	"time"
)

// State is the process lifecycle state.
type State string

const (
	StateReady      State = "ready"
	StateRunning    State = "running"
	StateWaiting    State = "waiting"
	StateSuspended  State = "suspended"
	StateTerminated State = "terminated"
)

// active reports whether the state can still be scheduled eventually.
func (s State) active() bool {
	return s == StateReady || s == StateRunning || s == StateWaiting || s == StateSuspended
}

// Process is a schedulable agent execution unit. Lifecycle state is
// mutated exclusively by the Scheduler; the process's own mutex only
// protects reads from concurrent inspectors such as metrics pollers.
type Process struct {
	// ID is the unique process identifier, also the agent id its
	// context window and quota accounting are keyed by.
	ID string

	// Name is the human-readable agent name.
	Name string

	// Priority orders scheduling; lower means higher priority.
	Priority int

	// CreatedAt is when the process was spawned.
	CreatedAt time.Time

	mu      sync.RWMutex
	state   State
	metrics ProcessMetrics

	// checkpointID is the most recent checkpoint, empty if none.
	checkpointID string

	// enqueueSeq matches the live ready-queue entry for this process;
	// stale queue entries carry an older value and are skipped.
	enqueueSeq uint64
}

// ProcessMetrics tracks a process's scheduling and resource usage.
type ProcessMetrics struct {
	// RunTime is the accumulated time spent RUNNING.
	RunTime time.Duration

	// LastScheduled is when the process last became RUNNING.
	LastScheduled time.Time

	// TokensUsed and CallsUsed mirror the quota counters for the
	// current accounting window.
	TokensUsed int
	CallsUsed  int

	// Steps is the number of completed step-executor calls.
	Steps int

	// Errors is the number of failed steps.
	Errors int
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Metrics returns a copy of the current metrics.
func (p *Process) Metrics() ProcessMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// CheckpointID returns the most recent checkpoint id, empty if the
// process has never been checkpointed.
func (p *Process) CheckpointID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkpointID
}

// setState transitions the lifecycle state. Called by the scheduler
// with its own lock held.
func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// stateIs reports whether the process is in the given state.
func (p *Process) stateIs(s State) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == s
}

func (p *Process) setCheckpointID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpointID = id
}

func (p *Process) noteScheduled(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.LastScheduled = t
}

func (p *Process) addRunTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.metrics.RunTime += d
	}
}

func (p *Process) addUsage(tokens, calls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.TokensUsed += tokens
	p.metrics.CallsUsed += calls
}

func (p *Process) noteStep(failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.Steps++
	if failed {
		p.metrics.Errors++
	}
}
