package kernel

import (
	"sync"
	"time"
)

// Resource is a quota-accounted resource kind.
type Resource string

const (
	// ResourceTokens counts tokens consumed by step execution.
	ResourceTokens Resource = "tokens"

	// ResourceCalls counts external step-executor calls.
	ResourceCalls Resource = "calls"
)

// QuotaUsage is a point-in-time view of one agent's accounting window.
type QuotaUsage struct {
	Tokens       int
	Calls        int
	GlobalTokens int
	GlobalCalls  int
	WindowStart  time.Time
}

// quotaManager enforces global budgets and per-agent caps over a
// tumbling accounting window. Check-and-increment is atomic under a
// single mutex: the contention is between the running agent's usage
// and window resets, never between simultaneous executions.
type quotaManager struct {
	mu       sync.Mutex
	config   QuotaConfig
	global   map[Resource]int
	perAgent map[string]map[Resource]int

	windowStart time.Time
	now         func() time.Time
}

func newQuotaManager(cfg QuotaConfig, now func() time.Time) *quotaManager {
	if now == nil {
		now = time.Now
	}
	return &quotaManager{
		config:      cfg.withDefaults(),
		global:      make(map[Resource]int),
		perAgent:    make(map[string]map[Resource]int),
		windowStart: now(),
		now:         now,
	}
}

// globalBudget returns the window budget for a resource.
func (q *quotaManager) globalBudget(res Resource) int {
	if res == ResourceCalls {
		return q.config.GlobalCalls
	}
	return q.config.GlobalTokens
}

// agentCap returns the per-agent budget for a resource.
func (q *quotaManager) agentCap(res Resource) int {
	return int(float64(q.globalBudget(res)) * q.config.AgentFraction)
}

// request atomically checks the global budget and the agent's cap; on
// success both counters are incremented. On failure nothing changes.
func (q *quotaManager) request(agentID string, res Resource, amount int) bool {
	if amount < 0 {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsed()

	if q.global[res]+amount > q.globalBudget(res) {
		return false
	}
	agent := q.perAgent[agentID]
	if agent == nil {
		agent = make(map[Resource]int)
		q.perAgent[agentID] = agent
	}
	if agent[res]+amount > q.agentCap(res) {
		return false
	}

	q.global[res] += amount
	agent[res] += amount
	return true
}

// maybeReset rolls the accounting window if its duration has elapsed,
// reporting whether a roll happened.
func (q *quotaManager) maybeReset() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resetIfElapsed()
}

// resetIfElapsed is maybeReset without locking. Caller holds q.mu.
func (q *quotaManager) resetIfElapsed() bool {
	now := q.now()
	if now.Sub(q.windowStart) < time.Duration(q.config.Window) {
		return false
	}
	q.global = make(map[Resource]int)
	q.perAgent = make(map[string]map[Resource]int)
	q.windowStart = now
	return true
}

// seed pre-loads an agent's counters, used when restoring a checkpoint
// so the new process resumes with its captured accounting. The global
// counters absorb the seeded usage so the sum invariant holds.
func (q *quotaManager) seed(agentID string, tokens, calls int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	agent := q.perAgent[agentID]
	if agent == nil {
		agent = make(map[Resource]int)
		q.perAgent[agentID] = agent
	}
	agent[ResourceTokens] += tokens
	agent[ResourceCalls] += calls
	q.global[ResourceTokens] += tokens
	q.global[ResourceCalls] += calls
}

// usage returns the agent's counters for the current window.
func (q *quotaManager) usage(agentID string) QuotaUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	agent := q.perAgent[agentID]
	return QuotaUsage{
		Tokens:       agent[ResourceTokens],
		Calls:        agent[ResourceCalls],
		GlobalTokens: q.global[ResourceTokens],
		GlobalCalls:  q.global[ResourceCalls],
		WindowStart:  q.windowStart,
	}
}
