package kernel

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler owns the lifecycle of agent processes: priority scheduling
// with FIFO within a priority band, preemption at step boundaries, quota
// enforcement, and suspend/resume via checkpoints. All scheduling state
// is mutated under a single mutex — the scheduler is the one logical
// authority the design requires, and exactly one process is RUNNING at
// any instant.
type Scheduler struct {
	mu        sync.Mutex
	processes map[string]*Process
	ready     readyQueue
	running   *Process

	quota       *quotaManager
	windows     *WindowManager
	checkpoints CheckpointStore
	sink        Sink
	timeSlice   time.Duration
	retry       RetryConfig
	now         func() time.Time

	enqueueSeq uint64

	halted  bool
	haltErr error

	stats SchedulerStats
}

// SchedulerStats counts scheduling activity since construction.
type SchedulerStats struct {
	Scheduled  int
	Preempted  int
	Completed  int
	Terminated int
	QuotaWaits int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTimeSlice sets how long a process may run continuously before it
// is preempted at the next scheduling boundary.
func WithTimeSlice(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeSlice = d
		}
	}
}

// WithQuotaConfig sets the resource quota budgets.
func WithQuotaConfig(cfg QuotaConfig) SchedulerOption {
	return func(s *Scheduler) {
		s.quota = newQuotaManager(cfg, s.now)
	}
}

// WithSchedulerSink sets the event sink.
func WithSchedulerSink(sink Sink) SchedulerOption {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithSchedulerRetry sets the retry policy for checkpoint I/O.
func WithSchedulerRetry(r RetryConfig) SchedulerOption {
	return func(s *Scheduler) {
		s.retry = r.withDefaults()
	}
}

// NewScheduler creates a scheduler over the given window manager and
// checkpoint store.
func NewScheduler(windows *WindowManager, checkpoints CheckpointStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		processes:   make(map[string]*Process),
		windows:     windows,
		checkpoints: checkpoints,
		sink:        nopSink{},
		timeSlice:   DefaultTimeSlice,
		retry:       RetryConfig{}.withDefaults(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.quota == nil {
		s.quota = newQuotaManager(QuotaConfig{}, s.now)
	}
	return s
}

// Spawn creates a process in READY state with its own context window.
func (s *Scheduler) Spawn(name string, priority int) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return nil, ErrKernelHalted
	}

	p := &Process{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  priority,
		CreatedAt: s.now(),
		state:     StateReady,
	}
	s.processes[p.ID] = p
	s.windows.OpenWindow(p.ID, 0)
	s.enqueueLocked(p)
	return p, nil
}

// Schedule runs one scheduling boundary: the quota window is rolled if
// elapsed (waking WAITING processes), the running process is preempted
// if the predicate says so, and the best READY process is promoted to
// RUNNING. Returns the running process, or nil when nothing is
// runnable. Preemption checkpoints are written (with bounded retry)
// before the preempted process re-enters the ready queue; if the write
// ultimately fails the process stays RUNNING and the error is surfaced.
func (s *Scheduler) Schedule(ctx context.Context) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return nil, ErrKernelHalted
	}

	if s.quota.maybeReset() {
		s.wakeWaitingLocked()
	}

	if s.running != nil && s.shouldPreemptLocked(s.running) {
		if err := s.preemptLocked(ctx, s.running); err != nil {
			return nil, err
		}
	}

	if s.running == nil {
		if next := s.popReadyLocked(); next != nil {
			next.setState(StateRunning)
			next.noteScheduled(s.now())
			s.running = next
			s.stats.Scheduled++
			s.emit(EventScheduled, next.ID, nil)
		}
	}

	if err := s.verifyLocked(); err != nil {
		return nil, err
	}
	return s.running, nil
}

// shouldPreemptLocked is the preemption predicate: a strictly
// higher-priority READY process exists, the time slice is exhausted,
// or the process's token usage has exceeded its per-agent cap.
func (s *Scheduler) shouldPreemptLocked(p *Process) bool {
	if top := s.cleanTopLocked(); top != nil && top.priority < p.Priority {
		return true
	}
	if s.now().Sub(p.Metrics().LastScheduled) > s.timeSlice {
		return true
	}
	if s.quota.usage(p.ID).Tokens > s.quota.agentCap(ResourceTokens) {
		return true
	}
	return false
}

// preemptLocked suspends the running process: run time is accumulated,
// a checkpoint is taken, and only then does the process re-enter the
// ready queue.
func (s *Scheduler) preemptLocked(ctx context.Context, p *Process) error {
	now := s.now()
	p.addRunTime(now.Sub(p.Metrics().LastScheduled))

	cpID, err := s.checkpointLocked(ctx, p)
	if err != nil {
		return err
	}

	s.running = nil
	s.enqueueLocked(p)
	s.stats.Preempted++
	s.emit(EventPreempted, p.ID, map[string]string{"checkpoint": cpID})
	return nil
}

// checkpointLocked captures process metadata and the window's resident
// pages, and writes the snapshot with bounded retry.
func (s *Scheduler) checkpointLocked(ctx context.Context, p *Process) (string, error) {
	snaps, budget, err := s.windows.Snapshot(p.ID)
	if err != nil {
		return "", &ProcessError{ProcessID: p.ID, Name: p.Name, Err: err}
	}

	m := p.Metrics()
	cp := &Checkpoint{
		ID:         uuid.NewString(),
		ProcessID:  p.ID,
		Name:       p.Name,
		Priority:   p.Priority,
		RunTime:    m.RunTime,
		TokensUsed: m.TokensUsed,
		CallsUsed:  m.CallsUsed,
		Budget:     budget,
		Pages:      snaps,
		CreatedAt:  s.now(),
	}

	err = retryStore(ctx, s.retry, func() error {
		return s.checkpoints.Save(ctx, cp)
	})
	if err != nil {
		return "", &ProcessError{ProcessID: p.ID, Name: p.Name, Err: ErrStoreUnavailable}
	}

	p.setCheckpointID(cp.ID)
	s.emit(EventCheckpointed, p.ID, map[string]string{"checkpoint": cp.ID})
	return cp.ID, nil
}

// Checkpoint snapshots a process on demand without changing its state.
func (s *Scheduler) Checkpoint(ctx context.Context, processID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return "", ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return "", ErrProcessNotFound
	}
	if !p.State().active() {
		return "", &ProcessError{ProcessID: processID, Name: p.Name, Err: ErrProcessNotRunning}
	}
	return s.checkpointLocked(ctx, p)
}

// Suspend checkpoints a process and parks it in SUSPENDED until Resume.
func (s *Scheduler) Suspend(ctx context.Context, processID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return "", ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return "", ErrProcessNotFound
	}
	state := p.State()
	if state != StateRunning && state != StateReady {
		return "", &ProcessError{ProcessID: processID, Name: p.Name, Err: ErrProcessNotRunning}
	}

	if state == StateRunning {
		p.addRunTime(s.now().Sub(p.Metrics().LastScheduled))
	}
	cpID, err := s.checkpointLocked(ctx, p)
	if err != nil {
		return "", err
	}

	if s.running == p {
		s.running = nil
	}
	p.setState(StateSuspended)
	return cpID, nil
}

// Resume moves a SUSPENDED process back into the ready queue.
func (s *Scheduler) Resume(processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return ErrProcessNotFound
	}
	if !p.stateIs(StateSuspended) {
		return &ProcessError{ProcessID: processID, Name: p.Name, Err: ErrProcessNotRunning}
	}
	s.enqueueLocked(p)
	return nil
}

// Complete terminates the running process normally. Its window is
// closed with resident pages persisted.
func (s *Scheduler) Complete(ctx context.Context, processID string) error {
	return s.finish(ctx, processID, true, nil)
}

// Fail terminates the running process with an error.
func (s *Scheduler) Fail(ctx context.Context, processID string, cause error) error {
	return s.finish(ctx, processID, false, cause)
}

func (s *Scheduler) finish(ctx context.Context, processID string, persist bool, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return ErrProcessNotFound
	}
	if !p.stateIs(StateRunning) {
		return &ProcessError{ProcessID: processID, Name: p.Name, Err: ErrProcessNotRunning}
	}

	p.addRunTime(s.now().Sub(p.Metrics().LastScheduled))
	p.setState(StateTerminated)
	s.running = nil
	s.stats.Completed++

	// Window teardown failures don't un-terminate the process.
	_ = s.windows.CloseWindow(ctx, p.ID, persist)

	data := map[string]string(nil)
	if cause != nil {
		data = map[string]string{"error": cause.Error()}
	}
	s.emit(EventCompleted, p.ID, data)
	return nil
}

// Terminate kills a process from any live state. No checkpoint is
// written — explicit termination discards the checkpoint obligation —
// and the window's content is dropped.
func (s *Scheduler) Terminate(ctx context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return ErrProcessNotFound
	}
	if !p.State().active() {
		return nil
	}

	if s.running == p {
		p.addRunTime(s.now().Sub(p.Metrics().LastScheduled))
		s.running = nil
	}
	p.setState(StateTerminated)
	s.stats.Terminated++

	_ = s.windows.CloseWindow(ctx, p.ID, false)
	s.emit(EventTerminated, p.ID, nil)
	return nil
}

// RequestQuota atomically requests an amount of a resource for the
// process's agent. Denial moves a RUNNING process to WAITING; it
// becomes READY again when the accounting window resets.
func (s *Scheduler) RequestQuota(processID string, res Resource, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false, ErrKernelHalted
	}

	p, ok := s.processes[processID]
	if !ok {
		return false, ErrProcessNotFound
	}

	if s.quota.request(p.ID, res, amount) {
		if res == ResourceTokens {
			p.addUsage(amount, 0)
		} else {
			p.addUsage(0, amount)
		}
		return true, nil
	}

	if s.running == p {
		p.addRunTime(s.now().Sub(p.Metrics().LastScheduled))
		p.setState(StateWaiting)
		s.running = nil
		s.stats.QuotaWaits++
		s.emit(EventQuotaExhausted, p.ID, map[string]string{
			"resource": string(res),
		})
	}
	return false, nil
}

// Restore creates a new READY process from a checkpoint: same priority
// and quota accounting, window rehydrated from the snapshot. Restoring
// into a smaller window budget than at capture time re-evicts instead
// of failing. Restore may be repeated; each call produces an
// independent process.
func (s *Scheduler) Restore(ctx context.Context, checkpointID string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return nil, ErrKernelHalted
	}

	var cp *Checkpoint
	err := retryStore(ctx, s.retry, func() error {
		var err error
		cp, err = s.checkpoints.Load(ctx, checkpointID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) || errors.Is(err, ErrCheckpointCorrupt) {
			return nil, err
		}
		return nil, ErrStoreUnavailable
	}

	p := &Process{
		ID:        uuid.NewString(),
		Name:      cp.Name,
		Priority:  cp.Priority,
		CreatedAt: s.now(),
		state:     StateReady,
	}
	p.metrics.RunTime = cp.RunTime
	p.metrics.TokensUsed = cp.TokensUsed
	p.metrics.CallsUsed = cp.CallsUsed
	p.checkpointID = cp.ID

	s.windows.OpenWindow(p.ID, 0)
	if err := s.windows.AdmitSnapshot(ctx, p.ID, cp.Pages); err != nil {
		_ = s.windows.CloseWindow(ctx, p.ID, false)
		return nil, err
	}

	s.quota.seed(p.ID, cp.TokensUsed, cp.CallsUsed)
	s.processes[p.ID] = p
	s.enqueueLocked(p)
	s.emit(EventRestored, p.ID, map[string]string{"checkpoint": cp.ID})
	return p, nil
}

// ListCheckpoints returns the checkpoint ids recorded for a process.
func (s *Scheduler) ListCheckpoints(ctx context.Context, processID string) ([]string, error) {
	var ids []string
	err := retryStore(ctx, s.retry, func() error {
		var err error
		ids, err = s.checkpoints.List(ctx, processID)
		return err
	})
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return ids, nil
}

// Get returns a process by id.
func (s *Scheduler) Get(processID string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[processID]
}

// List returns all processes, live and terminated.
func (s *Scheduler) List() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// Running returns the currently RUNNING process, or nil.
func (s *Scheduler) Running() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Usage returns a process's quota counters for the current window.
func (s *Scheduler) Usage(processID string) QuotaUsage {
	return s.quota.usage(processID)
}

// Stats returns scheduling counters and queue sizes.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Halted reports whether a fatal invariant violation stopped the
// scheduling loop, and the violation if so.
func (s *Scheduler) Halted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltErr
}

// hasActive reports whether any process can still make progress.
func (s *Scheduler) hasActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.processes {
		if p.State().active() {
			return true
		}
	}
	return false
}

// enqueueLocked moves a process to READY and pushes it on the ready
// queue. FIFO within a priority band comes from the monotonic enqueue
// sequence used as the heap tie-break.
func (s *Scheduler) enqueueLocked(p *Process) {
	s.enqueueSeq++
	p.enqueueSeq = s.enqueueSeq
	p.setState(StateReady)
	heap.Push(&s.ready, readyEntry{
		proc:     p,
		priority: p.Priority,
		seq:      s.enqueueSeq,
	})
}

// cleanTopLocked discards stale heap entries (processes no longer
// READY, or re-enqueued under a newer sequence) and returns the live
// top entry, or nil.
func (s *Scheduler) cleanTopLocked() *readyEntry {
	for len(s.ready) > 0 {
		top := &s.ready[0]
		if top.proc.stateIs(StateReady) && top.proc.enqueueSeq == top.seq {
			return top
		}
		heap.Pop(&s.ready)
	}
	return nil
}

// popReadyLocked removes and returns the best READY process, or nil.
func (s *Scheduler) popReadyLocked() *Process {
	if s.cleanTopLocked() == nil {
		return nil
	}
	entry := heap.Pop(&s.ready).(readyEntry)
	return entry.proc
}

// wakeWaitingLocked requeues every WAITING process after a quota
// window reset.
func (s *Scheduler) wakeWaitingLocked() {
	woke := false
	for _, p := range s.processes {
		if p.stateIs(StateWaiting) {
			s.enqueueLocked(p)
			woke = true
		}
	}
	if woke {
		s.emit(EventQuotaReset, "", nil)
	}
}

// verifyLocked checks structural invariants. A violation is fatal: the
// scheduler halts and every later call returns ErrKernelHalted.
func (s *Scheduler) verifyLocked() error {
	runningCount := 0
	for _, p := range s.processes {
		if p.stateIs(StateRunning) {
			runningCount++
		}
	}
	switch {
	case runningCount > 1:
		s.haltLocked("multiple processes RUNNING")
	case runningCount == 1 && s.running == nil:
		s.haltLocked("RUNNING process not tracked by scheduler")
	case s.running != nil && !s.running.stateIs(StateRunning):
		s.haltLocked("tracked running process not in RUNNING state")
	}
	if s.halted {
		return s.haltErr
	}
	return nil
}

func (s *Scheduler) haltLocked(reason string) {
	s.halted = true
	s.haltErr = fmt.Errorf("%w: %s", ErrSchedulerInvariant, reason)
}

func (s *Scheduler) emit(t EventType, processID string, data map[string]string) {
	s.sink.Emit(Event{
		Type:      t,
		ProcessID: processID,
		Timestamp: s.now(),
		Data:      data,
	})
}

// readyEntry is one heap element of the ready queue.
type readyEntry struct {
	proc     *Process
	priority int
	seq      uint64
}

// readyQueue is a min-heap ordered by priority, then enqueue order.
type readyQueue []readyEntry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyEntry)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
