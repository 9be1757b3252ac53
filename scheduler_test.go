package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestScheduler(quota QuotaConfig, slice time.Duration) (*Scheduler, *fakeClock, *WindowManager) {
	clk := newFakeClock()
	windows := NewWindowManager(NewMemoryContentStore(),
		WithWindowBudget(1000),
		WithTokenCounter(byteTokens),
	)
	windows.now = clk.Now

	s := NewScheduler(windows, NewMemoryCheckpointStore(),
		WithTimeSlice(slice),
		WithQuotaConfig(quota),
		WithSchedulerRetry(RetryConfig{MaxAttempts: 1, BackoffBase: Duration(time.Millisecond)}),
	)
	s.now = clk.Now
	s.quota.now = clk.Now
	s.quota.windowStart = clk.Now()
	return s, clk, windows
}

func TestSpawnAndSchedule(t *testing.T) {
	s, _, windows := newTestScheduler(QuotaConfig{}, time.Minute)
	ctx := context.Background()

	p, err := s.Spawn("worker", 10)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if p.State() != StateReady {
		t.Errorf("spawned state = %s, want %s", p.State(), StateReady)
	}
	if _, ok := windows.Stats(p.ID); !ok {
		t.Error("Spawn should open the process's window")
	}

	got, err := s.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if got != p {
		t.Fatalf("Schedule() = %v, want %v", got, p)
	}
	if p.State() != StateRunning {
		t.Errorf("scheduled state = %s, want %s", p.State(), StateRunning)
	}

	// Idle schedule with nothing READY keeps the running process.
	again, err := s.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if again != p {
		t.Error("Schedule() should keep the running process when nothing preempts it")
	}
}

func TestPriorityPreemption(t *testing.T) {
	s, _, windows := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	bg, err := s.Spawn("background", 50)
	if err != nil {
		t.Fatalf("Spawn(background) error: %v", err)
	}
	if p, _ := s.Schedule(ctx); p != bg {
		t.Fatal("background process should be running")
	}
	if _, err := windows.Allocate(ctx, bg.ID, []byte("in-progress analysis"), 0.7, KindDynamic); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	urgent, err := s.Spawn("urgent", 10)
	if err != nil {
		t.Fatalf("Spawn(urgent) error: %v", err)
	}

	p, err := s.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if p != urgent {
		t.Fatalf("scheduled %s, want urgent process", p.Name)
	}
	if bg.State() != StateReady {
		t.Errorf("preempted state = %s, want %s", bg.State(), StateReady)
	}
	if bg.CheckpointID() == "" {
		t.Error("preempted process must have a checkpoint before re-entering the ready queue")
	}

	// Completing urgent resumes background.
	if err := s.Complete(ctx, urgent.ID); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if p, _ = s.Schedule(ctx); p != bg {
		t.Error("background process should run after urgent completes")
	}
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	first, _ := s.Spawn("first", 20)
	second, _ := s.Spawn("second", 20)

	if p, _ := s.Schedule(ctx); p != first {
		t.Fatal("earlier spawn should run first within a priority band")
	}
	if err := s.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if p, _ := s.Schedule(ctx); p != second {
		t.Error("later spawn should run next within the band")
	}
}

func TestEqualPriorityDoesNotPreempt(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	running, _ := s.Spawn("running", 20)
	if p, _ := s.Schedule(ctx); p != running {
		t.Fatal("first process should be running")
	}
	s.Spawn("peer", 20)

	if p, _ := s.Schedule(ctx); p != running {
		t.Error("equal priority must not preempt; only strictly better does")
	}
	if got := s.Stats().Preempted; got != 0 {
		t.Errorf("Preempted = %d, want 0", got)
	}
}

func TestTimeSlicePreemption(t *testing.T) {
	s, clk, _ := newTestScheduler(QuotaConfig{}, time.Minute)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}

	clk.Advance(2 * time.Minute)
	got, err := s.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	// Preempted and, as the only process, immediately rescheduled.
	if got != p {
		t.Fatalf("Schedule() = %v, want the sole process", got)
	}
	if s.Stats().Preempted != 1 {
		t.Errorf("Preempted = %d, want 1", s.Stats().Preempted)
	}
	if p.CheckpointID() == "" {
		t.Error("time-slice preemption must checkpoint")
	}
	if got := p.Metrics().RunTime; got != 2*time.Minute {
		t.Errorf("RunTime = %v, want 2m", got)
	}
}

func TestQuotaDenialMovesToWaiting(t *testing.T) {
	s, clk, _ := newTestScheduler(QuotaConfig{
		GlobalTokens:  1000,
		GlobalCalls:   100,
		AgentFraction: 0.3,
		Window:        Duration(time.Minute),
	}, time.Hour)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}

	ok, err := s.RequestQuota(p.ID, ResourceTokens, 300)
	if err != nil || !ok {
		t.Fatalf("RequestQuota(300) = %v, %v; want true, nil", ok, err)
	}
	if got := p.Metrics().TokensUsed; got != 300 {
		t.Errorf("TokensUsed = %d, want 300", got)
	}

	ok, err = s.RequestQuota(p.ID, ResourceTokens, 1)
	if err != nil {
		t.Fatalf("RequestQuota(1) error: %v", err)
	}
	if ok {
		t.Fatal("request past the cap should be denied")
	}
	if p.State() != StateWaiting {
		t.Errorf("denied state = %s, want %s", p.State(), StateWaiting)
	}

	if got, _ := s.Schedule(ctx); got != nil {
		t.Error("nothing should be runnable while the process waits on quota")
	}

	// The quota window reset wakes it.
	clk.Advance(2 * time.Minute)
	got, err := s.Schedule(ctx)
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if got != p {
		t.Error("process should run again after the quota window resets")
	}
}

func TestDoubleRunningHaltsScheduler(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	p1, _ := s.Spawn("one", 10)
	p2, _ := s.Spawn("two", 10)
	if got, _ := s.Schedule(ctx); got != p1 {
		t.Fatal("first process should be running")
	}

	// Corrupt the state machine behind the scheduler's back.
	p2.setState(StateRunning)

	if _, err := s.Schedule(ctx); !errors.Is(err, ErrSchedulerInvariant) {
		t.Fatalf("Schedule() error = %v, want ErrSchedulerInvariant", err)
	}

	if halted, _ := s.Halted(); !halted {
		t.Fatal("scheduler should be halted")
	}
	if _, err := s.Spawn("three", 10); !errors.Is(err, ErrKernelHalted) {
		t.Errorf("Spawn() after halt error = %v, want ErrKernelHalted", err)
	}
	if _, err := s.Schedule(ctx); !errors.Is(err, ErrKernelHalted) {
		t.Errorf("Schedule() after halt error = %v, want ErrKernelHalted", err)
	}
}

// brokenCheckpointStore fails every operation, for exercising the
// checkpoint-failure path.
type brokenCheckpointStore struct{ err error }

func (s *brokenCheckpointStore) Save(context.Context, *Checkpoint) error { return s.err }
func (s *brokenCheckpointStore) Load(context.Context, string) (*Checkpoint, error) {
	return nil, s.err
}
func (s *brokenCheckpointStore) List(context.Context, string) ([]string, error) {
	return nil, s.err
}
func (s *brokenCheckpointStore) Delete(context.Context, string) error { return s.err }

func TestPreemptionCheckpointFailure(t *testing.T) {
	clk := newFakeClock()
	windows := NewWindowManager(NewMemoryContentStore(), WithTokenCounter(byteTokens))
	windows.now = clk.Now

	s := NewScheduler(windows, &brokenCheckpointStore{err: errors.New("disk on fire")},
		WithTimeSlice(time.Hour),
		WithSchedulerRetry(RetryConfig{MaxAttempts: 2, BackoffBase: Duration(time.Millisecond)}),
	)
	s.now = clk.Now

	ctx := context.Background()
	bg, _ := s.Spawn("background", 50)
	if p, _ := s.Schedule(ctx); p != bg {
		t.Fatal("background process should be running")
	}
	s.Spawn("urgent", 10)

	_, err := s.Schedule(ctx)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Schedule() error = %v, want ErrStoreUnavailable", err)
	}

	// Without a durable checkpoint the process must not be requeued.
	if bg.State() != StateRunning {
		t.Errorf("state after checkpoint failure = %s, want %s", bg.State(), StateRunning)
	}
	if s.Running() != bg {
		t.Error("background process should still hold the CPU")
	}
}

func TestSuspendResume(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}

	cpID, err := s.Suspend(ctx, p.ID)
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	if cpID == "" {
		t.Fatal("Suspend() should return a checkpoint id")
	}
	if p.State() != StateSuspended {
		t.Errorf("suspended state = %s, want %s", p.State(), StateSuspended)
	}

	if got, _ := s.Schedule(ctx); got != nil {
		t.Error("suspended process must not be scheduled")
	}

	if err := s.Resume(p.ID); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if got, _ := s.Schedule(ctx); got != p {
		t.Error("resumed process should run")
	}
}

func TestTerminate(t *testing.T) {
	s, _, windows := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}
	if _, err := windows.Allocate(ctx, p.ID, []byte("scratch"), 0.5, KindDynamic); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	if err := s.Terminate(ctx, p.ID); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if p.State() != StateTerminated {
		t.Errorf("state = %s, want %s", p.State(), StateTerminated)
	}
	if _, ok := windows.Stats(p.ID); ok {
		t.Error("terminated process's window should be released")
	}
	if p.CheckpointID() != "" {
		t.Error("explicit termination must not checkpoint")
	}

	// Terminating again is a no-op, not an error.
	if err := s.Terminate(ctx, p.ID); err != nil {
		t.Errorf("Terminate(again) error: %v", err)
	}
	if err := s.Terminate(ctx, "missing"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("Terminate(missing) error = %v, want ErrProcessNotFound", err)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if err := s.Complete(ctx, p.ID); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("Complete(ready) error = %v, want ErrProcessNotRunning", err)
	}
}

func TestRestorePreservesProcessAndPages(t *testing.T) {
	s, _, windows := newTestScheduler(QuotaConfig{
		GlobalTokens:  10000,
		GlobalCalls:   100,
		AgentFraction: 0.5,
		Window:        Duration(time.Hour),
	}, time.Hour)
	ctx := context.Background()

	p, _ := s.Spawn("researcher", 15)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}
	if _, err := windows.Allocate(ctx, p.ID, []byte("system prompt"), 1.0, KindPinned); err != nil {
		t.Fatalf("Allocate(pinned) error: %v", err)
	}
	if _, err := windows.Allocate(ctx, p.ID, []byte("findings so far"), 0.6, KindDynamic); err != nil {
		t.Fatalf("Allocate(dynamic) error: %v", err)
	}
	if ok, _ := s.RequestQuota(p.ID, ResourceTokens, 400); !ok {
		t.Fatal("quota request should succeed")
	}

	cpID, err := s.Suspend(ctx, p.ID)
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	before, err := windows.RenderContext(p.ID)
	if err != nil {
		t.Fatalf("RenderContext(original) error: %v", err)
	}

	restored, err := s.Restore(ctx, cpID)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if restored.ID == p.ID {
		t.Error("restore must create a new process id")
	}
	if restored.Name != p.Name || restored.Priority != p.Priority {
		t.Errorf("restored identity = %s/%d, want %s/%d", restored.Name, restored.Priority, p.Name, p.Priority)
	}
	if restored.State() != StateReady {
		t.Errorf("restored state = %s, want %s", restored.State(), StateReady)
	}
	if got := restored.Metrics().TokensUsed; got != 400 {
		t.Errorf("restored TokensUsed = %d, want 400", got)
	}
	if got := s.Usage(restored.ID).Tokens; got != 400 {
		t.Errorf("restored quota usage = %d, want 400", got)
	}

	after, err := windows.RenderContext(restored.ID)
	if err != nil {
		t.Fatalf("RenderContext(restored) error: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("restored render has %d pages, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].PageID != before[i].PageID {
			t.Errorf("render position %d = %s, want %s (page ids must survive restore)", i, after[i].PageID, before[i].PageID)
		}
		if string(after[i].Content) != string(before[i].Content) {
			t.Errorf("render position %d content differs after restore", i)
		}
	}
}

func TestRestoreIntoSmallerBudget(t *testing.T) {
	clk := newFakeClock()
	content := NewMemoryContentStore()
	checkpoints := NewMemoryCheckpointStore()

	big := NewWindowManager(content, WithWindowBudget(100), WithTokenCounter(byteTokens))
	big.now = clk.Now
	s1 := NewScheduler(big, checkpoints, WithTimeSlice(time.Hour))
	s1.now = clk.Now

	ctx := context.Background()
	p, _ := s1.Spawn("worker", 10)
	if got, _ := s1.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}
	if _, err := big.Allocate(ctx, p.ID, make([]byte, 20), 1.0, KindPinned); err != nil {
		t.Fatalf("Allocate(pinned) error: %v", err)
	}
	if _, err := big.Allocate(ctx, p.ID, make([]byte, 30), 0.8, KindDynamic); err != nil {
		t.Fatalf("Allocate(d1) error: %v", err)
	}
	if _, err := big.Allocate(ctx, p.ID, make([]byte, 30), 0.2, KindDynamic); err != nil {
		t.Fatalf("Allocate(d2) error: %v", err)
	}

	cpID, err := s1.Suspend(ctx, p.ID)
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}

	small := NewWindowManager(content, WithWindowBudget(60), WithTokenCounter(byteTokens))
	small.now = clk.Now
	s2 := NewScheduler(small, checkpoints, WithTimeSlice(time.Hour))
	s2.now = clk.Now

	restored, err := s2.Restore(ctx, cpID)
	if err != nil {
		t.Fatalf("Restore() into smaller budget error: %v", err)
	}

	st, ok := small.Stats(restored.ID)
	if !ok {
		t.Fatal("restored window missing")
	}
	if st.ResidentTokens > 60 {
		t.Errorf("resident tokens %d exceed the smaller budget 60", st.ResidentTokens)
	}
	if st.EvictedPages == 0 {
		t.Error("restore into a smaller budget should re-evict, not fail")
	}
}

func TestRestoreErrors(t *testing.T) {
	s, _, _ := newTestScheduler(QuotaConfig{}, time.Hour)
	ctx := context.Background()

	if _, err := s.Restore(ctx, "missing"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("Restore(missing) error = %v, want ErrCheckpointNotFound", err)
	}

	// A tampered checkpoint is reported corrupt, not retried.
	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}
	cpID, err := s.Suspend(ctx, p.ID)
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}

	mem := s.checkpoints.(*MemoryCheckpointStore)
	mem.mu.Lock()
	data := mem.checkpoints[cpID]
	data[len(data)-1] ^= 0xff
	mem.mu.Unlock()

	if _, err := s.Restore(ctx, cpID); !errors.Is(err, ErrCheckpointCorrupt) {
		t.Errorf("Restore(tampered) error = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	s, clk, _ := newTestScheduler(QuotaConfig{}, time.Minute)
	ctx := context.Background()

	p, _ := s.Spawn("worker", 10)
	if got, _ := s.Schedule(ctx); got != p {
		t.Fatal("process should be running")
	}

	first, err := s.Checkpoint(ctx, p.ID)
	if err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}
	clk.Advance(time.Second)
	second, err := s.Checkpoint(ctx, p.ID)
	if err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}

	ids, err := s.ListCheckpoints(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error: %v", err)
	}
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Errorf("ListCheckpoints() = %v, want [%s %s]", ids, first, second)
	}
}
