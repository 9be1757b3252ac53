package kernel

import (
	"context"
	"errors"
	"time"
)

// StepExecutor performs one unit of agent work given the process and
// its rendered context window. Implementations typically call an
// external model; the kernel treats the call as opaque and
// non-preemptible.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, proc *Process, window []Rendered) (*StepResult, error)
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, proc *Process, window []Rendered) (*StepResult, error)

// ExecuteStep calls f.
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, proc *Process, window []Rendered) (*StepResult, error) {
	return f(ctx, proc, window)
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	// Output, when non-empty, is admitted into the process's window as
	// a new page.
	Output []byte

	// OutputKind and OutputImportance classify the output page.
	OutputKind       PageKind
	OutputImportance float64

	// TokensUsed is the token cost of the step, accounted against the
	// process's quota after the fact.
	TokensUsed int

	// Done marks the process complete after this step.
	Done bool
}

// StepReport describes what one kernel step did.
type StepReport struct {
	// Process is the process the step ran for, nil when Idle.
	Process *Process

	// PageID is the output page admitted, if any.
	PageID string

	// Err is the step's failure, if any. A failed step leaves the
	// process RUNNING; callers decide whether to Fail it.
	Err error

	// Throttled means the step did not run because quota was denied and
	// the process moved to WAITING.
	Throttled bool

	// Done means the process completed during this step.
	Done bool

	// Idle means no process was runnable.
	Idle bool
}

// Kernel composes the window manager and scheduler into an execution
// loop: schedule, render context, execute one step, account quota,
// admit output. Steps are the preemption boundary; a step in flight is
// never interrupted.
type Kernel struct {
	windows *WindowManager
	sched   *Scheduler
	exec    StepExecutor
	sink    Sink
	config  Config
}

// KernelOption configures a Kernel.
type KernelOption func(*kernelSetup)

type kernelSetup struct {
	config  Config
	sink    Sink
	counter TokenCounter
	score   ScoreFunc
	now     func() time.Time
}

// WithConfig sets the kernel configuration. Unset fields keep their
// defaults.
func WithConfig(cfg Config) KernelOption {
	return func(s *kernelSetup) {
		s.config = cfg.withDefaults()
	}
}

// WithSink sets the event sink shared by the window manager and
// scheduler.
func WithSink(sink Sink) KernelOption {
	return func(s *kernelSetup) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithKernelTokenCounter sets the token counter used for page
// admission.
func WithKernelTokenCounter(c TokenCounter) KernelOption {
	return func(s *kernelSetup) {
		if c != nil {
			s.counter = c
		}
	}
}

// WithKernelScoreFunc sets the eviction scoring function.
func WithKernelScoreFunc(f ScoreFunc) KernelOption {
	return func(s *kernelSetup) {
		if f != nil {
			s.score = f
		}
	}
}

// WithClock overrides the kernel's time source.
func WithClock(now func() time.Time) KernelOption {
	return func(s *kernelSetup) {
		if now != nil {
			s.now = now
		}
	}
}

// NewKernel wires a kernel over the given stores and step executor.
func NewKernel(store ContentStore, checkpoints CheckpointStore, exec StepExecutor, opts ...KernelOption) *Kernel {
	setup := &kernelSetup{
		config: DefaultConfig(),
		sink:   nopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(setup)
	}

	windowOpts := []WindowOption{
		WithWindowBudget(setup.config.WindowBudget),
		WithWindowSink(setup.sink),
		WithWindowRetry(setup.config.Retry),
	}
	if setup.counter != nil {
		windowOpts = append(windowOpts, WithTokenCounter(setup.counter))
	}
	if setup.score != nil {
		windowOpts = append(windowOpts, WithScoreFunc(setup.score))
	}
	windows := NewWindowManager(store, windowOpts...)
	windows.now = setup.now

	sched := NewScheduler(windows, checkpoints,
		WithTimeSlice(time.Duration(setup.config.TimeSlice)),
		WithQuotaConfig(setup.config.Quota),
		WithSchedulerSink(setup.sink),
		WithSchedulerRetry(setup.config.Retry),
	)
	sched.now = setup.now
	sched.quota.now = setup.now
	sched.quota.windowStart = setup.now()

	return &Kernel{
		windows: windows,
		sched:   sched,
		exec:    exec,
		sink:    setup.sink,
		config:  setup.config,
	}
}

// Windows returns the kernel's window manager.
func (k *Kernel) Windows() *WindowManager { return k.windows }

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.config }

// Spawn creates a READY process.
func (k *Kernel) Spawn(name string, priority int) (*Process, error) {
	return k.sched.Spawn(name, priority)
}

// Step runs one scheduling boundary and at most one executor step.
// Scheduler invariant violations are returned as errors; everything a
// caller can act on per process is in the report.
func (k *Kernel) Step(ctx context.Context) (StepReport, error) {
	proc, err := k.sched.Schedule(ctx)
	if err != nil {
		return StepReport{}, err
	}
	if proc == nil {
		return StepReport{Idle: true}, nil
	}

	ok, err := k.sched.RequestQuota(proc.ID, ResourceCalls, 1)
	if err != nil {
		return StepReport{Process: proc}, err
	}
	if !ok {
		return StepReport{Process: proc, Throttled: true}, nil
	}

	rendered, err := k.windows.RenderContext(proc.ID)
	if err != nil {
		return StepReport{Process: proc, Err: err}, nil
	}

	res, err := k.exec.ExecuteStep(ctx, proc, rendered)
	if err != nil {
		proc.noteStep(true)
		return StepReport{Process: proc, Err: err}, nil
	}
	proc.noteStep(false)

	report := StepReport{Process: proc}

	// Token usage is known only after the step ran, so accounting is
	// post-hoc: denial parks the process WAITING for the next window
	// rather than undoing work already done.
	if res.TokensUsed > 0 {
		ok, err := k.sched.RequestQuota(proc.ID, ResourceTokens, res.TokensUsed)
		if err != nil {
			report.Err = err
			return report, nil
		}
		if !ok {
			report.Throttled = true
		}
	}

	if len(res.Output) > 0 {
		kind := res.OutputKind
		if kind == "" {
			kind = KindDynamic
		}
		pageID, err := k.windows.Allocate(ctx, proc.ID, res.Output, res.OutputImportance, kind)
		if err != nil {
			report.Err = err
			return report, nil
		}
		report.PageID = pageID
	}

	if res.Done && !report.Throttled {
		if err := k.sched.Complete(ctx, proc.ID); err != nil {
			report.Err = err
			return report, nil
		}
		report.Done = true
	}
	return report, nil
}

// maxConsecutiveStepFailures bounds how often Run retries a process
// whose steps keep failing before it fails the process outright.
const maxConsecutiveStepFailures = 3

// Run steps the kernel until the context is cancelled, every process
// has terminated, or an invariant violation halts the scheduler. A
// fully idle kernel with live WAITING processes keeps polling so quota
// window resets can wake them. A process whose steps fail
// maxConsecutiveStepFailures times in a row is failed rather than
// retried forever.
func (k *Kernel) Run(ctx context.Context) error {
	idleWait := time.Duration(k.config.TimeSlice) / 10
	if idleWait <= 0 || idleWait > time.Second {
		idleWait = time.Second
	}
	failures := make(map[string]int)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !k.sched.hasActive() {
			return nil
		}

		report, err := k.Step(ctx)
		if err != nil {
			if errors.Is(err, ErrSchedulerInvariant) || errors.Is(err, ErrKernelHalted) {
				return err
			}
			// Transient scheduling failure (checkpoint store down,
			// usually). Back off instead of spinning.
			if err := sleepCtx(ctx, idleWait); err != nil {
				return err
			}
			continue
		}

		switch {
		case report.Err != nil && report.Process != nil:
			failures[report.Process.ID]++
			if failures[report.Process.ID] >= maxConsecutiveStepFailures && report.Process.stateIs(StateRunning) {
				_ = k.sched.Fail(ctx, report.Process.ID, report.Err)
			}
		case report.Process != nil:
			delete(failures, report.Process.ID)
		}

		if report.Idle {
			if err := sleepCtx(ctx, idleWait); err != nil {
				return err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Restore recreates a process from a checkpoint id.
func (k *Kernel) Restore(ctx context.Context, checkpointID string) (*Process, error) {
	return k.sched.Restore(ctx, checkpointID)
}
