package kernel

import "errors"

// Standard errors returned by the kernel.
var (
	// ErrContextOverflow means pinned content cannot fit in the window
	// budget even after evicting everything evictable. This is a
	// configuration error and is never retried.
	ErrContextOverflow = errors.New("pinned content exceeds context window budget")

	// ErrPageNotFound means the page id is unknown to the window.
	ErrPageNotFound = errors.New("page not found")

	// ErrQuotaExceeded means a resource request was denied for the
	// current accounting window. Soft: the process moves to WAITING
	// and is retried after the window resets.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStoreUnavailable means backing store I/O failed after
	// exhausting retries. The current operation fails; the kernel
	// continues.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrCheckpointNotFound means the checkpoint id is unknown to the
	// checkpoint store.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt means a checkpoint could not be decoded, its
	// checksum did not match, or pages it references cannot be resolved.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrSchedulerInvariant means scheduler state is structurally
	// broken (for example two RUNNING processes). Fatal: the
	// scheduling loop halts and every subsequent call returns it.
	ErrSchedulerInvariant = errors.New("scheduler invariant violated")

	// ErrProcessNotFound means the process id is unknown.
	ErrProcessNotFound = errors.New("process not found")

	// ErrProcessNotRunning means the operation requires a RUNNING
	// process.
	ErrProcessNotRunning = errors.New("process is not running")

	// ErrWindowNotFound means no context window exists for the agent.
	ErrWindowNotFound = errors.New("context window not found")

	// ErrKernelHalted means the scheduling loop was stopped by a fatal
	// invariant violation and no further operations are accepted.
	ErrKernelHalted = errors.New("kernel halted")
)

// PageError wraps an error with page context.
type PageError struct {
	PageID  string
	AgentID string
	Err     error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	if e.AgentID != "" {
		return "page " + e.PageID + " (agent " + e.AgentID + "): " + e.Err.Error()
	}
	return "page " + e.PageID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *PageError) Unwrap() error {
	return e.Err
}

// ProcessError wraps an error with process context.
type ProcessError struct {
	ProcessID string
	Name      string
	Err       error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	if e.Name != "" {
		return "process " + e.ProcessID + " (" + e.Name + "): " + e.Err.Error()
	}
	return "process " + e.ProcessID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}
