// Package kernel provides an execution kernel for LLM agents: bounded
// context windows managed like a page cache, and preemptive scheduling
// of agent processes under shared resource quotas.
//
// The kernel treats an agent's context window as scarce memory. It
// provides:
//
//   - Token-budgeted context windows with page admission and eviction
//   - Swap-in of evicted pages from a pluggable backing store
//   - Deterministic, cache-friendly context rendering
//   - Priority scheduling with preemption at step boundaries
//   - Token and call quotas over a tumbling accounting window
//   - Compressed, checksummed checkpoints and restore
//
// # Quick Start
//
// Wire a kernel over in-memory stores and a step executor:
//
//	exec := kernel.StepExecutorFunc(func(ctx context.Context, proc *kernel.Process, window []kernel.Rendered) (*kernel.StepResult, error) {
//	    // Call a model with the rendered window, return its output.
//	    return &kernel.StepResult{Output: []byte("..."), TokensUsed: 120}, nil
//	})
//
//	k := kernel.NewKernel(
//	    kernel.NewMemoryContentStore(),
//	    kernel.NewMemoryCheckpointStore(),
//	    exec,
//	)
//
//	proc, err := k.Spawn("researcher", 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := k.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	_ = proc
//
// # Context Windows
//
// Each process owns a window with a token budget. Pages are admitted
// with Allocate; when a new page would exceed the budget, the lowest
// retention-score pages are evicted to the backing store. Pinned pages
// are never evicted, so pinned content exceeding the budget is a
// configuration error (ErrContextOverflow). Access swaps an evicted
// page back in transparently.
//
// RenderContext assembles the window deterministically: pinned pages
// first in creation order, then semi-static pages by descending
// importance, then dynamic pages with the least recently changed first,
// so repeated renders share a stable prefix.
//
// # Scheduling
//
// At most one process is RUNNING at a time. Lower priority values run
// first, FIFO within a band. A running process is preempted at the next
// step boundary when a strictly higher-priority process is READY, its
// time slice is exhausted, or it has exceeded its per-agent token cap.
// Preemption always checkpoints first; a process never re-enters the
// ready queue without a durable checkpoint.
//
// # Checkpoints
//
// Checkpoints capture process metadata and the resident page set as
// deterministic CBOR, checksummed with BLAKE3 and compressed with zstd.
// Restore creates a new process with the captured priority, runtime and
// quota accounting, and rehydrates its window; a smaller budget at
// restore time re-evicts rather than failing.
package kernel
