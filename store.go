package kernel

import (
	"context"
	"sync"
)

// PageMeta describes a page alongside its stored content.
type PageMeta struct {
	AgentID    string
	Kind       PageKind
	Importance float64
	Tokens     int
}

// ContentStore is the durable backing store for evicted page content.
// Read-after-write consistency is required: a Get after a successful
// Put must observe the written content. Any non-success is treated as
// retryable by the kernel up to the configured attempt limit, except
// ErrPageNotFound.
type ContentStore interface {
	Put(ctx context.Context, pageID string, content []byte, meta PageMeta) error
	Get(ctx context.Context, pageID string) ([]byte, error)
	Delete(ctx context.Context, pageID string) error
}

// CheckpointStore persists process checkpoints. Same consistency and
// retry contract as ContentStore, with ErrCheckpointNotFound as the
// non-retryable miss.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	List(ctx context.Context, processID string) ([]string, error)
	Delete(ctx context.Context, checkpointID string) error
}

// MemoryContentStore is an in-memory ContentStore for tests and
// single-process deployments.
type MemoryContentStore struct {
	mu    sync.RWMutex
	pages map[string]memoryPage
}

type memoryPage struct {
	content []byte
	meta    PageMeta
}

// NewMemoryContentStore creates an empty in-memory content store.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{pages: make(map[string]memoryPage)}
}

// Put stores a copy of the content.
func (s *MemoryContentStore) Put(_ context.Context, pageID string, content []byte, meta PageMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageID] = memoryPage{
		content: append([]byte(nil), content...),
		meta:    meta,
	}
	return nil
}

// Get returns a copy of the stored content.
func (s *MemoryContentStore) Get(_ context.Context, pageID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return nil, ErrPageNotFound
	}
	return append([]byte(nil), p.content...), nil
}

// Delete removes a page. Deleting an unknown page is not an error.
func (s *MemoryContentStore) Delete(_ context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pageID)
	return nil
}

// Len returns the number of stored pages.
func (s *MemoryContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// MemoryCheckpointStore is an in-memory CheckpointStore. Checkpoints
// are held in encoded form, so Load always returns an independent copy
// that shares no state with the snapshot's source — the same guarantee
// a durable store gives.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
	byProcess   map[string][]string
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string][]byte),
		byProcess:   make(map[string][]string),
	}
}

// Save encodes and stores the checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; !ok {
		s.byProcess[cp.ProcessID] = append(s.byProcess[cp.ProcessID], cp.ID)
	}
	s.checkpoints[cp.ID] = data
	return nil
}

// Load decodes and returns the checkpoint.
func (s *MemoryCheckpointStore) Load(_ context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[checkpointID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return DecodeCheckpoint(data)
}

// List returns checkpoint ids for a process, oldest first.
func (s *MemoryCheckpointStore) List(_ context.Context, processID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byProcess[processID]...), nil
}

// Delete removes a checkpoint. Deleting an unknown id is not an error.
func (s *MemoryCheckpointStore) Delete(_ context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointID)
	for pid, ids := range s.byProcess {
		for i, id := range ids {
			if id == checkpointID {
				s.byProcess[pid] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	return nil
}
