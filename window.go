package kernel

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WindowManager owns the context windows of all agents: a token-bounded
// working set of pages per agent, with admission, eviction and
// cache-friendly rendering. Windows are independent; operations on
// different agents proceed in parallel, and backing-store I/O only ever
// blocks the window it is for.
type WindowManager struct {
	mu      sync.RWMutex
	windows map[string]*window

	store         ContentStore
	sink          Sink
	defaultBudget int
	counter       TokenCounter
	score         ScoreFunc
	retry         RetryConfig
	now           func() time.Time

	// seq issues creation and change sequence numbers.
	seq atomic.Uint64
}

// window is one agent's bounded page set. All fields are guarded by mu.
type window struct {
	mu      sync.Mutex
	agentID string
	budget  int
	pages   map[string]*Page
	tokens  int

	evictions int
	swapIns   int
}

// Rendered is one entry of an assembled context, in render order.
type Rendered struct {
	PageID  string
	Kind    PageKind
	Content []byte
}

// WindowStats is a point-in-time snapshot of one window.
type WindowStats struct {
	AgentID        string
	Budget         int
	ResidentPages  int
	ResidentTokens int
	EvictedPages   int
	Evictions      int
	SwapIns        int
}

// WindowOption configures a WindowManager.
type WindowOption func(*WindowManager)

// WithWindowBudget sets the default per-window token budget.
func WithWindowBudget(tokens int) WindowOption {
	return func(m *WindowManager) {
		m.defaultBudget = tokens
	}
}

// WithTokenCounter sets the token counter used at page creation.
func WithTokenCounter(c TokenCounter) WindowOption {
	return func(m *WindowManager) {
		m.counter = c
	}
}

// WithScoreFunc sets the eviction scoring function.
func WithScoreFunc(s ScoreFunc) WindowOption {
	return func(m *WindowManager) {
		m.score = s
	}
}

// WithWindowSink sets the event sink.
func WithWindowSink(s Sink) WindowOption {
	return func(m *WindowManager) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithWindowRetry sets the retry policy for backing-store I/O.
func WithWindowRetry(r RetryConfig) WindowOption {
	return func(m *WindowManager) {
		m.retry = r.withDefaults()
	}
}

// NewWindowManager creates a window manager backed by the given
// content store.
func NewWindowManager(store ContentStore, opts ...WindowOption) *WindowManager {
	m := &WindowManager{
		windows:       make(map[string]*window),
		store:         store,
		sink:          nopSink{},
		defaultBudget: DefaultWindowBudget,
		counter:       estimateTokens,
		score:         defaultScore,
		retry:         RetryConfig{}.withDefaults(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenWindow creates the window for an agent if it does not exist.
// budget <= 0 uses the manager default.
func (m *WindowManager) OpenWindow(agentID string, budget int) {
	if budget <= 0 {
		budget = m.defaultBudget
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[agentID]; ok {
		return
	}
	m.windows[agentID] = &window{
		agentID: agentID,
		budget:  budget,
		pages:   make(map[string]*Page),
	}
}

// CloseWindow destroys an agent's window. With persist true, resident
// pages not yet durable are written to the backing store first; with
// persist false, page content is discarded.
func (m *WindowManager) CloseWindow(ctx context.Context, agentID string, persist bool) error {
	m.mu.Lock()
	w, ok := m.windows[agentID]
	if ok {
		delete(m.windows, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrWindowNotFound
	}

	if !persist {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, p := range w.pages {
		if p.residency != Resident || p.durable {
			continue
		}
		if err := m.persistPage(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Allocate admits a new page into the agent's window, evicting
// lowest-scoring evictable pages as needed to stay under budget.
// Returns ErrContextOverflow when even evicting everything evictable
// cannot make room, which for pinned content is a configuration error.
func (m *WindowManager) Allocate(ctx context.Context, agentID string, content []byte, importance float64, kind PageKind) (string, error) {
	w := m.getWindow(agentID, true)

	tokens := m.counter(content)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := m.ensureSpace(ctx, w, tokens); err != nil {
		return "", err
	}

	now := m.now()
	p := &Page{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Kind:       kind,
		Tokens:     tokens,
		content:    append([]byte(nil), content...),
		importance: importance,
		residency:  Resident,
		lastAccess: now,
		createdAt:  now,
		seq:        m.seq.Add(1),
		changeSeq:  m.seq.Add(1),
	}
	w.pages[p.ID] = p
	w.tokens += tokens
	return p.ID, nil
}

// Access returns a page's content, updating its access statistics. An
// evicted page is swapped back in first, which may evict other pages.
func (m *WindowManager) Access(ctx context.Context, agentID, pageID string) ([]byte, error) {
	w := m.getWindow(agentID, false)
	if w == nil {
		return nil, ErrWindowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pages[pageID]
	if !ok {
		return nil, &PageError{PageID: pageID, AgentID: agentID, Err: ErrPageNotFound}
	}

	if p.residency != Resident {
		if err := m.swapIn(ctx, w, p); err != nil {
			return nil, err
		}
	}

	p.touch(m.now())
	return append([]byte(nil), p.content...), nil
}

// UpdateContent replaces a page's content, recomputing its token count
// and marking it changed for render ordering. Updating an evicted page
// writes straight through to the backing store.
func (m *WindowManager) UpdateContent(ctx context.Context, agentID, pageID string, content []byte) error {
	w := m.getWindow(agentID, false)
	if w == nil {
		return ErrWindowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pages[pageID]
	if !ok {
		return &PageError{PageID: pageID, AgentID: agentID, Err: ErrPageNotFound}
	}

	tokens := m.counter(content)

	if p.residency != Resident {
		p.Tokens = tokens
		p.changeSeq = m.seq.Add(1)
		p.durable = false
		if err := m.persistPageContent(ctx, p, content); err != nil {
			return err
		}
		return nil
	}

	if delta := tokens - p.Tokens; delta > 0 {
		if err := m.ensureSpace(ctx, w, delta); err != nil {
			return err
		}
	}
	w.tokens += tokens - p.Tokens
	p.Tokens = tokens
	p.content = append([]byte(nil), content...)
	p.changeSeq = m.seq.Add(1)
	p.durable = false
	return nil
}

// UpdateImportance sets a page's importance score, clamped to [0, 1].
func (m *WindowManager) UpdateImportance(agentID, pageID string, importance float64) error {
	w := m.getWindow(agentID, false)
	if w == nil {
		return ErrWindowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pages[pageID]
	if !ok {
		return &PageError{PageID: pageID, AgentID: agentID, Err: ErrPageNotFound}
	}
	if importance < 0 {
		importance = 0
	} else if importance > 1 {
		importance = 1
	}
	p.importance = importance
	return nil
}

// RenderContext assembles the resident pages in cache-friendly order:
// pinned pages first in creation order, then semi-static pages by
// descending importance, then dynamic pages ordered so the content
// that changed least recently comes first. The ordering is recomputed
// on every call but is stable given unchanged inputs, so repeated
// renders share a stable prefix.
func (m *WindowManager) RenderContext(agentID string) ([]Rendered, error) {
	w := m.getWindow(agentID, false)
	if w == nil {
		return nil, ErrWindowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var pinned, semi, dynamic []*Page
	for _, p := range w.pages {
		if p.residency != Resident {
			continue
		}
		switch p.Kind {
		case KindPinned:
			pinned = append(pinned, p)
		case KindSemiStatic:
			semi = append(semi, p)
		default:
			dynamic = append(dynamic, p)
		}
	}

	sort.Slice(pinned, func(i, j int) bool { return pinned[i].seq < pinned[j].seq })
	sort.Slice(semi, func(i, j int) bool {
		if semi[i].importance != semi[j].importance {
			return semi[i].importance > semi[j].importance
		}
		return semi[i].seq < semi[j].seq
	})
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].changeSeq < dynamic[j].changeSeq })

	out := make([]Rendered, 0, len(pinned)+len(semi)+len(dynamic))
	for _, group := range [][]*Page{pinned, semi, dynamic} {
		for _, p := range group {
			out = append(out, Rendered{
				PageID:  p.ID,
				Kind:    p.Kind,
				Content: append([]byte(nil), p.content...),
			})
		}
	}
	return out, nil
}

// Snapshot captures the resident page set in creation order for a
// checkpoint. Content is embedded only for pages the backing store
// does not already hold.
func (m *WindowManager) Snapshot(agentID string) ([]PageSnapshot, int, error) {
	w := m.getWindow(agentID, false)
	if w == nil {
		return nil, 0, ErrWindowNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var resident []*Page
	for _, p := range w.pages {
		if p.residency == Resident {
			resident = append(resident, p)
		}
	}
	sort.Slice(resident, func(i, j int) bool { return resident[i].seq < resident[j].seq })

	snaps := make([]PageSnapshot, 0, len(resident))
	for _, p := range resident {
		s := PageSnapshot{
			ID:          p.ID,
			Kind:        p.Kind,
			Importance:  p.importance,
			Tokens:      p.Tokens,
			Seq:         p.seq,
			ChangeSeq:   p.changeSeq,
			AccessCount: p.accessCount,
			Durable:     p.durable,
		}
		if !p.durable {
			s.Content = append([]byte(nil), p.content...)
		}
		snaps = append(snaps, s)
	}
	return snaps, w.budget, nil
}

// AdmitSnapshot rehydrates a window from checkpoint page snapshots,
// re-admitting pages in their captured order. If the window's budget is
// smaller than at capture time, the normal eviction procedure runs;
// only pinned content that cannot fit is an error.
func (m *WindowManager) AdmitSnapshot(ctx context.Context, agentID string, snaps []PageSnapshot) error {
	w := m.getWindow(agentID, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := m.now()
	for _, s := range snaps {
		content := s.Content
		if content == nil && s.Durable {
			var err error
			content, err = m.fetchContent(ctx, s.ID)
			if err != nil {
				if errors.Is(err, ErrPageNotFound) {
					return &PageError{PageID: s.ID, AgentID: agentID, Err: ErrCheckpointCorrupt}
				}
				return err
			}
		}

		if err := m.ensureSpace(ctx, w, s.Tokens); err != nil {
			return err
		}

		m.raiseSeq(s.Seq)
		m.raiseSeq(s.ChangeSeq)
		w.pages[s.ID] = &Page{
			ID:          s.ID,
			AgentID:     agentID,
			Kind:        s.Kind,
			Tokens:      s.Tokens,
			content:     append([]byte(nil), content...),
			importance:  s.Importance,
			residency:   Resident,
			accessCount: s.AccessCount,
			lastAccess:  now,
			createdAt:   now,
			seq:         s.Seq,
			changeSeq:   s.ChangeSeq,
			durable:     s.Durable,
		}
		w.tokens += s.Tokens
	}
	return nil
}

// Stats returns a point-in-time snapshot of one window.
func (m *WindowManager) Stats(agentID string) (WindowStats, bool) {
	w := m.getWindow(agentID, false)
	if w == nil {
		return WindowStats{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	st := WindowStats{
		AgentID:   agentID,
		Budget:    w.budget,
		Evictions: w.evictions,
		SwapIns:   w.swapIns,
	}
	for _, p := range w.pages {
		if p.residency == Resident {
			st.ResidentPages++
			st.ResidentTokens += p.Tokens
		} else {
			st.EvictedPages++
		}
	}
	return st, true
}

// getWindow looks up a window, optionally creating it with the default
// budget.
func (m *WindowManager) getWindow(agentID string, create bool) *window {
	m.mu.RLock()
	w := m.windows[agentID]
	m.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w = m.windows[agentID]; w == nil {
		w = &window{
			agentID: agentID,
			budget:  m.defaultBudget,
			pages:   make(map[string]*Page),
		}
		m.windows[agentID] = w
	}
	return w
}

// ensureSpace evicts lowest-scoring evictable pages until need tokens
// fit under the window budget. Caller holds w.mu.
func (m *WindowManager) ensureSpace(ctx context.Context, w *window, need int) error {
	for w.tokens+need > w.budget {
		victim := m.pickVictim(w)
		if victim == nil {
			return ErrContextOverflow
		}
		if err := m.evict(ctx, w, victim); err != nil {
			return err
		}
	}
	return nil
}

// pickVictim returns the evictable resident page with the lowest
// retention score, ties broken by lowest creation sequence (oldest
// first). Returns nil when nothing is evictable.
func (m *WindowManager) pickVictim(w *window) *Page {
	now := m.now()

	maxAccess := 0
	for _, p := range w.pages {
		if p.residency == Resident && p.evictable() && p.accessCount > maxAccess {
			maxAccess = p.accessCount
		}
	}

	var victim *Page
	var victimScore float64
	for _, p := range w.pages {
		if p.residency != Resident || !p.evictable() {
			continue
		}
		score := m.score(p, now, maxAccess)
		if victim == nil || score < victimScore ||
			(score == victimScore && p.seq < victim.seq) {
			victim = p
			victimScore = score
		}
	}
	return victim
}

// evict swaps a page out: content is persisted to the backing store
// (unless already durable), then freed from the window. Caller holds
// w.mu.
func (m *WindowManager) evict(ctx context.Context, w *window, p *Page) error {
	if err := m.persistPage(ctx, p); err != nil {
		return err
	}
	p.residency = EvictedOut
	p.content = nil
	w.tokens -= p.Tokens
	w.evictions++
	m.sink.Emit(Event{
		Type:      EventPageEvicted,
		ProcessID: p.AgentID,
		PageID:    p.ID,
		Timestamp: m.now(),
		Data:      map[string]string{"tokens": strconv.Itoa(p.Tokens)},
	})
	return nil
}

// swapIn fetches an evicted page's content and re-admits it, which may
// evict other pages. Caller holds w.mu.
func (m *WindowManager) swapIn(ctx context.Context, w *window, p *Page) error {
	content, err := m.fetchContent(ctx, p.ID)
	if err != nil {
		if errors.Is(err, ErrPageNotFound) {
			// A durable page the store no longer has is lost data,
			// not a caller error.
			return &PageError{PageID: p.ID, AgentID: p.AgentID, Err: ErrStoreUnavailable}
		}
		return err
	}

	if err := m.ensureSpace(ctx, w, p.Tokens); err != nil {
		return err
	}

	p.content = content
	p.residency = Resident
	w.tokens += p.Tokens
	w.swapIns++
	m.sink.Emit(Event{
		Type:      EventSwapIn,
		ProcessID: p.AgentID,
		PageID:    p.ID,
		Timestamp: m.now(),
	})
	return nil
}

// persistPage writes a page's current content to the backing store
// with bounded retry, marking it durable on success.
func (m *WindowManager) persistPage(ctx context.Context, p *Page) error {
	if p.durable {
		return nil
	}
	if err := m.persistPageContent(ctx, p, p.content); err != nil {
		return err
	}
	return nil
}

func (m *WindowManager) persistPageContent(ctx context.Context, p *Page, content []byte) error {
	meta := PageMeta{
		AgentID:    p.AgentID,
		Kind:       p.Kind,
		Importance: p.importance,
		Tokens:     p.Tokens,
	}
	err := retryStore(ctx, m.retry, func() error {
		return m.store.Put(ctx, p.ID, content, meta)
	})
	if err != nil {
		return &PageError{PageID: p.ID, AgentID: p.AgentID, Err: ErrStoreUnavailable}
	}
	p.durable = true
	return nil
}

// fetchContent reads page content from the backing store with bounded
// retry. Not-found is returned as-is; other failures become
// ErrStoreUnavailable.
func (m *WindowManager) fetchContent(ctx context.Context, pageID string) ([]byte, error) {
	var content []byte
	err := retryStore(ctx, m.retry, func() error {
		var err error
		content, err = m.store.Get(ctx, pageID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrPageNotFound) {
			return nil, err
		}
		return nil, &PageError{PageID: pageID, Err: ErrStoreUnavailable}
	}
	return content, nil
}

// raiseSeq advances the sequence counter to at least n, keeping new
// sequence numbers monotonic after a snapshot is re-admitted.
func (m *WindowManager) raiseSeq(n uint64) {
	for {
		cur := m.seq.Load()
		if n <= cur || m.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
