package kernel

import (
	"math"
	"time"
)

// PageKind classifies a page for the eviction policy.
type PageKind string

const (
	// KindPinned pages are never evicted. System prompts and tool
	// definitions live here.
	KindPinned PageKind = "pinned"

	// KindSemiStatic pages change rarely and are ordered by importance
	// when the context is rendered.
	KindSemiStatic PageKind = "semi-static"

	// KindDynamic pages change often; rendering orders them by how
	// long their content has been stable, keeping the prefix reusable.
	KindDynamic PageKind = "dynamic"
)

// Residency is where a page's content currently lives.
type Residency string

const (
	// Resident content is held in the window and counts against the
	// token budget.
	Resident Residency = "resident"

	// EvictedOut content lives only in the backing store.
	EvictedOut Residency = "evicted"
)

// Page is a content fragment with eviction metadata, the unit the
// window manager admits and evicts. All mutable fields are guarded by
// the owning WindowManager's lock.
type Page struct {
	ID      string
	AgentID string
	Kind    PageKind
	Tokens  int

	content     []byte
	importance  float64
	residency   Residency
	accessCount int
	lastAccess  time.Time
	createdAt   time.Time

	// seq is the creation sequence number, the eviction tie-break.
	seq uint64

	// changeSeq is bumped whenever content changes; rendering sorts
	// dynamic pages by it so stable content keeps a stable position.
	changeSeq uint64

	// durable is true while the backing store holds content identical
	// to this page's. Durable pages can be evicted without a write and
	// can be omitted from checkpoint snapshots.
	durable bool
}

// touch records an access.
func (p *Page) touch(now time.Time) {
	p.accessCount++
	p.lastAccess = now
}

// evictable reports whether the eviction policy may pick this page.
func (p *Page) evictable() bool {
	return p.Kind != KindPinned
}

// TokenCounter computes the token count of content. Injectable so
// callers can plug a real tokenizer; the default estimates four bytes
// per token, as conversation text roughly averages.
type TokenCounter func(content []byte) int

func estimateTokens(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := len(content) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// ScoreFunc computes a retention score for a resident page. The page
// with the lowest score among evictable pages is evicted first, ties
// broken by lowest creation sequence. maxAccess is the highest access
// count observed among the window's evictable resident pages.
type ScoreFunc func(p *Page, now time.Time, maxAccess int) float64

// recencyHorizon normalizes time-since-last-access: a page untouched
// for one horizon scores half the recency of a fresh one.
const recencyHorizon = time.Hour

// defaultScore weighs recency 0.4, access frequency 0.3 and importance
// 0.3. Recency is the normalized inverse of time since last access, so
// older pages contribute less and are evicted sooner. Frequency is
// normalized by the window's maximum observed access count.
func defaultScore(p *Page, now time.Time, maxAccess int) float64 {
	age := now.Sub(p.lastAccess)
	if age < 0 {
		age = 0
	}
	recency := 1 / (1 + age.Seconds()/recencyHorizon.Seconds())

	var freq float64
	if maxAccess > 0 {
		freq = float64(p.accessCount) / float64(maxAccess)
	}

	imp := math.Max(0, math.Min(1, p.importance))

	return 0.4*recency + 0.3*freq + 0.3*imp
}
