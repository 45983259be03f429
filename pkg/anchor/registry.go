// Package anchor issues and consumes freshness anchors: single-use,
// time-windowed tokens that bind a commitment reveal to a bounded moment in
// a kernel run. An anchor that is expired or already consumed can never
// validate again, which is what defeats replay.
package anchor

import (
	"sync"
	"time"
)

// Status is the outcome of a consume attempt. Staleness and reuse are kept
// distinct so probes can tell an expired token from a replayed one, even
// when a caller only cares about pass/fail.
type Status int

const (
	// StatusFresh means the anchor was live and has now been consumed.
	StatusFresh Status = iota
	// StatusStale means the freshness window elapsed before consumption.
	StatusStale
	// StatusReused means the anchor was already consumed once.
	StatusReused
	// StatusUnknown means the anchor id was never issued by this registry.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "FRESH"
	case StatusStale:
		return "STALE"
	case StatusReused:
		return "REUSED"
	default:
		return "UNKNOWN"
	}
}

// Anchor is a freshness token. IssuedAt and FreshnessWindow together define
// the interval in which the anchor may be consumed.
type Anchor struct {
	AnchorID        uint64        `json:"anchor_id"`
	Epoch           uint64        `json:"epoch"`
	IssuedAt        time.Time     `json:"issued_at"`
	FreshnessWindow time.Duration `json:"freshness_window"`
}

// Registry issues anchors with monotonically increasing ids and tracks
// consumption for the life of one kernel run. There is deliberately no
// process-wide registry; construct one per run and discard it with the run.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	window   time.Duration
	issued   map[uint64]Anchor
	consumed map[uint64]struct{}
	clock    func() time.Time
}

// NewRegistry creates a registry whose anchors expire after window.
func NewRegistry(window time.Duration) *Registry {
	return &Registry{
		nextID:   1,
		window:   window,
		issued:   make(map[uint64]Anchor),
		consumed: make(map[uint64]struct{}),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Generate issues a new anchor for the given epoch. Ids are monotonic per
// registry instance and never reused.
func (r *Registry) Generate(epoch uint64) Anchor {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := Anchor{
		AnchorID:        r.nextID,
		Epoch:           epoch,
		IssuedAt:        r.clock().UTC(),
		FreshnessWindow: r.window,
	}
	r.nextID++
	r.issued[a.AnchorID] = a
	return a
}

// Consume atomically checks freshness and marks the anchor consumed. The
// check and the mark happen under one lock acquisition: two racing calls for
// the same id can never both observe StatusFresh. Reuse is reported before
// staleness, so replaying an expired-and-consumed anchor reads as reuse.
func (r *Registry) Consume(anchorID uint64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.issued[anchorID]
	if !ok {
		return StatusUnknown
	}
	if _, done := r.consumed[anchorID]; done {
		return StatusReused
	}
	if r.clock().Sub(a.IssuedAt) > a.FreshnessWindow {
		return StatusStale
	}
	r.consumed[anchorID] = struct{}{}
	return StatusFresh
}

// Peek reports the status Consume would return, without consuming. Callers
// that need to attribute a failure precisely (reuse versus some other fault
// involving the same anchor) inspect first and consume only on acceptance.
func (r *Registry) Peek(anchorID uint64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.issued[anchorID]
	if !ok {
		return StatusUnknown
	}
	if _, done := r.consumed[anchorID]; done {
		return StatusReused
	}
	if r.clock().Sub(a.IssuedAt) > a.FreshnessWindow {
		return StatusStale
	}
	return StatusFresh
}

// IsLive reports whether the anchor is issued, unconsumed, and within its
// freshness window, without consuming it. Used when binding a Merkle root to
// an anchor ahead of the reveal.
func (r *Registry) IsLive(anchorID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.issued[anchorID]
	if !ok {
		return false
	}
	if _, done := r.consumed[anchorID]; done {
		return false
	}
	return r.clock().Sub(a.IssuedAt) <= a.FreshnessWindow
}

// Stats is a read-only snapshot of registry state for probes.
type Stats struct {
	Issued      uint64
	Consumed    uint64
	ConsumedIDs []uint64
}

// Snapshot returns the registry's current issuance and consumption state.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.consumed))
	for id := range r.consumed {
		ids = append(ids, id)
	}
	return Stats{
		Issued:      uint64(len(r.issued)),
		Consumed:    uint64(len(r.consumed)),
		ConsumedIDs: ids,
	}
}
