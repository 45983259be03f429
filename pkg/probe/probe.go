// Package probe implements the post-hoc invariant scanner: read-only checks
// over a kernel run's audit history and registry state. Probes flag
// violations for operators and harnesses; they never gate or retroactively
// block an action.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/acvlabs/watchtower/pkg/anchor"
	"github.com/acvlabs/watchtower/pkg/audit"
)

// Snapshot is the read-only view a probe scans. It is captured once per
// probe run so all probes in a pass see the same history.
type Snapshot struct {
	Entries          []audit.Entry
	Anchors          anchor.Stats
	PolicyVersion    string
	ForbiddenClasses map[string]struct{}
}

// Result is one probe's verdict. Evidence lists the identifiers involved in
// each violation, enough to locate the offending entries on replay.
type Result struct {
	ProbeID  string   `json:"probe_id"`
	Violated bool     `json:"violated"`
	Evidence []string `json:"evidence,omitempty"`
}

// Probe is a single invariant check. Implementations must treat the
// snapshot as immutable.
type Probe interface {
	ID() string
	Run(ctx context.Context, snap *Snapshot) Result
}

// Registry is a lookup table of probes keyed by id.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
	order  []string
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// DefaultRegistry returns a registry with the standard kernel probes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []Probe{ChainIntegrityProbe{}, AnchorReuseProbe{}, PolicyDriftProbe{}} {
		if err := r.Register(p); err != nil {
			panic(err) // static probe set, ids are distinct by construction
		}
	}
	return r
}

// Register adds a probe. Duplicate ids are refused.
func (r *Registry) Register(p Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.probes[p.ID()]; dup {
		return fmt.Errorf("probe: id %q already registered", p.ID())
	}
	r.probes[p.ID()] = p
	r.order = append(r.order, p.ID())
	return nil
}

// Run executes one probe by id.
func (r *Registry) Run(ctx context.Context, probeID string, snap *Snapshot) (Result, error) {
	r.mu.RLock()
	p, ok := r.probes[probeID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("probe: unknown id %q", probeID)
	}
	return p.Run(ctx, snap), nil
}

// RunAll executes every registered probe in registration order.
func (r *Registry) RunAll(ctx context.Context, snap *Snapshot) []Result {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		res, err := r.Run(ctx, id, snap)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	return results
}

// AnyViolation reports whether any result in a pass flagged a violation.
func AnyViolation(results []Result) bool {
	for _, r := range results {
		if r.Violated {
			return true
		}
	}
	return false
}
