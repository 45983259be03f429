// Package watchdog orchestrates one kernel run: for each action request it
// sequences the policy gate, the coupling verifier, and the actuation gate
// in fixed order, writes exactly one audit entry, and returns the kernel
// decision. The watchdog owns no gate logic of its own.
//
// Processing is strictly sequential per watchdog instance. Anchor
// consumption and audit append are single-writer, order-dependent resources;
// one mutex spans the whole decide cycle so no two requests interleave
// against them.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/acvlabs/watchtower/pkg/actuation"
	"github.com/acvlabs/watchtower/pkg/anchor"
	"github.com/acvlabs/watchtower/pkg/audit"
	"github.com/acvlabs/watchtower/pkg/canonicalize"
	"github.com/acvlabs/watchtower/pkg/commitment"
	"github.com/acvlabs/watchtower/pkg/contracts"
	"github.com/acvlabs/watchtower/pkg/coupling"
	"github.com/acvlabs/watchtower/pkg/observability"
	"github.com/acvlabs/watchtower/pkg/policy"
	"github.com/acvlabs/watchtower/pkg/probe"
)

// ErrKernelHalted is returned once an integrity fault has been detected.
// A halted kernel accepts no further actions and appends nothing: the chain
// it would append to is no longer trusted.
var ErrKernelHalted = errors.New("watchdog: kernel halted after integrity fault")

// Watchdog sequences the kernel enforcement chain for one run.
type Watchdog struct {
	mu       sync.Mutex
	policy   *policy.Gate
	verifier *coupling.Verifier
	gate     *actuation.Gate
	log      *audit.Log
	registry *anchor.Registry
	probes   *probe.Registry
	schema   *jsonschema.Schema
	limiter  *rate.Limiter
	logger   *slog.Logger
	obs      *observability.Provider

	halted     bool
	haltReason string
}

// New wires a watchdog over its collaborators. The probe registry defaults
// to the standard kernel probes.
func New(policyGate *policy.Gate, verifier *coupling.Verifier, gate *actuation.Gate, log *audit.Log, registry *anchor.Registry) (*Watchdog, error) {
	schema, err := compileRequestSchema()
	if err != nil {
		return nil, err
	}
	return &Watchdog{
		policy:   policyGate,
		verifier: verifier,
		gate:     gate,
		log:      log,
		registry: registry,
		probes:   probe.DefaultRegistry(),
		schema:   schema,
		logger:   slog.Default(),
	}, nil
}

// SetLogger injects a structured logger. Setters take the decide mutex, so
// reconfiguring mid-run is safe but serializes behind in-flight requests.
func (w *Watchdog) SetLogger(l *slog.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l != nil {
		w.logger = l
	}
}

// SetLimiter bounds request admission. Over-limit requests are rejected
// RATE_LIMITED before any gate runs and before any anchor is consumed.
func (w *Watchdog) SetLimiter(l *rate.Limiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limiter = l
}

// SetObserver injects the telemetry provider.
func (w *Watchdog) SetObserver(p *observability.Provider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obs = p
}

// SetProbeRegistry replaces the probe set for this run.
func (w *Watchdog) SetProbeRegistry(r *probe.Registry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r != nil {
		w.probes = r
	}
}

// Decide runs one full watchdog cycle: admission checks, then
// policy → coupling → actuation, each stage short-circuiting to REJECT on
// failure, then exactly one audit append. The decision, once its entry is
// appended, is final.
func (w *Watchdog) Decide(ctx context.Context, req contracts.ActionRequest) (contracts.KernelDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halted {
		return contracts.KernelDecision{}, fmt.Errorf("%w: %s", ErrKernelHalted, w.haltReason)
	}

	if w.obs != nil {
		var span trace.Span
		ctx, span = w.obs.StartCycle(ctx, req.Action.ID)
		defer span.End()
	}

	decision := contracts.KernelDecision{
		DecisionID: uuid.New().String(),
		ActionID:   req.Action.ID,
		AnchorID:   req.Witness.AnchorID,
		Stage:      contracts.StageRequested,
	}

	digest, err := canonicalize.CanonicalHash(req)
	if err != nil {
		return w.finalize(ctx, rejected(decision, contracts.ReasonMalformedInput, "request not canonically serializable"), "")
	}

	// Admission checks run before any gate and before any anchor is burned.
	if w.limiter != nil && !w.limiter.Allow() {
		return w.finalize(ctx, rejected(decision, contracts.ReasonRateLimited, "admission rate exceeded"), digest)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return w.finalize(ctx, rejected(decision, contracts.ReasonTimeout, ctxErr.Error()), digest)
	}
	if detail := w.validateShape(req); detail != "" {
		return w.finalize(ctx, rejected(decision, contracts.ReasonMalformedInput, detail), digest)
	}

	// Stage 1: policy. A forbidden classification is unconditional; no
	// witness, however valid, can override it.
	forbidden, class, err := w.policy.IsForbidden(req.Action)
	if err != nil {
		// Fail closed on classification errors.
		return w.finalize(ctx, rejected(decision, contracts.ReasonForbiddenAction, "classification failed: "+err.Error()), digest)
	}
	if forbidden {
		return w.finalize(ctx, rejected(decision, contracts.ReasonForbiddenAction, "class "+class+" is forbidden"), digest)
	}
	decision.Stage = contracts.StagePolicyChecked

	// Stage 2: coupling. The revealed action must open the witness's
	// commitment before the binding is even considered; a mismatched
	// reveal burns no anchor.
	if !commitment.VerifyReveal(req.Witness.Commitment, req.Action, req.Witness.Commitment.Nonce) {
		return w.finalize(ctx, rejected(decision, contracts.ReasonRevealMismatch, "revealed action does not match commitment"), digest)
	}
	res := w.verifier.Verify(req.Witness)
	if !res.Passed {
		return w.finalize(ctx, rejected(decision, contracts.ReasonCode(res.Reason), "coupling verification failed"), digest)
	}
	decision.Stage = contracts.StageCouplingChecked

	// Stage 3: actuation.
	cert, reason, detail := w.gate.Evaluate(req.Action, class, res, req.DelegationChain)
	if cert == nil {
		return w.finalize(ctx, rejected(decision, reason, detail), digest)
	}
	decision.Stage = contracts.StageActuated
	decision.Outcome = contracts.OutcomeActuate
	decision.Certificate = cert

	return w.finalize(ctx, decision, digest)
}

func rejected(d contracts.KernelDecision, reason contracts.ReasonCode, detail string) contracts.KernelDecision {
	d.Outcome = contracts.OutcomeReject
	d.Stage = contracts.StageRejected
	d.ReasonCode = reason
	d.Detail = detail
	return d
}

// finalize appends the decision to the audit log and logs it. An append
// failure means the kernel can no longer honor its evidence obligation, so
// it halts.
func (w *Watchdog) finalize(ctx context.Context, decision contracts.KernelDecision, digest string) (contracts.KernelDecision, error) {
	entry, err := w.log.Append(decision, digest)
	if err != nil {
		w.haltLocked("audit append failed: " + err.Error())
		return contracts.KernelDecision{}, fmt.Errorf("%w: %s", ErrKernelHalted, w.haltReason)
	}

	if w.obs != nil {
		w.obs.RecordDecision(ctx, string(decision.Outcome), string(decision.ReasonCode))
	}
	w.logger.Info("kernel decision",
		slog.String("decision_id", decision.DecisionID),
		slog.String("action_id", decision.ActionID),
		slog.String("outcome", string(decision.Outcome)),
		slog.String("reason", string(decision.ReasonCode)),
		slog.Uint64("anchor_id", decision.AnchorID),
		slog.Uint64("audit_seq", entry.SequenceNum),
	)
	return decision, nil
}

// AuditSnapshot exposes the ordered audit sequence for external harnesses.
func (w *Watchdog) AuditSnapshot() []audit.Entry {
	return w.log.Snapshot()
}

// Halted reports whether the kernel has stopped accepting actions, and why.
func (w *Watchdog) Halted() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted, w.haltReason
}

// Halt stops the kernel permanently for this run.
func (w *Watchdog) Halt(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.haltLocked(reason)
}

func (w *Watchdog) haltLocked(reason string) {
	if w.halted {
		return
	}
	w.halted = true
	w.haltReason = reason
	w.logger.Error("kernel halted", slog.String("reason", reason))
}

// VerifyAudit re-verifies the live audit chain. An invalid chain is an
// integrity fault: the kernel halts and the failure is returned, never
// suppressed.
func (w *Watchdog) VerifyAudit() audit.VerifyResult {
	res := w.log.VerifyChain()
	if !res.Valid {
		w.Halt(fmt.Sprintf("audit chain invalid at sequence %d: %s", res.FirstBadSeq, res.Reason))
	}
	return res
}

// RunProbes scans current history with every registered probe. Probes never
// alter past outcomes, but a violated integrity probe (audit chain, anchor
// single-use) is fatal to trust in the run and halts the kernel.
func (w *Watchdog) RunProbes(ctx context.Context) []probe.Result {
	w.mu.Lock()
	probes, logger, obs := w.probes, w.logger, w.obs
	w.mu.Unlock()

	forbidden := make(map[string]struct{})
	for _, c := range w.policy.ForbiddenClasses() {
		forbidden[c] = struct{}{}
	}
	snap := &probe.Snapshot{
		Entries:          w.log.Snapshot(),
		Anchors:          w.registry.Snapshot(),
		PolicyVersion:    w.policy.Version(),
		ForbiddenClasses: forbidden,
	}

	results := probes.RunAll(ctx, snap)
	for _, r := range results {
		if !r.Violated {
			continue
		}
		logger.Warn("probe violation",
			slog.String("probe_id", r.ProbeID),
			slog.Any("evidence", r.Evidence),
		)
		if obs != nil {
			obs.RecordProbeViolation(ctx, r.ProbeID)
		}
		if r.ProbeID == "audit-chain-integrity" || r.ProbeID == "anchor-single-use" {
			w.Halt("integrity probe " + r.ProbeID + " violated")
		}
	}
	return results
}

func (w *Watchdog) validateShape(req contracts.ActionRequest) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return "request not serializable: " + err.Error()
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "request not decodable: " + err.Error()
	}
	if err := w.schema.Validate(generic); err != nil {
		return "request shape invalid: " + firstLine(err.Error())
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
