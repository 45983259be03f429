package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/acvlabs/watchtower/pkg/actuation"
	"github.com/acvlabs/watchtower/pkg/anchor"
	"github.com/acvlabs/watchtower/pkg/audit"
	"github.com/acvlabs/watchtower/pkg/commitment"
	"github.com/acvlabs/watchtower/pkg/config"
	"github.com/acvlabs/watchtower/pkg/contracts"
	"github.com/acvlabs/watchtower/pkg/coupling"
	"github.com/acvlabs/watchtower/pkg/delegation"
	"github.com/acvlabs/watchtower/pkg/observability"
	"github.com/acvlabs/watchtower/pkg/policy"
	"github.com/acvlabs/watchtower/pkg/watchdog"
)

// runSimulateCmd implements `watchtower simulate`: a canned end-to-end run
// exercising each coupling pattern plus the standard rejection paths, with
// the audit trail persisted to a JSONL file that `watchtower verify` accepts.
func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var auditOut string
	cmd.StringVar(&auditOut, "audit-out", cfg.AuditLogPath, "Path to write the audit log JSONL (default: in-memory only)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	table := policy.DefaultTable()
	if cfg.PolicyFile != "" {
		var err error
		if table, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: policy table: %v\n", err)
			return 2
		}
	}
	gate, err := policy.NewGate(table)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: policy gate: %v\n", err)
		return 2
	}

	registry := anchor.NewRegistry(cfg.FreshnessWindow)
	verifier := coupling.NewVerifier(registry)
	actGate := actuation.NewGate(cfg.MaxDelegationDepth)
	log := audit.NewLog()

	if auditOut != "" {
		f, err := os.Create(auditOut)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: audit sink: %v\n", err)
			return 2
		}
		defer f.Close()
		log.WithSink(f)
	}

	kernel, err := watchdog.New(gate, verifier, actGate, log, registry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	kernel.SetLogger(logger)
	if cfg.AdmissionPerSecond > 0 {
		kernel.SetLimiter(rate.NewLimiter(rate.Limit(cfg.AdmissionPerSecond), int(cfg.AdmissionPerSecond)+1))
	}

	ctx := context.Background()
	if cfg.TelemetryEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		obs, err := observability.Init(ctx, obsCfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
			return 2
		}
		defer obs.Shutdown(ctx)
		kernel.SetObserver(obs)
	}

	if err := runScenario(ctx, kernel, verifier, registry, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	for _, r := range kernel.RunProbes(ctx) {
		status := "clean"
		if r.Violated {
			status = "VIOLATED"
		}
		_, _ = fmt.Fprintf(stdout, "probe %-22s %s\n", r.ProbeID, status)
	}

	chain := kernel.VerifyAudit()
	if !chain.Valid {
		_, _ = fmt.Fprintf(stdout, "audit chain INVALID at sequence %d: %s\n", chain.FirstBadSeq, chain.Reason)
		return 1
	}
	entries := kernel.AuditSnapshot()
	_, _ = fmt.Fprintf(stdout, "audit chain VALID: %d entries, head %s\n",
		len(entries), entries[len(entries)-1].EntryHash)
	if auditOut != "" {
		_, _ = fmt.Fprintf(stdout, "audit log written to %s\n", auditOut)
	}
	return 0
}

// runScenario submits one request per coupling pattern, then a replayed
// witness and a forbidden action, reporting each decision as it lands.
func runScenario(ctx context.Context, kernel *watchdog.Watchdog, verifier *coupling.Verifier, registry *anchor.Registry, stdout io.Writer) error {
	chain := delegation.Chain{
		{DelegatorID: "root-authority", DelegateID: "orchestrator", Scope: []string{"fs.read", "fs.write", "net.fetch"}, Depth: 1},
		{DelegatorID: "orchestrator", DelegateID: "agent-7", Scope: []string{"fs.read", "fs.write"}, Depth: 2},
	}

	// Pattern A: direct binding of one commitment to one anchor.
	readAction := contracts.Action{
		ID: "act-read-001", Actor: "agent-7", Intent: "fs.read", Target: "/var/data/report.csv",
	}
	readWitness, err := directWitness("agent-7", readAction, registry)
	if err != nil {
		return err
	}
	if err := submit(ctx, kernel, stdout, contracts.ActionRequest{
		Action: readAction, Witness: readWitness, DelegationChain: chain,
	}); err != nil {
		return err
	}

	// Pattern B: one anchored root covering a batch of three commitments.
	writeAction := contracts.Action{
		ID: "act-write-002", Actor: "agent-7", Intent: "fs.write", Target: "/var/data/summary.txt",
		Params: map[string]any{"bytes": 2048},
	}
	writeWitness, err := batchedWitness("agent-7", writeAction, registry, verifier)
	if err != nil {
		return err
	}
	if err := submit(ctx, kernel, stdout, contracts.ActionRequest{
		Action: writeAction, Witness: writeWitness, DelegationChain: chain,
	}); err != nil {
		return err
	}

	// Pattern C: a chained witness continuing from the proposer's head
	// (empty at chain start), inside its own anchored batch.
	fetchAction := contracts.Action{
		ID: "act-fetch-003", Actor: "agent-7", Intent: "fs.read", Target: "/var/data/cache.bin",
	}
	fetchWitness, err := chainedWitness("agent-7", fetchAction, registry, verifier)
	if err != nil {
		return err
	}
	if err := submit(ctx, kernel, stdout, contracts.ActionRequest{
		Action: fetchAction, Witness: fetchWitness, DelegationChain: chain,
	}); err != nil {
		return err
	}

	// Replay: resubmitting the consumed pattern A witness must be rejected.
	if err := submit(ctx, kernel, stdout, contracts.ActionRequest{
		Action: readAction, Witness: readWitness, DelegationChain: chain,
	}); err != nil {
		return err
	}

	// Forbidden class: rejected at the policy gate before any anchor burns.
	dropAction := contracts.Action{
		ID: "act-delete-004", Actor: "agent-7", Intent: "fs.delete", Target: "/var/data",
	}
	dropWitness, err := directWitness("agent-7", dropAction, registry)
	if err != nil {
		return err
	}
	return submit(ctx, kernel, stdout, contracts.ActionRequest{
		Action: dropAction, Witness: dropWitness, DelegationChain: chain,
	})
}

func directWitness(proposerID string, action contracts.Action, registry *anchor.Registry) (coupling.Witness, error) {
	nonce, err := commitment.GenerateNonce()
	if err != nil {
		return coupling.Witness{}, err
	}
	c, err := commitment.Create(commitment.SchemeSHA256, action, nonce)
	if err != nil {
		return coupling.Witness{}, err
	}
	a := registry.Generate(1)
	return coupling.GenerateA(proposerID, c, a.AnchorID), nil
}

func batchedWitness(proposerID string, action contracts.Action, registry *anchor.Registry, verifier *coupling.Verifier) (coupling.Witness, error) {
	nonce, err := commitment.GenerateNonce()
	if err != nil {
		return coupling.Witness{}, err
	}
	c, err := commitment.Create(commitment.SchemeSHA256, action, nonce)
	if err != nil {
		return coupling.Witness{}, err
	}

	// Two sibling commitments fill out the batch.
	batch := make([]string, 3)
	for i := range batch {
		if i == 1 {
			batch[i] = c.Digest()
			continue
		}
		n, err := commitment.GenerateNonce()
		if err != nil {
			return coupling.Witness{}, err
		}
		sibling, err := commitment.Create(commitment.SchemeSHA256,
			map[string]any{"filler": i}, n)
		if err != nil {
			return coupling.Witness{}, err
		}
		batch[i] = sibling.Digest()
	}

	a := registry.Generate(1)
	w, err := coupling.GenerateB(proposerID, c, a.AnchorID, batch, 1)
	if err != nil {
		return coupling.Witness{}, err
	}
	if err := verifier.AnchorRoot(w.Root, a.AnchorID); err != nil {
		return coupling.Witness{}, err
	}
	return w, nil
}

func chainedWitness(proposerID string, action contracts.Action, registry *anchor.Registry, verifier *coupling.Verifier) (coupling.Witness, error) {
	nonce, err := commitment.GenerateNonce()
	if err != nil {
		return coupling.Witness{}, err
	}
	c, err := commitment.Create(commitment.SchemeSHA256, action, nonce)
	if err != nil {
		return coupling.Witness{}, err
	}

	fillerNonce, err := commitment.GenerateNonce()
	if err != nil {
		return coupling.Witness{}, err
	}
	filler, err := commitment.Create(commitment.SchemeSHA256, map[string]any{"filler": 0}, fillerNonce)
	if err != nil {
		return coupling.Witness{}, err
	}

	prev := verifier.ChainHead(proposerID)
	batch := []string{coupling.ChainLeaf(prev, c.Digest()), filler.Digest()}

	a := registry.Generate(1)
	w, err := coupling.GenerateC(proposerID, c, a.AnchorID, prev, batch, 0)
	if err != nil {
		return coupling.Witness{}, err
	}
	if err := verifier.AnchorRoot(w.Root, a.AnchorID); err != nil {
		return coupling.Witness{}, err
	}
	return w, nil
}

func submit(ctx context.Context, kernel *watchdog.Watchdog, stdout io.Writer, req contracts.ActionRequest) error {
	d, err := kernel.Decide(ctx, req)
	if err != nil {
		return err
	}
	if d.Outcome == contracts.OutcomeActuate {
		_, _ = fmt.Fprintf(stdout, "%-16s ACTUATE  cert=%s\n", d.ActionID, d.Certificate.CertificateID)
	} else {
		_, _ = fmt.Fprintf(stdout, "%-16s REJECT   reason=%s\n", d.ActionID, d.ReasonCode)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
