// Package policy implements the forbidden-action gate: a static, versioned
// classification table maps each action to a class, and membership of that
// class in the forbidden set is an unconditional reject. The gate runs
// before any ACV verification, and its verdict cannot be overridden by a
// valid witness.
package policy

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/acvlabs/watchtower/pkg/contracts"
)

// MinSupportedVersion is the oldest classification table schema this gate
// accepts. Tables are semver-versioned so drift between a run's recorded
// POLICY_VERSION and the table that produced it is detectable.
const MinSupportedVersion = "1.0.0"

// Rule maps actions matching a CEL expression to a class. Expressions see a
// single `input` map with actor, intent, target, and params.
type Rule struct {
	Class string `yaml:"class" json:"class"`
	Match string `yaml:"match" json:"match"`
}

// Table is the on-disk form of the classification table.
type Table struct {
	Version          string   `yaml:"version" json:"version"`
	DefaultClass     string   `yaml:"default_class" json:"default_class"`
	Rules            []Rule   `yaml:"rules" json:"rules"`
	ForbiddenClasses []string `yaml:"forbidden_classes" json:"forbidden_classes"`
}

// LoadTable decodes a YAML classification table.
func LoadTable(r io.Reader) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("policy: table decode failed: %w", err)
	}
	return t, nil
}

// LoadFile reads a classification table from disk.
func LoadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("policy: open table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

type compiledRule struct {
	class   string
	program cel.Program
}

// Gate classifies actions and answers the forbidden-action question. Rules
// are compiled once at construction; evaluation is read-only and safe for
// concurrent use.
type Gate struct {
	mu        sync.RWMutex
	version   *semver.Version
	defaults  string
	rules     []compiledRule
	forbidden map[string]struct{}
}

// NewGate compiles the table into an evaluable gate. The version must be
// valid semver at or above MinSupportedVersion, every rule must compile to a
// boolean CEL program, and the default class must be set.
func NewGate(t Table) (*Gate, error) {
	version, err := semver.NewVersion(t.Version)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid table version %q: %w", t.Version, err)
	}
	min := semver.MustParse(MinSupportedVersion)
	if version.LessThan(min) {
		return nil, fmt.Errorf("policy: table version %s predates supported minimum %s", version, min)
	}
	if t.DefaultClass == "" {
		return nil, fmt.Errorf("policy: table must declare a default class")
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	rules := make([]compiledRule, 0, len(t.Rules))
	for i, r := range t.Rules {
		if r.Class == "" || r.Match == "" {
			return nil, fmt.Errorf("policy: rule %d missing class or match", i)
		}
		ast, issues := env.Compile(r.Match)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %d (%s) compile error: %w", i, r.Class, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("policy: rule %d (%s) must evaluate to bool", i, r.Class)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %d (%s) program error: %w", i, r.Class, err)
		}
		rules = append(rules, compiledRule{class: r.Class, program: program})
	}

	forbidden := make(map[string]struct{}, len(t.ForbiddenClasses))
	for _, c := range t.ForbiddenClasses {
		forbidden[c] = struct{}{}
	}

	return &Gate{
		version:   version,
		defaults:  t.DefaultClass,
		rules:     rules,
		forbidden: forbidden,
	}, nil
}

// Version returns the active POLICY_VERSION.
func (g *Gate) Version() string {
	return g.version.String()
}

// ForbiddenClasses returns the forbidden set, sorted, for probes and audit
// tooling.
func (g *Gate) ForbiddenClasses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.forbidden))
	for c := range g.forbidden {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Classify maps the action to its class. Rules are evaluated in table order;
// the first match wins, otherwise the default class applies. A rule that
// errors at evaluation time fails closed into the forbidden decision path by
// returning the error.
func (g *Gate) Classify(action contracts.Action) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := map[string]any{
		"actor":  action.Actor,
		"intent": action.Intent,
		"target": action.Target,
		"params": action.Params,
	}
	activation := map[string]any{"input": input}

	for _, r := range g.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return "", fmt.Errorf("policy: rule for class %q eval error: %w", r.class, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("policy: rule for class %q returned non-bool", r.class)
		}
		if matched {
			return r.class, nil
		}
	}
	return g.defaults, nil
}

// IsForbidden classifies the action and reports whether its class is in the
// forbidden set. The class is returned either way for audit detail.
func (g *Gate) IsForbidden(action contracts.Action) (bool, string, error) {
	class, err := g.Classify(action)
	if err != nil {
		return false, "", err
	}
	g.mu.RLock()
	_, bad := g.forbidden[class]
	g.mu.RUnlock()
	return bad, class, nil
}
