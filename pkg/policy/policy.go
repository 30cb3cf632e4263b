// Package policy implements the CHECK-stage Policy Evaluator: a
// deterministic, side-effect-free evaluation of a chip envelope against a
// table of CEL rule-book predicates.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Decision is the three-valued outcome of policy evaluation.
type Decision string

const (
	Allow   Decision = "allow"
	Deny    Decision = "deny"
	Require Decision = "require"
)

// RuleBook is a single named CEL predicate. When Expression evaluates to
// true against the chip envelope, the rule contributes OnTrue to the
// decision; otherwise it contributes Allow (a non-match never denies by
// itself).
type RuleBook struct {
	ID         string   `yaml:"id" json:"id"`
	Expression string   `yaml:"expression" json:"expression"`
	OnTrue     Decision `yaml:"on_true" json:"on_true"`
}

// PolicyDef groups rule books under a policy id, scoped to chip types by
// glob-free exact match or "*" for any type.
type PolicyDef struct {
	ID        string     `yaml:"id" json:"id"`
	ChipType  string     `yaml:"chip_type" json:"chip_type"`
	RuleBooks []RuleBook `yaml:"rule_books" json:"rule_books"`
}

// Table is an ordered, loaded set of policy definitions.
type Table struct {
	Policies []PolicyDef `yaml:"policies"`
}

// RuleBookResult is one trace entry for a single rule book evaluation.
type RuleBookResult struct {
	RBID       string   `json:"rb_id"`
	Decision   Decision `json:"decision"`
	Expression string   `json:"expression"`
}

// TraceEntry is one policy's contribution to the overall trace.
type TraceEntry struct {
	PolicyID  string           `json:"policy_id"`
	Decision  Decision         `json:"decision"`
	RBResults []RuleBookResult `json:"rb_results"`
}

// Result is the CHECK-stage outcome: the overall decision, a human reason,
// whether evaluation stopped early on a Deny, and the full trace.
type Result struct {
	Decision       Decision
	Reason         string
	ShortCircuited bool
	Trace          []TraceEntry
}

// Evaluator compiles and runs rule-book expressions with a fixed CEL
// environment exposing the chip envelope as the "input" map.
type Evaluator struct {
	env   *cel.Env
	table Table
}

// NewEvaluator builds an Evaluator over a loaded policy Table.
func NewEvaluator(table Table) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: building CEL env: %w", err)
	}
	return &Evaluator{env: env, table: table}, nil
}

// Evaluate runs every policy whose ChipType matches chipType (or is "*")
// against the chip envelope, in table order, short-circuiting on the first
// Deny.
func (e *Evaluator) Evaluate(chipType string, chip map[string]interface{}) (Result, error) {
	input := map[string]interface{}{"input": chip}
	trace := make([]TraceEntry, 0, len(e.table.Policies))
	requireReason := ""

	for _, pd := range e.table.Policies {
		if pd.ChipType != "*" && pd.ChipType != chipType {
			continue
		}
		entry, decision, err := e.evaluatePolicy(pd, input)
		if err != nil {
			return Result{}, err
		}
		trace = append(trace, entry)

		if decision == Deny {
			return Result{
				Decision:       Deny,
				Reason:         fmt.Sprintf("policy %s denied", pd.ID),
				ShortCircuited: true,
				Trace:          trace,
			}, nil
		}
		if decision == Require && requireReason == "" {
			requireReason = fmt.Sprintf("policy %s requires additional authorization", pd.ID)
		}
	}

	if requireReason != "" {
		return Result{Decision: Require, Reason: requireReason, Trace: trace}, nil
	}
	return Result{Decision: Allow, Reason: "no policy objected", Trace: trace}, nil
}

func (e *Evaluator) evaluatePolicy(pd PolicyDef, input map[string]interface{}) (TraceEntry, Decision, error) {
	rbResults := make([]RuleBookResult, 0, len(pd.RuleBooks))
	decision := Allow

	for _, rb := range pd.RuleBooks {
		matched, err := e.evalBool(rb.Expression, input)
		if err != nil {
			return TraceEntry{}, "", fmt.Errorf("policy %s rule %s: %w", pd.ID, rb.ID, err)
		}
		rbDecision := Allow
		if matched {
			rbDecision = rb.OnTrue
		}
		rbResults = append(rbResults, RuleBookResult{RBID: rb.ID, Decision: rbDecision, Expression: rb.Expression})

		if rbDecision == Deny {
			decision = Deny
			break
		}
		if rbDecision == Require && decision != Deny {
			decision = Require
		}
	}

	return TraceEntry{PolicyID: pd.ID, Decision: decision, RBResults: rbResults}, decision, nil
}

func (e *Evaluator) evalBool(expr string, input map[string]interface{}) (bool, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("program: %w", err)
	}
	val, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to bool", expr)
	}
	return b, nil
}
