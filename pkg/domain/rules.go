package domain

import (
	"context"
	"fmt"
)

// Severity decides what a violation does to the transaction carrying it.
type Severity string

const (
	SeverityBlock Severity = "block" // transaction is rolled back
	SeverityWarn  Severity = "warn"  // commit proceeds, violation is reported
	SeverityLog   Severity = "log"
)

// Action is the kind of write a Change records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is one staged key write. Before is nil for creates and After is nil
// for deletes.
type Change struct {
	Bucket Bucket
	Key    []byte
	Action Action
	Before []byte
	After  []byte
}

type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message,omitempty"`
	Entity   EntityType `json:"entity,omitempty"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result collects the violations reported for one transaction.
type Result struct {
	Violations []Violation
}

func (r *Result) Merge(other Result) {
	if len(other.Violations) > 0 {
		r.Violations = append(r.Violations, other.Violations...)
	}
}

// Blocking returns the first violation with SeverityBlock.
func (r Result) Blocking() (Violation, bool) {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return v, true
		}
	}
	return Violation{}, false
}

func (r Result) HasBlocking() bool {
	_, ok := r.Blocking()
	return ok
}

// RuleViolationError aborts a transaction whose Result has a blocking
// violation. Its message names the first one.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	v, ok := e.Result.Blocking()
	if !ok {
		return "transaction blocked by rules"
	}
	return fmt.Sprintf("transaction blocked by rules: %s: %s", v.Rule, v.Message)
}

// Rule inspects the staged changes of a transaction. view reads through the
// pending writes.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error)
}

// RulesEngine runs its rules in registration order.
type RulesEngine struct {
	rules []Rule
}

func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: append([]Rule(nil), rules...)}
}

func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns a copy of the registered rules.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate stops at the first rule that errors; violations from earlier rules
// are discarded with it.
func (e *RulesEngine) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	var out Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		out.Merge(res)
	}
	return out, nil
}
