// Package resolver walks the rule graph reachable from a requested target:
// it inverts each rule's declared outputs into a target-to-rule lookup once
// at construction, distinguishes rule-produced inputs from on-disk
// prerequisites, and detects cycles during a traversal.
package resolver

import (
	"github.com/hashicorp/go-set/v3"

	"github.com/marcelocantos/forge/forgeerr"
	"github.com/marcelocantos/forge/target"
)

// Resolver precomputes target_to_rule at construction and is immutable
// (read-only, safe for concurrent reads) for the remainder of the
// invocation.
type Resolver struct {
	rulesByID    map[string]*target.Rule
	targetToRule map[target.ID]*target.Rule
}

// New builds a Resolver from rules, inverting each rule's Outputs. A target
// claimed by more than one rule's Outputs is a construction-time
// ConsistencyError — callers must fail before any traversal, not discover
// the clash mid-walk.
func New(rules []*target.Rule) (*Resolver, error) {
	r := &Resolver{
		rulesByID:    make(map[string]*target.Rule, len(rules)),
		targetToRule: make(map[target.ID]*target.Rule),
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		r.rulesByID[rule.ID] = rule
		for _, out := range rule.Outputs {
			if existing, ok := r.targetToRule[out]; ok {
				return nil, forgeerr.NewDuplicateOutputError(out.String(), existing.ID, rule.ID)
			}
			r.targetToRule[out] = rule
		}
	}
	return r, nil
}

// RuleByID returns the rule with the given id, if any.
func (r *Resolver) RuleByID(id string) (*target.Rule, bool) {
	rule, ok := r.rulesByID[id]
	return rule, ok
}

// OwnerOf returns the rule that produces id as one of its outputs, or
// (nil, false) if no rule owns it — in which case the caller must treat id
// as a prerequisite and verify via the handler registry that it is
// ON_DISK_TARGET.
func (r *Resolver) OwnerOf(id target.ID) (*target.Rule, bool) {
	rule, ok := r.targetToRule[id]
	return rule, ok
}

// Rules returns every rule known to the resolver, in no particular order.
func (r *Resolver) Rules() []*target.Rule {
	out := make([]*target.Rule, 0, len(r.rulesByID))
	for _, rule := range r.rulesByID {
		out = append(out, rule)
	}
	return out
}

// Walk tracks one traversal's path stack so cycles can be reported with the
// full chain that led to them. A Walk is per-invocation, single-threaded
// state; it is not safe for concurrent use, matching the engine's
// single-threaded traversal model.
type Walk struct {
	onPath *set.Set[string]
	stack  []string
}

// NewWalk starts a fresh traversal with an empty path stack.
func NewWalk() *Walk {
	return &Walk{onPath: set.New[string](0)}
}

// Enter pushes ruleID onto the path stack. If ruleID is already on the
// stack, the rule graph has a cycle and Enter returns a ConsistencyError
// naming the full chain r0 -> r1 -> ... -> rk (the revisited rule appended
// once more at the end, so the cycle is visually closed).
func (w *Walk) Enter(ruleID string) error {
	if w.onPath.Contains(ruleID) {
		chain := append(append([]string(nil), w.stack...), ruleID)
		return forgeerr.NewCycleError(chain)
	}
	w.onPath.Insert(ruleID)
	w.stack = append(w.stack, ruleID)
	return nil
}

// Leave pops ruleID off the path stack. Callers must pair every successful
// Enter with exactly one Leave, including on error paths (typically via
// defer), so a later, unrelated traversal branch doesn't see a stale OnPath
// marker.
func (w *Walk) Leave(ruleID string) {
	w.onPath.Remove(ruleID)
	if n := len(w.stack); n > 0 && w.stack[n-1] == ruleID {
		w.stack = w.stack[:n-1]
	}
}
