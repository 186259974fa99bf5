// Package forgeerr defines the engine's error taxonomy. These are kinds,
// not a hierarchy of wrapper types for their own sake: each carries exactly
// the context a caller needs to react to it. Each is matched with
// errors.As; RunError and StoreError also expose their cause via Unwrap.
package forgeerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// UnknownTarget is raised when a requested or depended-upon target has no
// owning rule and no on-disk handler. Chain holds the target names of the
// dependency chain that led to it, starting with the requested target
// (e.g. ["app", "missing_virtual"]).
type UnknownTarget struct {
	Chain []string
}

func (e *UnknownTarget) Error() string {
	return fmt.Sprintf("unknown target: no rule and no on-disk handler for %q (via %s)",
		e.Chain[len(e.Chain)-1], strings.Join(e.Chain, " -> "))
}

// NewUnknownTarget builds an UnknownTarget, appending target to chain.
func NewUnknownTarget(chain []string, target string) *UnknownTarget {
	return &UnknownTarget{Chain: append(append([]string(nil), chain...), target)}
}

// ConsistencyError signals a cycle in the rule graph or a duplicate output
// declaration across rules. It is always fatal: the traversal aborts and
// nothing is committed.
type ConsistencyError struct {
	msg string
}

func (e *ConsistencyError) Error() string { return e.msg }

// NewCycleError reports a cycle, rendering the chain r0 -> r1 -> ... -> rk.
func NewCycleError(chain []string) *ConsistencyError {
	return &ConsistencyError{msg: fmt.Sprintf("cycle detected: %s", strings.Join(chain, " -> "))}
}

// NewDuplicateOutputError reports two rules claiming the same output target.
func NewDuplicateOutputError(target string, first, second string) *ConsistencyError {
	return &ConsistencyError{msg: fmt.Sprintf(
		"duplicate output %q: declared by both rule %q and rule %q", target, first, second)}
}

// RunError wraps a rule's run/clean failure (or a handler operation invoked
// on the rule's behalf) with the rule id that failed. Previously committed
// rules remain committed; RunError is fatal for the current invocation.
type RunError struct {
	RuleID string
	cause  error
}

func NewRunError(ruleID string, cause error) *RunError {
	return &RunError{RuleID: ruleID, cause: errors.WithStack(cause)}
}

func (e *RunError) Error() string {
	return fmt.Sprintf("rule %q failed: %s", e.RuleID, e.cause)
}

func (e *RunError) Unwrap() error { return e.cause }

// StoreError surfaces a FingerprintStore failure as-is; the core never
// retries.
type StoreError struct {
	cause error
}

func NewStoreError(cause error) *StoreError {
	return &StoreError{cause: errors.WithStack(cause)}
}

func (e *StoreError) Error() string { return fmt.Sprintf("fingerprint store: %s", e.cause) }
func (e *StoreError) Unwrap() error { return e.cause }
