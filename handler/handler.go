// Package handler defines the target handler capability set and a registry
// that dispatches a target id to the handler that understands it. Concrete
// handlers (on-disk files, virtual/command targets, ...) live in package
// handlers; this package only knows about the interface.
package handler

import (
	"fmt"

	"github.com/marcelocantos/forge/target"
)

// Handler is the capability set a target kind must implement. Handlers are
// purely functional with respect to the cooked token they hand back: they
// own the token's concrete type and the engine never inspects it.
type Handler interface {
	// OnDisk reports whether targets of this kind are externally visible on
	// the filesystem. Targets backed by such a handler may appear as inputs
	// without an owning rule.
	OnDisk() bool

	// Cook selects/produces the cooked form of id. previous is the
	// fingerprint recorded for id in the previous run record of the rule
	// being evaluated (or nil if there is none); a handler may use it to
	// short-circuit expensive
	// probing, but cooking must succeed even when previous is nil.
	Cook(id target.ID, previous target.Fingerprint) (target.Cooked, error)

	// NeedRebuild reports whether cooked's current observable state
	// diverges from previous.
	NeedRebuild(cooked target.Cooked, previous target.Fingerprint) (bool, error)

	// ComputeFingerprint computes a fresh fingerprint for cooked. It may
	// return a nil Fingerprint if the target is not currently observable
	// (e.g. a missing file).
	ComputeFingerprint(cooked target.Cooked) (target.Fingerprint, error)

	// Clean removes the target if it exists. Idempotent: must not fail if
	// the target is already absent.
	Clean(cooked target.Cooked) error
}

// UnknownTargetKind is returned by Registry.HandlerFor/Cook when no
// registered handler claims a target.
type UnknownTargetKind struct {
	Target target.ID
}

func (e *UnknownTargetKind) Error() string {
	return fmt.Sprintf("handler: no handler registered for target %q", e.Target)
}

// Matcher decides whether a Handler claims a given target id. Concrete
// handlers are registered alongside the predicate that selects them (e.g.
// "every id", "ids ending in .cmd"); the first matching registration wins,
// in registration order.
type Matcher func(target.ID) bool

// Registry dispatches a target identifier to the handler that understands
// it, trying registered matchers in order and using the first that claims
// the target.
type Registry struct {
	entries []registryEntry
}

type registryEntry struct {
	match   Matcher
	handler Handler
}

// NewRegistry returns an empty registry. Register at least one Matcher that
// returns true unconditionally (a catch-all) or every target risks
// UnknownTargetKind.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler for targets selected by match, evaluated in
// registration order — earlier registrations take priority.
func (reg *Registry) Register(match Matcher, h Handler) {
	reg.entries = append(reg.entries, registryEntry{match: match, handler: h})
}

// HandlerFor selects a handler for id without cooking it.
func (reg *Registry) HandlerFor(id target.ID) (Handler, error) {
	for _, e := range reg.entries {
		if e.match(id) {
			return e.handler, nil
		}
	}
	return nil, &UnknownTargetKind{Target: id}
}

// Cook selects the handler for id and produces its cooked form.
func (reg *Registry) Cook(id target.ID, previous target.Fingerprint) (target.Cooked, Handler, error) {
	h, err := reg.HandlerFor(id)
	if err != nil {
		return nil, nil, err
	}
	cooked, err := h.Cook(id, previous)
	if err != nil {
		return nil, nil, err
	}
	return cooked, h, nil
}
