// Package store defines the fingerprint store contract: a scoped,
// transactional session mapping a rule's run fingerprint to the set of
// (target, target-fingerprint) pairs observed the last time that rule ran
// under that configuration.
package store

import (
	"github.com/marcelocantos/forge/target"
)

// Entry is one (target, fingerprint) observation within a PreviousRunRecord.
type Entry struct {
	Target      target.ID
	Fingerprint target.Fingerprint
}

// PreviousRunRecord is what was persisted the last time a rule ran under a
// given run fingerprint.
type PreviousRunRecord struct {
	Entries []Entry
}

// Get looks up the fingerprint recorded for id, if any.
func (r *PreviousRunRecord) Get(id target.ID) (target.Fingerprint, bool) {
	if r == nil {
		return nil, false
	}
	for _, e := range r.Entries {
		if e.Target == id {
			return e.Fingerprint, true
		}
	}
	return nil, false
}

// Session is a scoped handle on a FingerprintStore, opened once per
// top-level engine invocation and closed (with release guaranteed on every
// exit path) at its end.
type Session interface {
	// Fetch returns the previous run record for fp, or nil if the rule
	// never ran under this configuration.
	Fetch(fp target.RunFingerprint) (*PreviousRunRecord, error)

	// Commit overwrites the record for fp. A commit is atomic with respect
	// to concurrent readers: partial writes are never visible.
	Commit(fp target.RunFingerprint, entries []Entry) error

	// Close releases the session. Safe to call exactly once; the engine
	// guarantees it runs on every exit path including failures.
	Close() error
}

// Store opens sessions against a persistent location. A Store implementation
// is free to serialise concurrent Open calls however its backend allows;
// the core only ever opens one session per invocation and holds it for the
// invocation's lifetime.
type Store interface {
	Open() (Session, error)
}
