// Package memstore is an in-memory store.Store, used by engine tests and by
// callers who want a dry-run invocation with no on-disk persistence.
package memstore

import (
	"sync"

	"github.com/marcelocantos/forge/store"
	"github.com/marcelocantos/forge/target"
)

// Store is a process-lifetime, in-memory FingerprintStore.
type Store struct {
	mu      sync.Mutex
	records map[target.RunFingerprint]*store.PreviousRunRecord
	closed  bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[target.RunFingerprint]*store.PreviousRunRecord)}
}

// Open returns a session sharing this Store's records. Unlike boltstore,
// nothing here is actually scoped per-session (there is no file handle to
// release); Close exists only to satisfy the Session contract.
func (s *Store) Open() (store.Session, error) {
	return &session{store: s}, nil
}

type session struct {
	store *Store
}

func (sess *session) Fetch(fp target.RunFingerprint) (*store.PreviousRunRecord, error) {
	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	rec, ok := sess.store.records[fp]
	if !ok {
		return nil, nil
	}
	// Return a defensive copy so callers can't mutate our records in place.
	cp := &store.PreviousRunRecord{Entries: append([]store.Entry(nil), rec.Entries...)}
	return cp, nil
}

func (sess *session) Commit(fp target.RunFingerprint, entries []store.Entry) error {
	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	sess.store.records[fp] = &store.PreviousRunRecord{Entries: append([]store.Entry(nil), entries...)}
	return nil
}

func (sess *session) Close() error {
	return nil
}
