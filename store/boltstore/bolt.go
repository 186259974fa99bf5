// Package boltstore backs store.Store with a go.etcd.io/bbolt database. A
// single bucket holds one key (the 32-byte run fingerprint) per rule
// configuration slice; bbolt's single-writer, multi-reader transactions give
// readers a consistent view — a commit's writes are never visible partially
// — without building any locking of our own.
package boltstore

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/marcelocantos/forge/forgeerr"
	"github.com/marcelocantos/forge/store"
	"github.com/marcelocantos/forge/target"
)

var bucketName = []byte("fingerprints")

// Store opens bbolt databases at a fixed path.
type Store struct {
	Path string
}

// New returns a Store backed by the bbolt database at path. The file and its
// bucket are created on first Open if they do not exist.
func New(path string) *Store {
	return &Store{Path: path}
}

// Open starts one engine invocation's session: the underlying bbolt.DB is
// opened here and closed by Session.Close.
func (s *Store) Open() (store.Session, error) {
	db, err := bbolt.Open(s.Path, 0o644, nil)
	if err != nil {
		return nil, forgeerr.NewStoreError(fmt.Errorf("open %s: %w", s.Path, err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, forgeerr.NewStoreError(err)
	}
	return &session{db: db}, nil
}

type session struct {
	db *bbolt.DB
}

func (s *session) Fetch(fp target.RunFingerprint) (*store.PreviousRunRecord, error) {
	var rec *store.PreviousRunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(fp.Bytes())
		if raw == nil {
			return nil
		}
		decoded, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return nil, forgeerr.NewStoreError(err)
	}
	return rec, nil
}

func (s *session) Commit(fp target.RunFingerprint, entries []store.Entry) error {
	raw := encodeRecord(entries)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(fp.Bytes(), raw)
	})
	if err != nil {
		return forgeerr.NewStoreError(err)
	}
	return nil
}

func (s *session) Close() error {
	if err := s.db.Close(); err != nil {
		return forgeerr.NewStoreError(err)
	}
	return nil
}

// encodeRecord / decodeRecord use a flat length-prefixed layout: count,
// then for each entry (target-name length, target-name bytes, fingerprint
// length, fingerprint bytes). A zero fingerprint length is a valid, present
// zero-length fingerprint and is distinguished from "absent" by the fact
// that absent fingerprints are never committed (see engine's to_cache_targets
// handling, which omits absent fingerprints entirely before calling Commit).
func encodeRecord(entries []store.Entry) []byte {
	buf := make([]byte, 0, 64*len(entries))
	buf = appendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		name := e.Target.String()
		buf = appendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		buf = appendUvarint(buf, uint64(len(e.Fingerprint)))
		buf = append(buf, e.Fingerprint...)
	}
	return buf
}

func decodeRecord(raw []byte) (*store.PreviousRunRecord, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("boltstore: corrupt record header")
	}
	raw = raw[n:]
	entries := make([]store.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("boltstore: corrupt record at entry %d", i)
		}
		raw = raw[n:]
		name := string(raw[:nameLen])
		raw = raw[nameLen:]

		fpLen, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("boltstore: corrupt record at entry %d", i)
		}
		raw = raw[n:]
		fp := append(target.Fingerprint{}, raw[:fpLen]...)
		raw = raw[fpLen:]

		entries = append(entries, store.Entry{Target: target.NewID(name), Fingerprint: fp})
	}
	return &store.PreviousRunRecord{Entries: entries}, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}
