// Package handlers ships the two concrete target handlers this repository
// needs to be runnable end to end: on-disk files and virtual "command
// fingerprint" targets. Neither is part of the handler package's core
// contract — they are instances of it, implementing Handler for the two
// target kinds a rule file can declare.
package handlers

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"
	"time"

	"github.com/marcelocantos/forge/target"
)

// FileHandler handles on-disk targets: its fingerprint is the sha256 of the
// file's content, gated by an (mtime, size) probe cache so repeated lookups
// of the same path within one invocation don't re-read the file.
type FileHandler struct {
	mu      sync.Mutex
	entries map[string]probeEntry
}

type probeEntry struct {
	mtime time.Time
	size  int64
	hash  target.Fingerprint
}

// NewFileHandler returns a FileHandler with an empty probe cache.
func NewFileHandler() *FileHandler {
	return &FileHandler{entries: make(map[string]probeEntry)}
}

// OnDisk is always true for FileHandler: that is its entire reason to
// exist — it is how a target gets to be an on-disk prerequisite with no
// owning rule.
func (h *FileHandler) OnDisk() bool { return true }

type cookedFile struct {
	path string
}

// Cook does no I/O; probing is deferred to NeedRebuild/ComputeFingerprint so
// a handler never pays for a stat it won't use.
func (h *FileHandler) Cook(id target.ID, _ target.Fingerprint) (target.Cooked, error) {
	return cookedFile{path: id.String()}, nil
}

// NeedRebuild reports whether the file's current content hash differs from
// previous. A currently-missing file is always a change.
func (h *FileHandler) NeedRebuild(cooked target.Cooked, previous target.Fingerprint) (bool, error) {
	fp, err := h.ComputeFingerprint(cooked)
	if err != nil {
		return false, err
	}
	if !fp.Present() {
		return true, nil
	}
	return !fp.Equal(previous), nil
}

// ComputeFingerprint returns the sha256 of the file's content, or a nil
// Fingerprint if the file does not currently exist.
func (h *FileHandler) ComputeFingerprint(cooked target.Cooked) (target.Fingerprint, error) {
	path := cooked.(cookedFile).path

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if e, ok := h.entries[path]; ok && e.mtime.Equal(info.ModTime()) && e.size == info.Size() {
		h.mu.Unlock()
		return e.hash, nil
	}
	h.mu.Unlock()

	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.entries[path] = probeEntry{mtime: info.ModTime(), size: info.Size(), hash: hash}
	h.mu.Unlock()

	return hash, nil
}

// Clean removes the file if present. Idempotent: a missing file is success.
func (h *FileHandler) Clean(cooked target.Cooked) error {
	path := cooked.(cookedFile).path
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func hashFile(path string) (target.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return target.Fingerprint(h.Sum(nil)), nil
}
