package arbtrie

import (
	"github.com/gofractally/arbtrie/segment"
	"github.com/gofractally/arbtrie/trie"
)

// Session is a per-thread handle carrying an active write segment and the
// read-lock word used to publish this thread's view of the free queue
// (spec §6: "Session::lock() -> ReadLock" / "Session::write_session()").
type Session struct {
	db   *Database
	sess *segment.Session
}

// Lock acquires a read-lock scope: while held, the compactor cannot recycle
// any segment this session might still be reading.
func (s *Session) Lock() *ReadLock {
	return &ReadLock{db: s.db, rl: s.sess.Lock()}
}

// WriteSession promotes this session to one that may mutate tries. The
// underlying segment session is the same; WriteSession is a distinct type
// only to keep read-only and mutating operations apart in the API surface,
// matching spec §6's separate ReadLock/WriteSession contracts.
func (s *Session) WriteSession() *WriteSession {
	return &WriteSession{db: s.db, sess: s.sess}
}

// Close releases the session's slot, finalizing any segment it still has
// active so the compactor can eventually reclaim it.
func (s *Session) Close() {
	s.sess.Close()
}

// ReadLock scopes a set of reads against a consistent view of the free
// queue (spec §6: "ReadLock::get" / "ReadLock::iterator").
type ReadLock struct {
	db *Database
	rl segment.ReadLock
}

// Get resolves key against version's root.
func (r *ReadLock) Get(version uint64, key []byte) ([]byte, error) {
	root, ok := r.db.lookupVersion(version)
	if !ok {
		return nil, ErrUnknownVersion
	}
	return r.db.tr.Get(root, key)
}

// Iterator returns a cursor over every key under version's root that
// starts with prefix.
func (r *ReadLock) Iterator(version uint64, prefix []byte) (*trie.Iterator, error) {
	root, ok := r.db.lookupVersion(version)
	if !ok {
		return nil, ErrUnknownVersion
	}
	return r.db.tr.NewIterator(root, prefix)
}

// Unlock withdraws the read-lock, allowing the allocator to recycle
// segments again.
func (r *ReadLock) Unlock() {
	r.rl.Unlock()
}

// WriteSession performs mutating trie operations, minting a fresh version
// for each call while leaving the version it started from untouched and
// still valid (spec §3.3: "older versions remain valid until explicitly
// released").
type WriteSession struct {
	db   *Database
	sess *segment.Session
}

// Upsert inserts or overwrites key's value as seen from version, returning
// the new version. version itself continues to resolve to its original
// contents.
func (w *WriteSession) Upsert(version uint64, key, value []byte) (newVersion uint64, err error) {
	root, ok := w.db.lookupVersion(version)
	if !ok {
		return 0, ErrUnknownVersion
	}
	// version's map entry is itself one reference to root; retain a spare
	// copy before handing root to Upsert, which always consumes exactly
	// one reference along the path from root to the new root (spec §3.2
	// invariant 5: every edge, including a version's root edge, contributes
	// exactly one to its target's refcount).
	if err := w.db.tr.Retain(root); err != nil {
		return 0, err
	}
	newRoot, err := w.db.tr.Upsert(w.sess, root, key, value)
	if err != nil {
		w.db.tr.Release(root)
		return 0, err
	}
	nv := w.db.nextVer.Add(1)
	w.db.versionMu.Lock()
	w.db.versions[nv] = newRoot
	w.db.versionMu.Unlock()
	return nv, nil
}

// Remove deletes key as seen from version, if present, returning the new
// version. If key was absent, removed is false and newVersion equals
// version unchanged.
func (w *WriteSession) Remove(version uint64, key []byte) (newVersion uint64, removed bool, err error) {
	root, ok := w.db.lookupVersion(version)
	if !ok {
		return 0, false, ErrUnknownVersion
	}
	if err := w.db.tr.Retain(root); err != nil {
		return 0, false, err
	}
	newRoot, removed, err := w.db.tr.Remove(w.sess, root, key)
	if err != nil {
		w.db.tr.Release(root)
		return 0, false, err
	}
	if !removed {
		// Remove made no change internally, so the spare reference we
		// retained above was never consumed; give it back.
		w.db.tr.Release(root)
		return version, false, nil
	}
	nv := w.db.nextVer.Add(1)
	w.db.versionMu.Lock()
	w.db.versions[nv] = newRoot
	w.db.versionMu.Unlock()
	return nv, true, nil
}
