// Package arbtrie is the consumer-facing API of the persistent trie storage
// engine: it wires the L0-L5 layers (segment, objid, compact, node, trie)
// behind a Database/Session/WriteSession/ReadLock surface (spec §6).
package arbtrie

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gofractally/arbtrie/compact"
	"github.com/gofractally/arbtrie/metrics"
	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/objid"
	"github.com/gofractally/arbtrie/segment"
	"github.com/gofractally/arbtrie/trie"
)

// Database is one open storage engine instance: a segment file, an id
// allocator, a trie, and (optionally running) a background compactor.
type Database struct {
	dir string
	cfg Config

	file      *segment.File
	ids       *objid.Allocator
	tr        *trie.Trie
	compactor *compact.Compactor
	log       *logrus.Entry

	metrics *metrics.Registry

	versionMu sync.Mutex
	versions  map[uint64]objid.ID
	nextVer   atomic.Uint64
}

// Open maps (creating if necessary) the three files that make up a
// database directory (spec §6: segs, ids, header) and returns a Database
// with version 0 bound to the empty trie.
func Open(dir string, opts ...Option) (*Database, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	node.BinaryMaxEntries = cfg.BinaryMaxEntries
	node.BinaryMaxBytes = cfg.BinaryMaxBytes
	node.SetlistToInner = cfg.SetlistToInner
	node.InnerToFull = cfg.InnerToFull

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "arbtrie: mkdir %s", dir)
	}

	file, err := segment.Open(filepath.Join(dir, "segs"), filepath.Join(dir, "header"), segment.Config{
		SegmentSize: cfg.SegmentSize,
		MaxSegments: cfg.MaxSegments,
		Mlock:       cfg.Mlock,
	})
	if err != nil {
		return nil, errors.Wrap(err, "arbtrie: open segment file")
	}

	ids, err := objid.Open(filepath.Join(dir, "ids"), cfg.MaxIDs)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "arbtrie: open id file")
	}

	tr, err := trie.New(ids, file)
	if err != nil {
		ids.Close()
		file.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("db", dir)

	registerer := cfg.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	reg := metrics.NewRegistry(registerer)

	ownerOf := func(region, idx uint32) objid.ID {
		return objid.ID{Region: uint8(region), Index: idx}
	}
	compactor, err := compact.New(file, ids, ownerOf, entry)
	if err != nil {
		ids.Close()
		file.Close()
		return nil, errors.Wrap(err, "arbtrie: start compactor session")
	}

	return &Database{
		dir:        dir,
		cfg:        cfg,
		file:       file,
		ids:        ids,
		tr:         tr,
		compactor:  compactor,
		log:        entry,
		metrics:    reg,
		versions:   map[uint64]objid.ID{0: objid.Nil},
	}, nil
}

// Metrics returns the Prometheus registry backing this Database's
// collectors (SPEC_FULL §1.5). Values only move when SampleMetrics is
// called; nothing samples them automatically, so a caller who never wants
// the overhead can simply never call it.
func (db *Database) Metrics() *metrics.Registry {
	return db.metrics
}

// SampleMetrics pushes the current Stat snapshot into the metrics
// registry's gauges/counters. Cheap enough to call on every scrape; callers
// wanting push-based metrics can instead run this on a ticker.
func (db *Database) SampleMetrics(prev metrics.Sample) metrics.Sample {
	stat := db.Stat()
	cur := metrics.Sample{
		LiveSegments:   stat.LiveSegments,
		FreeQueueDepth: int(stat.FreeQueueDepth),
		BytesReclaimed: stat.Compactor.BytesReclaimed,
		ObjectsMoved:   stat.Compactor.ObjectsMoved,
		PassesRun:      stat.Compactor.PassesRun,
	}
	return db.metrics.Observe(prev, cur)
}

// Close stops the compactor (if running) and unmaps every backing file.
func (db *Database) Close() error {
	db.StopCompactThread()
	if err := db.ids.Close(); err != nil {
		return err
	}
	return db.file.Close()
}

// StartCompactThread starts the background compaction goroutine.
func (db *Database) StartCompactThread() {
	db.compactor.Start()
}

// StopCompactThread stops the background compaction goroutine, if running.
func (db *Database) StopCompactThread() {
	db.compactor.Stop()
}

// Sync flushes dirty segment/header pages per mode (spec §6).
func (db *Database) Sync(mode segment.SyncMode) error {
	return db.file.Sync(mode)
}

// CompactorStats returns a snapshot of the compactor's lifetime counters,
// for tests and for feeding the metrics package.
func (db *Database) CompactorStats() compact.Stats {
	return db.compactor.Stats()
}

// Stat is a read-only diagnostic snapshot (SPEC_FULL §3: not in spec.md's
// named operation list, but implied by §8's property tests over segment
// counts and refcount sums).
type Stat struct {
	LiveSegments   int
	FreeQueueDepth uint64
	LiveVersions   int
	Compactor      compact.Stats
}

// Stat reports current engine-wide counters.
func (db *Database) Stat() Stat {
	db.versionMu.Lock()
	nv := len(db.versions)
	db.versionMu.Unlock()
	return Stat{
		LiveSegments:   int(db.file.NumSegmentsHint()),
		FreeQueueDepth: db.file.EndPtr() - db.file.AllocPtr(),
		LiveVersions:   nv,
		Compactor:      db.compactor.Stats(),
	}
}

func (db *Database) lookupVersion(v uint64) (objid.ID, bool) {
	db.versionMu.Lock()
	defer db.versionMu.Unlock()
	root, ok := db.versions[v]
	return root, ok
}

// ReleaseVersion drops a version's reference to its root, recursively
// freeing any subtree no longer reachable from any other live version
// (SPEC_FULL §3: implied by §4.5's "the old root is released" but not named
// as a standalone operation in spec.md §6, so added explicitly here).
func (db *Database) ReleaseVersion(v uint64) error {
	db.versionMu.Lock()
	root, ok := db.versions[v]
	if !ok {
		db.versionMu.Unlock()
		return ErrUnknownVersion
	}
	delete(db.versions, v)
	db.versionMu.Unlock()
	return db.tr.Release(root)
}

// StartSession reserves a per-thread session (spec §6: "Database::start_session").
func (db *Database) StartSession() (*Session, error) {
	s, err := db.file.StartSession()
	if err != nil {
		return nil, err
	}
	return &Session{db: db, sess: s}, nil
}
