package arbtrie

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gofractally/arbtrie/node"
	"github.com/gofractally/arbtrie/segment"
)

// Config controls how Open builds a Database. Fields are set through
// explicit functional options rather than a config-file/env loader: no
// third-party config library in the pack attaches naturally to a
// storage-engine-shaped component, so this stays a plain struct (see
// DESIGN.md).
type Config struct {
	SegmentSize uint64
	MaxSegments uint32
	MaxIDs      uint64
	Mlock       bool
	Logger      *logrus.Logger

	// MetricsRegisterer receives the Database's Prometheus collectors
	// (SPEC_FULL §1.5). Nil (the default) gets its own private
	// prometheus.NewRegistry() instead of prometheus.DefaultRegisterer, so
	// opening more than one Database in a process (e.g. in tests) never
	// collides on collector names.
	MetricsRegisterer prometheus.Registerer

	// Node refactor thresholds (spec §4.4/§8, Open Question 2): exposed so
	// a caller can tune without touching code, defaulting to the spec's
	// own numbers.
	BinaryMaxEntries int
	BinaryMaxBytes   int
	SetlistToInner   int
	InnerToFull      int
}

// DefaultConfig returns the spec's own numbers for segment size, refactor
// thresholds, and a conservative id-space size.
func DefaultConfig() Config {
	return Config{
		SegmentSize:      segment.DefaultSize,
		MaxSegments:      4096,
		MaxIDs:           0, // 0 means objid.Open picks its own default
		Mlock:            false,
		BinaryMaxEntries: node.BinaryMaxEntries,
		BinaryMaxBytes:   node.BinaryMaxBytes,
		SetlistToInner:   node.SetlistToInner,
		InnerToFull:      node.InnerToFull,
	}
}

// Option mutates a Config during Open.
type Option func(*Config)

// WithSegmentSize overrides the segment size (spec §3.1: "typical 32 MiB").
func WithSegmentSize(n uint64) Option {
	return func(c *Config) { c.SegmentSize = n }
}

// WithMaxSegments bounds how large the segment file may grow.
func WithMaxSegments(n uint32) Option {
	return func(c *Config) { c.MaxSegments = n }
}

// WithMaxIDs bounds the total id space across all 64 regions.
func WithMaxIDs(n uint64) Option {
	return func(c *Config) { c.MaxIDs = n }
}

// WithMlock sets Config.Mlock, which Open passes on to segment.Config. The
// segment file records the flag but does not mlock any segment.
func WithMlock(v bool) Option {
	return func(c *Config) { c.Mlock = v }
}

// WithLogger installs a caller-owned logrus.Logger in place of the
// standard logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetricsRegisterer registers the Database's collectors against reg
// instead of a private per-Database registry, so they can be scraped
// alongside a caller's other collectors.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.MetricsRegisterer = reg }
}

// WithNodeThresholds overrides the binary/setlist/inner refactor
// thresholds (spec §9 Open Question 2).
func WithNodeThresholds(binaryMaxEntries, binaryMaxBytes, setlistToInner, innerToFull int) Option {
	return func(c *Config) {
		c.BinaryMaxEntries = binaryMaxEntries
		c.BinaryMaxBytes = binaryMaxBytes
		c.SetlistToInner = setlistToInner
		c.InnerToFull = innerToFull
	}
}
