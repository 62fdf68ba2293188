package engine

import (
	"fmt"
	"time"
)

// TuningProfile is the fixed set of engine directives applied once to every
// session when it is opened, so that all sessions of a pool behave
// identically. Zero-valued fields are left at the engine default.
type TuningProfile struct {
	// BusyTimeout is how long a session waits on the single-writer lock
	// before a statement fails with SQLITE_BUSY.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	JournalMode string `yaml:"journal_mode"`
	Synchronous string `yaml:"synchronous"`

	// CacheSize follows PRAGMA cache_size: positive values are pages,
	// negative values are KiB.
	CacheSize int `yaml:"cache_size"`

	// MmapSize is the memory-mapped I/O window in bytes.
	MmapSize int64 `yaml:"mmap_size"`

	TempStore   string `yaml:"temp_store"`
	ForeignKeys string `yaml:"foreign_keys"`

	// Extra directives are executed verbatim after the standard ones.
	Extra []string `yaml:"extra"`
}

// DefaultTuning returns the profile used when none is configured: WAL,
// NORMAL synchronous, 64 MB page cache, 256 MB mmap and a 5 second busy
// wait.
func DefaultTuning() TuningProfile {
	return TuningProfile{
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		CacheSize:   -64000,
		MmapSize:    268435456,
		TempStore:   "MEMORY",
		ForeignKeys: "ON",
	}
}

// Directives returns the PRAGMA statements in application order.
// busy_timeout comes first so that the journal mode switch itself waits
// for concurrently opening sessions instead of failing.
func (t TuningProfile) Directives() []string {
	var out []string
	if t.BusyTimeout > 0 {
		out = append(out, fmt.Sprintf("PRAGMA busy_timeout=%d", t.BusyTimeout.Milliseconds()))
	}
	if t.JournalMode != "" {
		out = append(out, "PRAGMA journal_mode="+t.JournalMode)
	}
	if t.Synchronous != "" {
		out = append(out, "PRAGMA synchronous="+t.Synchronous)
	}
	if t.CacheSize != 0 {
		out = append(out, fmt.Sprintf("PRAGMA cache_size=%d", t.CacheSize))
	}
	if t.MmapSize > 0 {
		out = append(out, fmt.Sprintf("PRAGMA mmap_size=%d", t.MmapSize))
	}
	if t.TempStore != "" {
		out = append(out, "PRAGMA temp_store="+t.TempStore)
	}
	if t.ForeignKeys != "" {
		out = append(out, "PRAGMA foreign_keys="+t.ForeignKeys)
	}
	return append(out, t.Extra...)
}
