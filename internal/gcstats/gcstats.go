// Package gcstats implements the per-collector bookkeeping of spec.md
// §3 ("Collector record"): cumulative time, cumulative freed
// bytes/objects, a pause-time histogram, and the last GC's type and
// duration.
package gcstats

import (
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// GCType enumerates the collector plan's escalating severities
// (spec §4.1/§4.5).
type GCType int

const (
	GCTypeSticky GCType = iota
	GCTypePartial
	GCTypeFull
)

func (t GCType) String() string {
	switch t {
	case GCTypeSticky:
		return "sticky"
	case GCTypePartial:
		return "partial"
	case GCTypeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Cause records why a GC ran, carried through into the "gc finished"
// signal and the long-pause log line (spec §6).
type Cause string

const (
	CauseAllocFailed    Cause = "alloc_failed"
	CauseExplicit       Cause = "explicit"
	CauseBackground     Cause = "background_concurrent"
	CauseNativeAlloc    Cause = "native_alloc"
	CauseHeapTrim       Cause = "heap_trim"
	CauseProcessStateTransition Cause = "process_state"
)

// Result summarizes one completed collection, passed to the
// performance-dump and long-pause log paths.
type Result struct {
	Cause        Cause
	Type         GCType
	FreedBytes   uint64
	FreedObjects uint64
	PauseTimes   []time.Duration // one entry per STW pause within the cycle
	Duration     time.Duration
}

// Record accumulates a single collector's lifetime statistics
// (spec §3). It is safe for concurrent use: the heap manager updates it
// from the thread running collection while other threads may read it
// via Snapshot for DumpGcPerformanceInfo.
type Record struct {
	mu sync.Mutex

	cumulativeTime  time.Duration
	freedBytes      uint64
	freedObjects    uint64
	pauseSample     stats.Sample
	lastType        GCType
	lastDuration     time.Duration
	numCollections  int
}

// NewRecord returns a zeroed collector record.
func NewRecord() *Record { return &Record{} }

// Add folds one completed GC's result into the cumulative record.
func (r *Record) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cumulativeTime += res.Duration
	r.freedBytes += res.FreedBytes
	r.freedObjects += res.FreedObjects
	r.lastType = res.Type
	r.lastDuration = res.Duration
	r.numCollections++
	for _, p := range res.PauseTimes {
		r.pauseSample.Xs = append(r.pauseSample.Xs, p.Seconds())
	}
	r.pauseSample.Sorted = false
}

// Snapshot is an immutable copy of a Record's state for reporting.
type Snapshot struct {
	CumulativeTime time.Duration
	FreedBytes     uint64
	FreedObjects   uint64
	LastType       GCType
	LastDuration   time.Duration
	NumCollections int
	PauseCount     int
	PauseP50       time.Duration
	PauseP99       time.Duration
	PauseMax       time.Duration
}

// Snapshot returns the record's current state, including pause-time
// percentiles computed from the histogram sample.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		CumulativeTime: r.cumulativeTime,
		FreedBytes:     r.freedBytes,
		FreedObjects:   r.freedObjects,
		LastType:       r.lastType,
		LastDuration:   r.lastDuration,
		NumCollections: r.numCollections,
		PauseCount:     len(r.pauseSample.Xs),
	}
	if len(r.pauseSample.Xs) == 0 {
		return s
	}
	sample := r.pauseSample
	sample.Sort()
	s.PauseP50 = secondsToDuration(sample.Quantile(0.50))
	s.PauseP99 = secondsToDuration(sample.Quantile(0.99))
	s.PauseMax = secondsToDuration(sample.Quantile(1.0))
	return s
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
