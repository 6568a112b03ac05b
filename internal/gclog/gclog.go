// Package gclog wraps a structured leveled logger behind the small
// interface the heap manager needs, in the shape of the teacher's
// debugLogger (logger.go): one method per level, backed here by
// fortio.org/log instead of a proxy-wasm host log sink.
package gclog

import (
	"fmt"
	"time"

	flog "fortio.org/log"

	"github.com/gcheap/gcheap/internal/gcstats"
)

// Level mirrors spec §6's notion of severity for the two kinds of
// emitted signal (routine "gc finished" vs. a long-pause warning).
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the leveled sink the heap manager logs through. The
// default implementation, New, adapts fortio.org/log; tests can supply
// their own to capture output instead.
type Logger interface {
	SetLevel(level Level)
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type fortioLogger struct {
	level Level
}

// New returns a Logger backed by fortio.org/log at LevelInfo.
func New() Logger {
	return &fortioLogger{level: LevelInfo}
}

func (l *fortioLogger) SetLevel(level Level) { l.level = level }

func (l *fortioLogger) Tracef(format string, args ...interface{}) {
	if l.level <= LevelTrace {
		flog.Debugf(format, args...)
	}
}

func (l *fortioLogger) Debugf(format string, args ...interface{}) {
	if l.level <= LevelDebug {
		flog.Debugf(format, args...)
	}
}

func (l *fortioLogger) Infof(format string, args ...interface{}) {
	if l.level <= LevelInfo {
		flog.Infof(format, args...)
	}
}

func (l *fortioLogger) Warnf(format string, args ...interface{}) {
	if l.level <= LevelWarn {
		flog.Warnf(format, args...)
	}
}

func (l *fortioLogger) Errorf(format string, args ...interface{}) {
	if l.level <= LevelError {
		flog.Errf(format, args...)
	}
}

// GCFinished emits the "gc finished" notification of spec §6: cause,
// type, freed counts, percent free, pause durations, total duration.
func GCFinished(logger Logger, res gcstats.Result, bytesAllocated, footprintLimit uint64) {
	percentFree := 0.0
	if footprintLimit > 0 {
		percentFree = 100.0 * float64(footprintLimit-bytesAllocated) / float64(footprintLimit)
	}
	logger.Infof("gc finished cause=%s type=%s freed_bytes=%d freed_objects=%d percent_free=%.1f pauses=%s total=%s",
		res.Cause, res.Type, res.FreedBytes, res.FreedObjects, percentFree, formatPauses(res.PauseTimes), res.Duration)
}

// LongPause logs a warning when a single pause or a whole GC exceeds
// the configured thresholds (spec §6: longPauseLogThreshold,
// longGcLogThreshold).
func LongPause(logger Logger, res gcstats.Result, longPause, longGC int64) {
	for _, p := range res.PauseTimes {
		if p.Nanoseconds() >= longPause {
			logger.Warnf("long pause cause=%s type=%s pause=%s threshold=%dns", res.Cause, res.Type, p, longPause)
		}
	}
	if res.Duration.Nanoseconds() >= longGC {
		logger.Warnf("long gc cause=%s type=%s total=%s threshold=%dns", res.Cause, res.Type, res.Duration, longGC)
	}
}

func formatPauses(pauses []time.Duration) string {
	return fmt.Sprint(pauses)
}
