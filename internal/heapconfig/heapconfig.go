// Package heapconfig parses the enumerated configuration of spec.md §6
// from a JSON document, in the shape of the teacher's
// parsePluginConfiguration (config.go): validate with gjson, fall back
// to documented defaults field-by-field, return a descriptive error on
// malformed input rather than panicking.
package heapconfig

import (
	"bytes"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// CollectorType enumerates the collector families selectable for the
// post-zygote and background states (spec §6).
type CollectorType string

const (
	CollectorMS  CollectorType = "MS"  // mark-sweep, stop-the-world
	CollectorCMS CollectorType = "CMS" // mark-sweep, concurrent
	CollectorSS  CollectorType = "SS"  // semi-space
	CollectorGSS CollectorType = "GSS" // generational semi-space
)

// Config is the heap manager's enumerated configuration (spec §6).
type Config struct {
	InitialSize  uint64
	GrowthLimit  uint64
	Capacity     uint64
	MinFree      uint64
	MaxFree      uint64

	TargetUtilization float64

	PostZygoteCollectorType CollectorType
	BackgroundCollectorType CollectorType

	ParallelGCThreads int
	ConcGCThreads     int

	LowMemoryMode     bool
	IgnoreMaxFootprint bool
	UseTLAB           bool

	LongPauseLogThreshold time.Duration
	LongGCLogThreshold    time.Duration

	VerifyPreGCHeap        bool
	VerifyPostGCHeap       bool
	VerifyMissingCardMarks bool
}

// Default returns the configuration a heap starts with absent any
// overriding JSON document.
func Default() Config {
	return Config{
		InitialSize:             16 << 20,
		GrowthLimit:             256 << 20,
		Capacity:                512 << 20,
		MinFree:                 256 << 10,
		MaxFree:                 8 << 20,
		TargetUtilization:       0.75,
		PostZygoteCollectorType: CollectorCMS,
		BackgroundCollectorType: CollectorSS,
		ParallelGCThreads:       4,
		ConcGCThreads:           1,
		UseTLAB:                 true,
		LongPauseLogThreshold:   5 * time.Millisecond,
		LongGCLogThreshold:      100 * time.Millisecond,
	}
}

// Parse overlays a JSON configuration document onto Default(). An
// empty or whitespace-only document returns the defaults unchanged
// (spec §6's configuration is entirely optional at any scope narrower
// than the whole heap). A malformed document returns a non-nil error
// describing what was wrong, and the zero Config — callers should not
// use a partially applied Config.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return cfg, nil
	}
	if !gjson.ValidBytes(data) {
		return Config{}, fmt.Errorf("heapconfig: invalid json: %q", data)
	}

	doc := gjson.ParseBytes(data)

	if v := doc.Get("initialSize"); v.Exists() {
		cfg.InitialSize = v.Uint()
	}
	if v := doc.Get("growthLimit"); v.Exists() {
		cfg.GrowthLimit = v.Uint()
	}
	if v := doc.Get("capacity"); v.Exists() {
		cfg.Capacity = v.Uint()
	}
	if v := doc.Get("minFree"); v.Exists() {
		cfg.MinFree = v.Uint()
	}
	if v := doc.Get("maxFree"); v.Exists() {
		cfg.MaxFree = v.Uint()
	}
	if v := doc.Get("targetUtilization"); v.Exists() {
		u := v.Float()
		if u <= 0 || u >= 1 {
			return Config{}, fmt.Errorf("heapconfig: targetUtilization must be in (0,1), got %v", u)
		}
		cfg.TargetUtilization = u
	}
	if v := doc.Get("postZygoteCollectorType"); v.Exists() {
		ct, err := parseCollectorType(v.String())
		if err != nil {
			return Config{}, err
		}
		cfg.PostZygoteCollectorType = ct
	}
	if v := doc.Get("backgroundCollectorType"); v.Exists() {
		ct, err := parseCollectorType(v.String())
		if err != nil {
			return Config{}, err
		}
		cfg.BackgroundCollectorType = ct
	}
	if v := doc.Get("parallelGcThreads"); v.Exists() {
		cfg.ParallelGCThreads = int(v.Int())
	}
	if v := doc.Get("concGcThreads"); v.Exists() {
		cfg.ConcGCThreads = int(v.Int())
	}
	if v := doc.Get("lowMemoryMode"); v.Exists() {
		cfg.LowMemoryMode = v.Bool()
	}
	if v := doc.Get("ignoreMaxFootprint"); v.Exists() {
		cfg.IgnoreMaxFootprint = v.Bool()
	}
	if v := doc.Get("useTlab"); v.Exists() {
		cfg.UseTLAB = v.Bool()
	}
	if v := doc.Get("longPauseLogThreshold"); v.Exists() {
		cfg.LongPauseLogThreshold = time.Duration(v.Int())
	}
	if v := doc.Get("longGcLogThreshold"); v.Exists() {
		cfg.LongGCLogThreshold = time.Duration(v.Int())
	}
	if v := doc.Get("verifyPreGcHeap"); v.Exists() {
		cfg.VerifyPreGCHeap = v.Bool()
	}
	if v := doc.Get("verifyPostGcHeap"); v.Exists() {
		cfg.VerifyPostGCHeap = v.Bool()
	}
	if v := doc.Get("verifyMissingCardMarks"); v.Exists() {
		cfg.VerifyMissingCardMarks = v.Bool()
	}

	if cfg.InitialSize > cfg.GrowthLimit || cfg.GrowthLimit > cfg.Capacity {
		return Config{}, fmt.Errorf("heapconfig: require initialSize <= growthLimit <= capacity, got %d/%d/%d",
			cfg.InitialSize, cfg.GrowthLimit, cfg.Capacity)
	}

	return cfg, nil
}

func parseCollectorType(s string) (CollectorType, error) {
	switch CollectorType(s) {
	case CollectorMS, CollectorCMS, CollectorSS, CollectorGSS:
		return CollectorType(s), nil
	default:
		return "", fmt.Errorf("heapconfig: unknown collector type %q", s)
	}
}
