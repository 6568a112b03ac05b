package heap

import "os"

// AbortFunc is called on unrecoverable heap corruption (spec §7.2),
// the sibling of memmap.AbortFunc's mapping-failure hook (spec §7.5).
// It is fatal by contract: callers must not return from it in
// production, but tests can install one that instead records the call
// and panics or returns, so corruption does not crash the test binary.
type AbortFunc func(msg string)

// defaultAbort logs through the heap's own logger and terminates the
// process, the log.Fatal-equivalent the spec calls for.
func (h *Heap) defaultAbort(msg string) {
	h.logger.Errorf("heap: FATAL: %s", msg)
	os.Exit(1)
}

// SetAbortFunc installs fn in place of the default log-and-exit
// behavior for heap corruption. Intended for tests that need to
// intercept the fatal path instead of crashing the test binary.
func (h *Heap) SetAbortFunc(fn AbortFunc) {
	h.mu.Lock()
	h.abort = fn
	h.mu.Unlock()
}
