package heap

import "time"

// trimIdleInterval is how long the background trimmer waits for a
// RequestTrim before trimming anyway, keeping native footprint bounded
// even if the embedder never calls RequestTrim directly.
const trimIdleInterval = 30 * time.Second

// RequestTrim asks the background trim goroutine to release unused
// pages back to the OS the next time it wakes (spec §4.1 "Heap trim").
// Non-blocking: a pending request is coalesced if one is already
// queued.
func (h *Heap) RequestTrim() {
	select {
	case h.trimRequests <- struct{}{}:
	default:
	}
}

// trimLoop runs for the lifetime of the heap, releasing free pages from
// the non-moving malloc space whenever asked or after trimIdleInterval
// of inactivity. Bump-pointer spaces are not trimmed: the memory beyond
// their cursor stays mapped and its pages are not released.
func (h *Heap) trimLoop() {
	ticker := time.NewTicker(trimIdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-h.trimRequests:
			h.trimOnce()
		case <-ticker.C:
			h.trimOnce()
		}
	}
}

func (h *Heap) trimOnce() {
	if h.moving || h.mainMalloc == nil {
		return
	}
	released := h.mainMalloc.Trim()
	if released > 0 {
		h.logger.Debugf("heap: trimmed %d bytes from %s", released, h.mainMalloc.Name())
	}
}
