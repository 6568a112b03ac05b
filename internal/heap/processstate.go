package heap

// SetProcessState updates the heap's notion of the embedding process's
// visibility and drives a collector transition accordingly (spec
// §4.1's closing paragraph): a backgrounded, non-interactive process
// moves to cfg.BackgroundCollectorType to favor throughput and RSS
// over pause time, while a jank-perceptible (foreground, interactive)
// process moves to cfg.PostZygoteCollectorType.
//
// TransitionCollector's own same-family rule means calling this while
// already in the target family just forces a catch-up full background
// GC rather than silently doing nothing, so toggling background state
// repeatedly on an otherwise-idle heap still reclaims memory.
func (h *Heap) SetProcessState(jankPerceptible, background bool) error {
	h.jankPerceptible = jankPerceptible
	h.background = background

	target := h.cfg.PostZygoteCollectorType
	if background {
		target = h.cfg.BackgroundCollectorType
	}
	if target == "" {
		return nil
	}
	return h.TransitionCollector(target)
}

// JankPerceptible reports the process state last set via SetProcessState.
func (h *Heap) JankPerceptible() bool { return h.jankPerceptible }

// Background reports the process state last set via SetProcessState.
func (h *Heap) Background() bool { return h.background }
