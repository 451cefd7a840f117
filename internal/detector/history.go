package detector

// TriggerHistory is a fixed-capacity FIFO of raw trigger evaluations.
type TriggerHistory struct {
	data []bool
	pos  int
	full bool
	cap  int
}

// NewTriggerHistory creates a history holding the last n evaluations.
func NewTriggerHistory(n int) *TriggerHistory {
	if n < 1 {
		panic("trigger history capacity must be positive")
	}
	return &TriggerHistory{data: make([]bool, n), cap: n}
}

// Push appends an evaluation, evicting the oldest once full.
func (h *TriggerHistory) Push(v bool) {
	h.data[h.pos] = v
	h.pos++
	if h.pos >= h.cap {
		h.pos = 0
		h.full = true
	}
}

// Len returns the number of held evaluations.
func (h *TriggerHistory) Len() int {
	if h.full {
		return h.cap
	}
	return h.pos
}

// AllTrue reports whether the history is full and every entry is true,
// i.e. the last N evaluations were consecutive triggers.
func (h *TriggerHistory) AllTrue() bool {
	if !h.full {
		return false
	}
	for _, v := range h.data {
		if !v {
			return false
		}
	}
	return true
}

// Reset empties the history.
func (h *TriggerHistory) Reset() {
	clear(h.data)
	h.pos = 0
	h.full = false
}

// Slice returns the entries oldest first.
func (h *TriggerHistory) Slice() []bool {
	out := make([]bool, h.Len())
	if h.full {
		copy(out, h.data[h.pos:])
		copy(out[h.cap-h.pos:], h.data[:h.pos])
	} else {
		copy(out, h.data[:h.pos])
	}
	return out
}
