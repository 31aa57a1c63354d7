package loadcell

// HistorySize is the number of slots kept for the outlier vote: the ten most
// recent readings plus room for the candidate.
const HistorySize = 11

// ReadingHistory is a fixed-size FIFO of recent calibrated readings. Slots
// that were never written read as zero, so a cold history votes as if the
// cell had been reading zero.
type ReadingHistory struct {
	slots []float64
	next  int // index the next Push overwrites
	n     int // slots written so far, saturating at len(slots)
}

// NewReadingHistory allocates a history with the given capacity.
func NewReadingHistory(size int) *ReadingHistory {
	if size < 1 {
		size = 1
	}
	return &ReadingHistory{slots: make([]float64, size)}
}

// Push appends v, evicting the oldest slot.
func (h *ReadingHistory) Push(v float64) {
	h.slots[h.next] = v
	h.next = (h.next + 1) % len(h.slots)
	if h.n < len(h.slots) {
		h.n++
	}
}

// Len is the number of slots that hold a real reading.
func (h *ReadingHistory) Len() int { return h.n }

// Cap is the number of slots.
func (h *ReadingHistory) Cap() int { return len(h.slots) }

// Recent returns the newest k slots, newest first. Unwritten slots appear
// as zero.
func (h *ReadingHistory) Recent(k int) []float64 {
	if k > len(h.slots) {
		k = len(h.slots)
	}
	out := make([]float64, k)
	idx := h.next
	for i := 0; i < k; i++ {
		idx = (idx - 1 + len(h.slots)) % len(h.slots)
		out[i] = h.slots[idx]
	}
	return out
}

// CountWithin returns how many of the newest k slots lie within threshold of
// v (inclusive).
func (h *ReadingHistory) CountWithin(v, threshold float64, k int) int {
	count := 0
	for _, old := range h.Recent(k) {
		d := v - old
		if d < 0 {
			d = -d
		}
		if d <= threshold {
			count++
		}
	}
	return count
}

// Reset zeroes every slot.
func (h *ReadingHistory) Reset() {
	for i := range h.slots {
		h.slots[i] = 0
	}
	h.next = 0
	h.n = 0
}
