package ecg

import (
	"math"
	"sync"
)

// History is a fixed-size ring of recent RR intervals, overwritten
// oldest-first. Add is called from BLE callback context and from the
// detector; both are short critical sections.
type History struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
	min  int
}

// Stats are the heart-rate-variability metrics over the current window.
type Stats struct {
	SDNNMs  float64
	RMSSDMs float64
	Count   int
}

// NewHistory creates a ring of the given size; Stats is unavailable below
// minSamples intervals.
func NewHistory(size, minSamples int) *History {
	if size < 2 {
		size = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return &History{buf: make([]float64, size), min: minSamples}
}

// Add appends one RR interval, overwriting the oldest when full.
func (h *History) Add(rrMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = rrMs
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// ordered returns the window oldest-first. Caller holds h.mu.
func (h *History) ordered() []float64 {
	if h.full {
		out := make([]float64, 0, len(h.buf))
		out = append(out, h.buf[h.next:]...)
		out = append(out, h.buf[:h.next]...)
		return out
	}
	out := make([]float64, h.next)
	copy(out, h.buf[:h.next])
	return out
}

// Stats computes SDNN (population standard deviation) and RMSSD (RMS of
// successive differences) on demand. ok is false below the minimum sample
// count.
func (h *History) Stats() (Stats, bool) {
	h.mu.Lock()
	rr := h.ordered()
	h.mu.Unlock()

	if len(rr) < h.min {
		return Stats{Count: len(rr)}, false
	}

	var sum float64
	for _, v := range rr {
		sum += v
	}
	mean := sum / float64(len(rr))

	var varSum float64
	for _, v := range rr {
		d := v - mean
		varSum += d * d
	}
	sdnn := math.Sqrt(varSum / float64(len(rr)))

	var diffSum float64
	for i := 1; i < len(rr); i++ {
		d := rr[i] - rr[i-1]
		diffSum += d * d
	}
	rmssd := math.Sqrt(diffSum / float64(len(rr)-1))

	return Stats{SDNNMs: sdnn, RMSSDMs: rmssd, Count: len(rr)}, true
}

// Len returns the number of intervals currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}
