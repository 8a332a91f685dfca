package ecg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistoryUnavailableBelowMinimum(t *testing.T) {
	h := NewHistory(10, 5)
	for i := 0; i < 4; i++ {
		h.Add(800)
	}
	_, ok := h.Stats()
	require.False(t, ok)

	h.Add(800)
	_, ok = h.Stats()
	require.True(t, ok)
}

func TestHistoryStatsKnownValues(t *testing.T) {
	h := NewHistory(10, 2)
	for _, rr := range []float64{800, 820, 790, 810} {
		h.Add(rr)
	}

	stats, ok := h.Stats()
	require.True(t, ok)
	require.Equal(t, 4, stats.Count)
	// mean 805; deviations -5,15,-15,5 -> variance 125.
	require.InDelta(t, 11.1803, stats.SDNNMs, 0.001)
	// successive diffs 20,-30,20 -> mean square 1700/3.
	require.InDelta(t, 23.8048, stats.RMSSDMs, 0.001)
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(3, 2)
	h.Add(1000)
	h.Add(1000)
	h.Add(1000)
	// Pushes the 1000s out one at a time.
	h.Add(500)
	h.Add(500)
	h.Add(500)

	stats, ok := h.Stats()
	require.True(t, ok)
	require.Equal(t, 3, stats.Count)
	require.Zero(t, stats.SDNNMs)
	require.Zero(t, stats.RMSSDMs)
}

func TestHistoryRMSSDUsesChronologicalOrder(t *testing.T) {
	h := NewHistory(3, 2)
	// Fill then wrap so the ring's physical order differs from arrival
	// order.
	for _, rr := range []float64{700, 800, 900, 1000} {
		h.Add(rr)
	}

	stats, ok := h.Stats()
	require.True(t, ok)
	// Window is 800,900,1000: successive diffs both 100.
	require.InDelta(t, 100.0, stats.RMSSDMs, 0.001)
}
