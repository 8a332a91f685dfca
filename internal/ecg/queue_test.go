package ecg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue(8)
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Push([]byte{3})

	for i := byte(1); i <= 3; i++ {
		pkt, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, []byte{i}, pkt)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	const capacity = 16
	const pushes = 100

	q := NewQueue(capacity)
	for i := 0; i < pushes; i++ {
		q.Push([]byte(fmt.Sprintf("pkt-%03d", i)))
	}

	require.Equal(t, capacity, q.Len())
	require.Equal(t, uint64(pushes), q.Pushed())
	require.Equal(t, uint64(pushes-capacity), q.Dropped())

	// The survivors must be exactly the newest capacity packets, oldest
	// first.
	for i := pushes - capacity; i < pushes; i++ {
		pkt, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("pkt-%03d", i), string(pkt))
	}
}

func TestQueueRejectsOversizedPacket(t *testing.T) {
	q := NewQueue(4)
	q.Push(make([]byte, maxPacketLen+1))

	// The packet is dropped whole rather than truncated.
	require.Equal(t, 0, q.Len())
	require.Equal(t, uint64(1), q.Pushed())
	require.Equal(t, uint64(1), q.Dropped())

	// A packet at exactly the limit still fits.
	q.Push(make([]byte, maxPacketLen))
	require.Equal(t, 1, q.Len())
	require.Equal(t, uint64(1), q.Dropped())
}

func TestQueueCopiesData(t *testing.T) {
	q := NewQueue(4)
	buf := []byte{1, 2, 3}
	q.Push(buf)
	buf[0] = 99

	pkt, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, pkt)
}
