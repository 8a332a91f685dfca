// Package ecg turns the wearable's raw ECG stream into size-capped
// transport bundles and streaming beat/HRV metrics, under fixed memory.
package ecg

import "sync"

// Queue is a bounded FIFO of raw ECG packets. Push runs on the BLE
// callback context and never blocks: a full queue evicts the oldest
// packet and counts the drop. Under sustained overflow the oldest data is
// lost, never the newest.
type Queue struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	count   int
	pushed  uint64
	dropped uint64
}

// NewQueue creates a queue with fixed capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([][]byte, capacity)}
}

// Push copies data into the queue, evicting the oldest entry when full.
// Packets beyond the wire format's length-prefix range are dropped whole;
// truncating a frame would corrupt the sample stream.
func (q *Queue) Push(data []byte) {
	if len(data) > maxPacketLen {
		q.mu.Lock()
		q.pushed++
		q.dropped++
		q.mu.Unlock()
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushed++
	if q.count == len(q.buf) {
		// Evict oldest.
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
	}
	q.buf[(q.head+q.count)%len(q.buf)] = cp
	q.count++
}

// Pop removes and returns the oldest packet.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}
	pkt := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return pkt, true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Pushed returns the total number of packets ever pushed.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Dropped returns the monotonic overflow counter.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
