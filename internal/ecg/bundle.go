package ecg

import (
	"encoding/binary"
	"fmt"
)

// Bundle wire format: 4-byte magic, u32le capture time (ms), u8 packet
// count, then length-prefixed packets (u16le length + raw bytes).
var bundleMagic = [4]byte{'E', 'B', 'N', '1'}

const (
	bundleHeaderLen = 4 + 4 + 1
	packetPrefixLen = 2
	maxBundleCount  = 255
	maxPacketLen    = 0xFFFF
)

// Bundle is one drained batch: the encoded wire form plus the raw packets
// for the in-process signal path.
type Bundle struct {
	CaptureMs uint32
	Packets   [][]byte
}

// Bundler drains a Queue into size-capped bundles. A packet that does not
// fit the remaining budget is stashed and becomes the first entry of the
// next bundle, preserving arrival order.
type Bundler struct {
	q      *Queue
	budget int
	stash  []byte
}

// NewBundler creates a bundler with the given byte budget per bundle.
func NewBundler(q *Queue, budget int) *Bundler {
	if budget < bundleHeaderLen+packetPrefixLen+1 {
		budget = bundleHeaderLen + packetPrefixLen + 1
	}
	return &Bundler{q: q, budget: budget}
}

// Next builds one bundle, or returns nil when no data is pending.
func (b *Bundler) Next(captureMs uint32) *Bundle {
	size := bundleHeaderLen
	var packets [][]byte

	take := func(pkt []byte) bool {
		need := packetPrefixLen + len(pkt)
		if len(packets) > 0 && size+need > b.budget {
			return false
		}
		// A packet that alone exceeds the budget still ships, alone;
		// splitting would break the opaque-packet contract.
		size += need
		packets = append(packets, pkt)
		return true
	}

	if b.stash != nil {
		pkt := b.stash
		b.stash = nil
		take(pkt)
	}

	for len(packets) < maxBundleCount {
		pkt, ok := b.q.Pop()
		if !ok {
			break
		}
		if !take(pkt) {
			b.stash = pkt
			break
		}
	}

	if len(packets) == 0 {
		return nil
	}
	return &Bundle{CaptureMs: captureMs, Packets: packets}
}

// Encode serializes the bundle for transport.
func (bn *Bundle) Encode() []byte {
	size := bundleHeaderLen
	for _, p := range bn.Packets {
		size += packetPrefixLen + len(p)
	}

	out := make([]byte, 0, size)
	out = append(out, bundleMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, bn.CaptureMs)
	out = append(out, byte(len(bn.Packets)))
	for _, p := range bn.Packets {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// DecodeBundle parses and validates one encoded bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	if len(data) < bundleHeaderLen {
		return nil, fmt.Errorf("bundle too short: %d bytes", len(data))
	}
	if data[0] != bundleMagic[0] || data[1] != bundleMagic[1] ||
		data[2] != bundleMagic[2] || data[3] != bundleMagic[3] {
		return nil, fmt.Errorf("bad bundle magic")
	}

	bn := &Bundle{CaptureMs: binary.LittleEndian.Uint32(data[4:8])}
	count := int(data[8])
	offset := bundleHeaderLen
	for i := 0; i < count; i++ {
		if len(data) < offset+packetPrefixLen {
			return nil, fmt.Errorf("truncated packet %d length prefix", i)
		}
		n := int(binary.LittleEndian.Uint16(data[offset : offset+packetPrefixLen]))
		offset += packetPrefixLen
		if len(data) < offset+n {
			return nil, fmt.Errorf("truncated packet %d: want %d bytes", i, n)
		}
		pkt := make([]byte, n)
		copy(pkt, data[offset:offset+n])
		bn.Packets = append(bn.Packets, pkt)
		offset += n
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d packets", len(data)-offset, count)
	}
	return bn, nil
}
