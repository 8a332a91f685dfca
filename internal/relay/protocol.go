// Package relay implements the fixed-channel point-to-point radio link to
// sibling nodes and the failover controller that decides when to use it.
//
// Wire records are fixed-size, little-endian, versioned and length-checked
// before any field is read.
package relay

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	protocolVersion = 1

	recordBeacon         = 0x01
	recordForwardRequest = 0x02
	recordCapsule        = 0x03

	beaconLen         = 7
	forwardRequestLen = 4
	capsuleLen        = 20
)

// TempUnknown is the fixed-point sentinel for a missing temperature.
const TempUnknown = int16(math.MinInt16)

// Beacon is the periodic sibling announcement.
type Beacon struct {
	NodeNum  uint16
	UplinkOK bool
	RSSIDbm  int8
}

// ForwardRequest starts relaying (push variant) or requests one capsule
// (pull variant).
type ForwardRequest struct {
	FromNode uint16
}

// Capsule is the fixed-size telemetry snapshot substituting for full JSON
// telemetry while the primary uplink is down.
type Capsule struct {
	SourceNode uint16
	Seq        uint32
	BPM        uint8
	RMSSDMs    uint16
	SDNNMs     uint16
	GasRaw     uint16
	// TempCx10 is temperature in tenths of a degree, or TempUnknown.
	TempCx10 int16
	RSSIDbm  int8
	UplinkOK bool
	BLEOK    bool
	ECGOn    bool
}

// Marshal encodes the beacon.
func (b Beacon) Marshal() []byte {
	buf := make([]byte, beaconLen)
	buf[0] = recordBeacon
	buf[1] = protocolVersion
	binary.LittleEndian.PutUint16(buf[2:4], b.NodeNum)
	buf[4] = boolByte(b.UplinkOK)
	buf[5] = byte(b.RSSIDbm)
	buf[6] = checksum(buf[:6])
	return buf
}

// Marshal encodes the forward request.
func (r ForwardRequest) Marshal() []byte {
	buf := make([]byte, forwardRequestLen)
	buf[0] = recordForwardRequest
	buf[1] = protocolVersion
	binary.LittleEndian.PutUint16(buf[2:4], r.FromNode)
	return buf
}

// Marshal encodes the capsule.
func (c Capsule) Marshal() []byte {
	buf := make([]byte, capsuleLen)
	buf[0] = recordCapsule
	buf[1] = protocolVersion
	binary.LittleEndian.PutUint16(buf[2:4], c.SourceNode)
	binary.LittleEndian.PutUint32(buf[4:8], c.Seq)
	buf[8] = c.BPM
	binary.LittleEndian.PutUint16(buf[9:11], c.RMSSDMs)
	binary.LittleEndian.PutUint16(buf[11:13], c.SDNNMs)
	binary.LittleEndian.PutUint16(buf[13:15], c.GasRaw)
	binary.LittleEndian.PutUint16(buf[15:17], uint16(c.TempCx10))
	buf[17] = byte(c.RSSIDbm)
	var flags byte
	if c.UplinkOK {
		flags |= 1 << 0
	}
	if c.BLEOK {
		flags |= 1 << 1
	}
	if c.ECGOn {
		flags |= 1 << 2
	}
	buf[18] = flags
	buf[19] = checksum(buf[:19])
	return buf
}

// ParseRecord validates and decodes one inbound datagram. It returns a
// Beacon, ForwardRequest or Capsule value.
func ParseRecord(data []byte) (interface{}, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	if data[1] != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", data[1])
	}

	switch data[0] {
	case recordBeacon:
		if len(data) != beaconLen {
			return nil, fmt.Errorf("beacon length %d, want %d", len(data), beaconLen)
		}
		if data[6] != checksum(data[:6]) {
			return nil, fmt.Errorf("beacon checksum mismatch")
		}
		return Beacon{
			NodeNum:  binary.LittleEndian.Uint16(data[2:4]),
			UplinkOK: data[4] != 0,
			RSSIDbm:  int8(data[5]),
		}, nil

	case recordForwardRequest:
		if len(data) != forwardRequestLen {
			return nil, fmt.Errorf("forward request length %d, want %d", len(data), forwardRequestLen)
		}
		return ForwardRequest{
			FromNode: binary.LittleEndian.Uint16(data[2:4]),
		}, nil

	case recordCapsule:
		if len(data) != capsuleLen {
			return nil, fmt.Errorf("capsule length %d, want %d", len(data), capsuleLen)
		}
		if data[19] != checksum(data[:19]) {
			return nil, fmt.Errorf("capsule checksum mismatch")
		}
		return Capsule{
			SourceNode: binary.LittleEndian.Uint16(data[2:4]),
			Seq:        binary.LittleEndian.Uint32(data[4:8]),
			BPM:        data[8],
			RMSSDMs:    binary.LittleEndian.Uint16(data[9:11]),
			SDNNMs:     binary.LittleEndian.Uint16(data[11:13]),
			GasRaw:     binary.LittleEndian.Uint16(data[13:15]),
			TempCx10:   int16(binary.LittleEndian.Uint16(data[15:17])),
			RSSIDbm:    int8(data[17]),
			UplinkOK:   data[18]&(1<<0) != 0,
			BLEOK:      data[18]&(1<<1) != 0,
			ECGOn:      data[18]&(1<<2) != 0,
		}, nil

	default:
		return nil, fmt.Errorf("unknown record type 0x%02x", data[0])
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// checksum is a 1-byte XOR over the record body. Cheap enough for the
// radio's frame sizes and catches the truncation/corruption cases the
// length checks alone miss.
func checksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}
