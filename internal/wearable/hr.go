package wearable

import (
	"encoding/binary"
	"fmt"
)

// Heart Rate Measurement flag bits (Bluetooth SIG 0x2A37).
const (
	hrFlagFormat16  = 1 << 0
	hrFlagEnergyExp = 1 << 3
	hrFlagRRPresent = 1 << 4
)

// HeartSample is one heart-rate notification: a BPM value plus zero or
// more RR intervals in milliseconds.
type HeartSample struct {
	BPM           int
	RRIntervalsMs []float64
}

// ParseHeartRate decodes a standard heart-rate measurement value. RR
// fields arrive in 1/1024 s ticks and are converted to milliseconds.
func ParseHeartRate(data []byte) (HeartSample, error) {
	if len(data) < 2 {
		return HeartSample{}, fmt.Errorf("measurement too short: %d bytes", len(data))
	}

	flags := data[0]
	offset := 1

	var s HeartSample
	if flags&hrFlagFormat16 != 0 {
		if len(data) < offset+2 {
			return HeartSample{}, fmt.Errorf("truncated 16-bit bpm field")
		}
		s.BPM = int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
	} else {
		s.BPM = int(data[offset])
		offset++
	}

	if flags&hrFlagEnergyExp != 0 {
		if len(data) < offset+2 {
			return HeartSample{}, fmt.Errorf("truncated energy expended field")
		}
		offset += 2
	}

	if flags&hrFlagRRPresent != 0 {
		if (len(data)-offset)%2 != 0 {
			return HeartSample{}, fmt.Errorf("odd RR field length %d", len(data)-offset)
		}
		for ; offset+1 < len(data); offset += 2 {
			ticks := binary.LittleEndian.Uint16(data[offset : offset+2])
			s.RRIntervalsMs = append(s.RRIntervalsMs, float64(ticks)*1000.0/1024.0)
		}
	}

	return s, nil
}
