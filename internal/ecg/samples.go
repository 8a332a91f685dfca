package ecg

import "fmt"

// PMD data frame layout: measurement type byte, 8-byte device timestamp,
// frame type byte, then signed 24-bit little-endian samples in microvolts.
const (
	frameHeaderLen = 10
	sampleLen      = 3

	frameTypeECG = 0x00
)

// DecodeFrame extracts the sample values from one raw data notification.
// Frames of other measurement types are rejected, not errors worth
// surfacing past the caller's counter.
func DecodeFrame(pkt []byte) ([]float64, error) {
	if len(pkt) < frameHeaderLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(pkt))
	}
	if pkt[0] != frameTypeECG {
		return nil, fmt.Errorf("not an ecg frame: type 0x%02x", pkt[0])
	}
	body := pkt[frameHeaderLen:]
	if len(body)%sampleLen != 0 {
		return nil, fmt.Errorf("frame body %d bytes, not a sample multiple", len(body))
	}

	samples := make([]float64, 0, len(body)/sampleLen)
	for i := 0; i+sampleLen <= len(body); i += sampleLen {
		v := int32(body[i]) | int32(body[i+1])<<8 | int32(body[i+2])<<16
		// Sign-extend 24 bits.
		if v&0x800000 != 0 {
			v |= ^int32(0xFFFFFF)
		}
		samples = append(samples, float64(v))
	}
	return samples, nil
}
