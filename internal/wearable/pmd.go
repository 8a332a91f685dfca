package wearable

import "fmt"

// PMD control protocol: opcode + measurement type requests on the control
// characteristic, responses notified back with a status byte at a fixed
// offset. The start command echoes the device-reported settings bytes.
const (
	pmdOpGetSettings = 0x01
	pmdOpStart       = 0x02
	pmdOpStop        = 0x03

	pmdMeasurementECG = 0x00

	pmdResponseCode   = 0xF0
	pmdStatusOffset   = 3
	pmdSettingsOffset = 5
	pmdMinResponseLen = 4
)

func pmdGetSettingsCommand() []byte {
	return []byte{pmdOpGetSettings, pmdMeasurementECG}
}

func pmdStopCommand() []byte {
	return []byte{pmdOpStop, pmdMeasurementECG}
}

// pmdValidateResponse checks a control-point response for the expected
// opcode and a zero status byte.
func pmdValidateResponse(resp []byte, wantOp byte) error {
	if len(resp) < pmdMinResponseLen {
		return fmt.Errorf("control response too short: %d bytes", len(resp))
	}
	if resp[0] != pmdResponseCode {
		return fmt.Errorf("unexpected response code 0x%02x", resp[0])
	}
	if resp[1] != wantOp {
		return fmt.Errorf("response for opcode 0x%02x, want 0x%02x", resp[1], wantOp)
	}
	if resp[pmdStatusOffset] != 0 {
		return fmt.Errorf("control point rejected request: status 0x%02x", resp[pmdStatusOffset])
	}
	return nil
}

// pmdStartCommand builds the stream-start command by copying the
// device-reported configuration bytes out of the settings response.
func pmdStartCommand(settingsResp []byte) ([]byte, error) {
	if err := pmdValidateResponse(settingsResp, pmdOpGetSettings); err != nil {
		return nil, err
	}
	if len(settingsResp) <= pmdSettingsOffset {
		return nil, fmt.Errorf("settings response carries no configuration")
	}
	cmd := []byte{pmdOpStart, pmdMeasurementECG}
	cmd = append(cmd, settingsResp[pmdSettingsOffset:]...)
	return cmd, nil
}
