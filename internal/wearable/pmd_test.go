package wearable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPmdValidateResponse(t *testing.T) {
	ok := []byte{pmdResponseCode, pmdOpStart, pmdMeasurementECG, 0x00}
	require.NoError(t, pmdValidateResponse(ok, pmdOpStart))

	require.Error(t, pmdValidateResponse([]byte{pmdResponseCode, pmdOpStart}, pmdOpStart))
	require.Error(t, pmdValidateResponse([]byte{0x00, pmdOpStart, 0x00, 0x00}, pmdOpStart))
	require.Error(t, pmdValidateResponse([]byte{pmdResponseCode, pmdOpStop, 0x00, 0x00}, pmdOpStart))

	rejected := []byte{pmdResponseCode, pmdOpStart, pmdMeasurementECG, 0x05}
	require.Error(t, pmdValidateResponse(rejected, pmdOpStart))
}

func TestPmdStartCommandEchoesSettings(t *testing.T) {
	settings := []byte{
		pmdResponseCode, pmdOpGetSettings, pmdMeasurementECG, 0x00, 0x00,
		0x00, 0x01, 0x82, 0x00, // sample rate setting
		0x01, 0x01, 0x0E, 0x00, // resolution setting
	}
	cmd, err := pmdStartCommand(settings)
	require.NoError(t, err)
	require.Equal(t, byte(pmdOpStart), cmd[0])
	require.Equal(t, byte(pmdMeasurementECG), cmd[1])
	require.Equal(t, settings[pmdSettingsOffset:], cmd[2:])
}

func TestPmdStartCommandRejectsBadSettings(t *testing.T) {
	// Non-zero status must not yield a start command.
	bad := []byte{pmdResponseCode, pmdOpGetSettings, pmdMeasurementECG, 0x02, 0x00, 0x00}
	_, err := pmdStartCommand(bad)
	require.Error(t, err)
}
