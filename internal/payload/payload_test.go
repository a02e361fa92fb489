package payload

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDevices() []types.Device {
	return []types.Device{
		{Name: "Infusion Pump", Manufacturer: "Acme Medical", Model: "IP-200", Status: types.DeviceApproved},
		{Name: "Ventilator", Manufacturer: "Breathe Co", Model: "V-9", Status: types.DevicePending},
		{Name: "Defibrillator", Manufacturer: "Shock Inc", Model: "DF-1", Status: types.DeviceRejected},
		{Name: "Monitor", Manufacturer: "Vital Systems", Model: "M-3", Status: types.DeviceSkipped},
	}
}

func TestBlobPath(t *testing.T) {
	assert.Equal(t, "sessions/abc-123/devices.json.gz", BlobPath("abc-123"))
}

func TestValidate(t *testing.T) {
	t.Run("defaults empty status to pending", func(t *testing.T) {
		devices := []types.Device{{Name: "Pump", Manufacturer: "Acme", Model: "P-1"}}
		require.NoError(t, Validate(devices))
		assert.Equal(t, types.DevicePending, devices[0].Status)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		devices := []types.Device{{Name: "Pump", Status: "maybe"}}
		err := Validate(devices)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown status")
	})

	t.Run("rejects record with no identifying fields", func(t *testing.T) {
		devices := []types.Device{{Status: types.DevicePending}}
		err := Validate(devices)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no identifying fields")
	})
}

func TestCounts(t *testing.T) {
	deviceCount, completedCount := Counts(sampleDevices())
	assert.Equal(t, 4, deviceCount)
	// approved and rejected count as completed; pending and skipped do not
	assert.Equal(t, 2, completedCount)

	deviceCount, completedCount = Counts(nil)
	assert.Equal(t, 0, deviceCount)
	assert.Equal(t, 0, completedCount)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	devices := sampleDevices()

	encoded, err := Encode(devices)
	require.NoError(t, err)
	assert.True(t, isGzip(encoded), "encoded payload should be gzipped")

	decoded, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Len(t, decoded, len(devices))
	assert.Equal(t, devices[0].Name, decoded[0].Name)
	assert.Equal(t, devices[2].Status, decoded[2].Status)
}

func TestEncodeRejectsInvalidDevices(t *testing.T) {
	_, err := Encode([]types.Device{{Name: "Pump", Status: "bogus"}})
	require.Error(t, err)
}

func TestDecodeBytesAcceptsPlainJSON(t *testing.T) {
	// legacy inline payloads were stored uncompressed
	devices := sampleDevices()
	raw, err := json.Marshal(devices)
	require.NoError(t, err)

	decoded, err := DecodeBytes(raw)
	require.NoError(t, err)
	assert.Len(t, decoded, len(devices))
}

func TestDecodeBytesRejectsGarbage(t *testing.T) {
	_, err := DecodeBytes([]byte("not json at all"))
	require.Error(t, err)
}
