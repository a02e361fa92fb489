// Package payload encodes and validates the device array that backs a
// review session. The array is stored as one gzipped JSON blob per
// session and fully replaced on every save; validation runs at this
// boundary in both directions so malformed legacy records fail fast
// instead of leaking defaults into callers.
package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mfaulkner/reviewbench/pkg/types"
)

// BlobPath returns the stable storage path for a session's device array.
// The path is keyed by session id only, so every save overwrites in place.
func BlobPath(sessionID string) string {
	return fmt.Sprintf("sessions/%s/devices.json.gz", sessionID)
}

// ContentType is the content type recorded for stored payloads
const ContentType = "application/json+gzip"

// Validate checks every device record, defaulting an empty status to
// pending. Unknown statuses are rejected rather than coerced.
func Validate(devices []types.Device) error {
	for i := range devices {
		d := &devices[i]
		if d.Status == "" {
			d.Status = types.DevicePending
		}
		if !d.Status.Valid() {
			return fmt.Errorf("device %d: unknown status %q", i, d.Status)
		}
		if d.Name == "" && d.Manufacturer == "" && d.Model == "" {
			return fmt.Errorf("device %d: record has no identifying fields", i)
		}
	}
	return nil
}

// Counts returns the denormalized aggregates the writer records on the
// metadata row: total devices and devices in a completed status.
func Counts(devices []types.Device) (deviceCount, completedCount int) {
	deviceCount = len(devices)
	for i := range devices {
		if devices[i].Status.Completed() {
			completedCount++
		}
	}
	return deviceCount, completedCount
}

// Encode validates the device array and returns it as gzipped JSON
func Encode(devices []types.Device) ([]byte, error) {
	if err := Validate(devices); err != nil {
		return nil, fmt.Errorf("invalid device array: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(devices); err != nil {
		return nil, fmt.Errorf("failed to encode device array: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress device array: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a stored payload back into a validated device array.
// It accepts both gzipped and plain JSON so legacy inline payloads,
// which were never compressed, decode through the same path.
func Decode(r io.Reader) ([]types.Device, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes and validates a raw payload
func DecodeBytes(data []byte) ([]types.Device, error) {
	if isGzip(data) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer gz.Close()
		if data, err = io.ReadAll(gz); err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	var devices []types.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device array: %w", err)
	}
	if err := Validate(devices); err != nil {
		return nil, fmt.Errorf("invalid stored device array: %w", err)
	}
	return devices, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
