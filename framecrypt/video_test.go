package framecrypt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/opd-ai/securecall/keyring"
)

// buildAccessUnit assembles length-prefixed units into one access unit.
func buildAccessUnit(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(u)))
		out = append(out, prefix[:]...)
		out = append(out, u...)
	}
	return out
}

// unit builds a bitstream unit from a type and payload. The header byte
// carries the type in its low five bits.
func unit(unitType byte, payload []byte) []byte {
	return append([]byte{0x60 | unitType}, payload...)
}

// parseUnits splits an access unit back into its units for inspection.
func parseUnits(t *testing.T, accessUnit []byte) [][]byte {
	t.Helper()
	var units [][]byte
	for len(accessUnit) > 0 {
		if len(accessUnit) < 4 {
			t.Fatal("Truncated length prefix in output")
		}
		n := binary.BigEndian.Uint32(accessUnit[:4])
		accessUnit = accessUnit[4:]
		if uint32(len(accessUnit)) < n {
			t.Fatal("Truncated unit in output")
		}
		units = append(units, accessUnit[:n])
		accessUnit = accessUnit[n:]
	}
	return units
}

// TestVideoRoundTrip verifies a full access unit survives encrypt/decrypt.
func TestVideoRoundTrip(t *testing.T) {
	t.Parallel()

	ring := keyring.New(keyring.ModalityVideo)
	ring.SetCurrent(mustKey(t))
	codec := NewVideoCodec(ring, nil)

	sps := unit(7, []byte{0x42, 0x00, 0x1F})
	pps := unit(8, []byte{0xCE, 0x3C, 0x80})
	idr := unit(5, []byte("coded picture slice data"))
	original := buildAccessUnit(sps, pps, idr)

	encrypted := codec.Encrypt(original)
	if len(encrypted) == 0 {
		t.Fatal("Encrypt returned empty result for valid access unit")
	}

	decrypted := codec.Decrypt(encrypted)
	if !bytes.Equal(decrypted, original) {
		t.Error("Access unit did not round-trip")
	}
}

// TestVideoNonSliceUnitsPassThrough verifies parameter sets are left
// readable while slice payloads are sealed, with headers intact.
func TestVideoNonSliceUnitsPassThrough(t *testing.T) {
	t.Parallel()

	ring := keyring.New(keyring.ModalityVideo)
	ring.SetCurrent(mustKey(t))
	codec := NewVideoCodec(ring, nil)

	sps := unit(7, []byte{0x42, 0x00, 0x1F})
	slicePayload := []byte("slice payload bytes")
	slice := unit(1, slicePayload)

	encrypted := codec.Encrypt(buildAccessUnit(sps, slice))
	units := parseUnits(t, encrypted)
	if len(units) != 2 {
		t.Fatalf("Expected two units in output, got %d", len(units))
	}

	if !bytes.Equal(units[0], sps) {
		t.Error("Non-slice unit was modified")
	}
	if units[1][0] != slice[0] {
		t.Error("Slice unit header byte was modified")
	}
	if bytes.Contains(units[1], slicePayload) {
		t.Error("Slice payload left in plaintext")
	}
	if len(units[1]) <= len(slice) {
		t.Error("Sealed slice is not longer than plaintext (missing AEAD overhead)")
	}
}

// TestVideoDecryptFallbackOrder verifies slices sealed under the backup
// generation still open after a rotation.
func TestVideoDecryptFallbackOrder(t *testing.T) {
	t.Parallel()

	ring := keyring.New(keyring.ModalityVideo)
	ring.SetCurrent(mustKey(t))
	codec := NewVideoCodec(ring, nil)

	original := buildAccessUnit(unit(5, []byte("idr slice")))
	encrypted := codec.Encrypt(original)

	ring.SetCurrent(mustKey(t))

	if plain := codec.Decrypt(encrypted); !bytes.Equal(plain, original) {
		t.Error("Frame sealed under backup key failed to decrypt")
	}
}

// TestVideoDecryptExhaustionSignalsRecovery verifies the video failure
// reason is raised when no generation opens a slice.
func TestVideoDecryptExhaustionSignalsRecovery(t *testing.T) {
	t.Parallel()

	sender := keyring.New(keyring.ModalityVideo)
	sender.SetCurrent(mustKey(t))
	encrypted := NewVideoCodec(sender, nil).Encrypt(buildAccessUnit(unit(1, []byte("slice"))))

	receiver := keyring.New(keyring.ModalityVideo)
	receiver.SetCurrent(mustKey(t))

	rec := &failureRecorder{}
	codec := NewVideoCodec(receiver, rec.record)

	if plain := codec.Decrypt(encrypted); plain != nil {
		t.Error("Frame under unknown key decrypted unexpectedly")
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != ReasonVideoDecryptFailed {
		t.Errorf("Expected one video failure signal, got %v", rec.reasons)
	}
}

// TestVideoMalformedFraming verifies truncated containers are dropped on
// both paths without panicking.
func TestVideoMalformedFraming(t *testing.T) {
	t.Parallel()

	ring := keyring.New(keyring.ModalityVideo)
	ring.SetCurrent(mustKey(t))

	rec := &failureRecorder{}
	codec := NewVideoCodec(ring, rec.record)

	tests := []struct {
		name string
		data []byte
	}{
		{"short prefix", []byte{0x00, 0x00}},
		{"length beyond data", []byte{0x00, 0x00, 0x00, 0x10, 0x65}},
		{"zero length unit", []byte{0x00, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := codec.Encrypt(tt.data); out != nil {
				t.Error("Encrypt produced output for malformed input")
			}
			if out := codec.Decrypt(tt.data); out != nil {
				t.Error("Decrypt produced output for malformed input")
			}
		})
	}
}

// TestVideoEncryptWithoutKey verifies no output before the call is keyed.
func TestVideoEncryptWithoutKey(t *testing.T) {
	t.Parallel()

	codec := NewVideoCodec(keyring.New(keyring.ModalityVideo), nil)
	if out := codec.Encrypt(buildAccessUnit(unit(1, []byte("slice")))); out != nil {
		t.Error("Encrypt produced output with no session key")
	}
}
