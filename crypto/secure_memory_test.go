package crypto

import "testing"

// TestSecureWipe verifies the buffer is zeroed in place.
func TestSecureWipe(t *testing.T) {
	t.Parallel()

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe() failed: %v", err)
	}

	for i, b := range data {
		if b != 0 {
			t.Errorf("Byte %d not wiped: 0x%02x", i, b)
		}
	}
}

// TestSecureWipeNil verifies nil input is reported as an error.
func TestSecureWipeNil(t *testing.T) {
	t.Parallel()

	if err := SecureWipe(nil); err == nil {
		t.Error("Expected error wiping nil data")
	}
}

// TestWipeKey verifies session key material is zeroed.
func TestWipeKey(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	WipeKey(&key)
	if key != (Key{}) {
		t.Error("Key not zeroed after WipeKey")
	}

	// Must not panic.
	WipeKey(nil)
}
