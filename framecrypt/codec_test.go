package framecrypt

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/securecall/crypto"
)

func mustKey(t *testing.T) crypto.Key {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	return key
}

// failureRecorder collects recovery signals raised by a codec.
type failureRecorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (f *failureRecorder) record(r Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, r)
}

// advancingClock is a TimeProvider whose offset tests move forward.
type advancingClock struct {
	mu     sync.Mutex
	offset time.Duration
	base   time.Time
}

func (c *advancingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base.IsZero() {
		c.base = time.Unix(1700000000, 0)
	}
	return c.base.Add(c.offset)
}

func (c *advancingClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *advancingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// TestReasonStrings pins the wire-protocol reason names.
func TestReasonStrings(t *testing.T) {
	t.Parallel()

	if got := ReasonAudioDecryptFailed.String(); got != "audio_decrypt_failed" {
		t.Errorf("Unexpected audio reason name: %s", got)
	}
	if got := ReasonVideoDecryptFailed.String(); got != "video_decrypt_failed" {
		t.Errorf("Unexpected video reason name: %s", got)
	}
}
