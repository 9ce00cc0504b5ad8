package framecrypt

import (
	"github.com/opd-ai/securecall/crypto"
)

// Reason identifies which pipeline exhausted all key generations. It is
// carried in recovery key requests so the host can log the failing
// modality.
type Reason uint8

const (
	// ReasonAudioDecryptFailed is raised by the audio codec.
	ReasonAudioDecryptFailed Reason = 1
	// ReasonVideoDecryptFailed is raised by the video codec.
	ReasonVideoDecryptFailed Reason = 2
)

// String returns the wire-protocol name of the failure reason.
func (r Reason) String() string {
	switch r {
	case ReasonAudioDecryptFailed:
		return "audio_decrypt_failed"
	case ReasonVideoDecryptFailed:
		return "video_decrypt_failed"
	default:
		return "unknown"
	}
}

// KeySource supplies session keys to a codec. Implemented by
// *keyring.Ring. Codecs hold no key state of their own and must consult
// the source on every frame to observe rotations.
type KeySource interface {
	// Current returns the active sealing key, reporting false before the
	// call has been keyed.
	Current() (crypto.Key, bool)
	// Candidates returns the keys to try for decryption in fallback order.
	Candidates() []crypto.Key
}

// FailureFunc is invoked when a codec exhausts every key generation on a
// frame. It must not block: it runs on the media callback thread and any
// network work it triggers has to happen elsewhere.
type FailureFunc func(reason Reason)

// tryOpen attempts to open a sealed payload under each candidate key in
// order. Returns nil when every generation fails.
func tryOpen(sealed []byte, source KeySource) []byte {
	for _, key := range source.Candidates() {
		if plain, err := crypto.Open(sealed, key); err == nil {
			return plain
		}
	}
	return nil
}
