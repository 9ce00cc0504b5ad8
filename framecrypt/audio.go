package framecrypt

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
)

// audioFrameMarker tags every encrypted audio frame. A frame without the
// marker is treated exactly like a frame that failed to decrypt.
const audioFrameMarker = 0xE5

// AudioCodec seals and opens audio frame payloads.
type AudioCodec struct {
	source    KeySource
	onFailure FailureFunc
}

// NewAudioCodec creates an audio codec reading keys from source. onFailure
// may be nil if no recovery signaling is wanted.
func NewAudioCodec(source KeySource, onFailure FailureFunc) *AudioCodec {
	return &AudioCodec{source: source, onFailure: onFailure}
}

// Encrypt seals an audio payload under the current session key and
// prepends the frame marker. On any failure the result is empty and the
// caller must drop the frame; plaintext never crosses the wire.
func (c *AudioCodec) Encrypt(payload []byte) []byte {
	key, ok := c.source.Current()
	if !ok {
		return nil
	}

	sealed, err := crypto.Seal(payload, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AudioCodec.Encrypt",
			"error":    err.Error(),
		}).Debug("Audio frame seal failed, dropping frame")
		return nil
	}

	out := make([]byte, 0, 1+len(sealed))
	out = append(out, audioFrameMarker)
	return append(out, sealed...)
}

// Decrypt verifies the frame marker and opens the payload, falling back
// across the current, backup and future keys. Returns an empty slice and
// signals recovery when the marker is wrong or every key generation fails.
func (c *AudioCodec) Decrypt(frame []byte) []byte {
	if len(frame) < 2 || frame[0] != audioFrameMarker {
		logrus.WithFields(logrus.Fields{
			"function": "AudioCodec.Decrypt",
			"size":     len(frame),
		}).Debug("Audio frame marker missing or invalid, dropping frame")
		c.signalFailure()
		return nil
	}

	plain := tryOpen(frame[1:], c.source)
	if plain == nil {
		logrus.WithFields(logrus.Fields{
			"function": "AudioCodec.Decrypt",
		}).Debug("Audio frame failed under all key generations")
		c.signalFailure()
		return nil
	}
	return plain
}

func (c *AudioCodec) signalFailure() {
	if c.onFailure != nil {
		c.onFailure(ReasonAudioDecryptFailed)
	}
}
