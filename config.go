package securecall

import (
	"github.com/opd-ai/securecall/keyring"
	"github.com/opd-ai/securecall/recovery"
	"github.com/opd-ai/securecall/rotation"
)

// Config collects every tunable of the encryption engine. Zero values are
// not usable; start from DefaultConfig.
type Config struct {
	// Rotation holds the host rotation interval and activation lead.
	Rotation rotation.Config

	// Recovery holds the key request dedupe, cooldown and timeout windows.
	Recovery recovery.Config

	// AudioRetention and VideoRetention control how long non-current key
	// generations stay usable per modality.
	AudioRetention keyring.Retention
	VideoRetention keyring.Retention
}

// DefaultConfig returns the production defaults: 5 minute rotations,
// modality-specific retention matched to each pipeline's jitter
// tolerance, and the standard recovery rate limits.
func DefaultConfig() Config {
	return Config{
		Rotation:       rotation.DefaultConfig(),
		Recovery:       recovery.DefaultConfig(),
		AudioRetention: keyring.DefaultRetention(keyring.ModalityAudio),
		VideoRetention: keyring.DefaultRetention(keyring.ModalityVideo),
	}
}
