package framecrypt

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
)

var (
	errTruncatedPrefix = errors.New("truncated unit length prefix")
	errTruncatedUnit   = errors.New("unit length exceeds remaining data")
)

// Video access units are length-prefixed bitstream containers: a sequence
// of [4-byte big-endian length][unit] records. The first byte of each unit
// is its header; the low five bits carry the unit type. Only VCL slice
// units carry picture data and get sealed; parameter-set and SEI units
// pass through so the codec layer can still parse stream metadata.

// lengthPrefixSize is the size of each unit's length prefix.
const lengthPrefixSize = 4

// Unit types whose payload is a coded picture slice.
const (
	unitTypeSliceNonIDR = 1
	unitTypeSliceIDR    = 5
)

// unitTypeMask extracts the unit type from a unit header byte.
const unitTypeMask = 0x1F

// VideoCodec seals and opens the slice payloads of video access units.
type VideoCodec struct {
	source    KeySource
	onFailure FailureFunc
}

// NewVideoCodec creates a video codec reading keys from source. onFailure
// may be nil if no recovery signaling is wanted.
func NewVideoCodec(source KeySource, onFailure FailureFunc) *VideoCodec {
	return &VideoCodec{source: source, onFailure: onFailure}
}

// Encrypt walks the access unit and seals each slice payload under the
// current session key, leaving unit headers and length prefixes intact and
// rewriting each prefix for the sealed size. On any failure, including
// malformed framing, the result is empty and the caller must drop the
// frame.
func (c *VideoCodec) Encrypt(accessUnit []byte) []byte {
	key, ok := c.source.Current()
	if !ok {
		return nil
	}

	out, err := c.transform(accessUnit, func(payload []byte) ([]byte, error) {
		return crypto.Seal(payload, key)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoCodec.Encrypt",
			"error":    err.Error(),
		}).Debug("Video frame seal failed, dropping frame")
		return nil
	}
	return out
}

// Decrypt is the inverse of Encrypt. Each sealed slice payload is opened
// with the current, backup and future keys in order; if any slice fails
// under all three, the whole frame is dropped and recovery is signalled.
// Malformed framing is treated the same as a decrypt failure.
func (c *VideoCodec) Decrypt(accessUnit []byte) []byte {
	out, err := c.transform(accessUnit, func(payload []byte) ([]byte, error) {
		if plain := tryOpen(payload, c.source); plain != nil {
			return plain, nil
		}
		return nil, crypto.ErrOpenFailed
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoCodec.Decrypt",
			"error":    err.Error(),
		}).Debug("Video frame failed under all key generations")
		c.signalFailure()
		return nil
	}
	return out
}

// transform rebuilds an access unit, applying apply to the payload of each
// slice unit (the bytes after the unit header) and copying everything else
// verbatim.
func (c *VideoCodec) transform(accessUnit []byte, apply func([]byte) ([]byte, error)) ([]byte, error) {
	out := make([]byte, 0, len(accessUnit)+2*crypto.NonceSize)

	rest := accessUnit
	for len(rest) > 0 {
		if len(rest) < lengthPrefixSize {
			return nil, errTruncatedPrefix
		}
		unitLen := binary.BigEndian.Uint32(rest[:lengthPrefixSize])
		rest = rest[lengthPrefixSize:]
		if unitLen == 0 || uint32(len(rest)) < unitLen {
			return nil, errTruncatedUnit
		}

		unit := rest[:unitLen]
		rest = rest[unitLen:]

		header := unit[0]
		if t := header & unitTypeMask; t != unitTypeSliceNonIDR && t != unitTypeSliceIDR {
			out = appendUnit(out, unit)
			continue
		}

		payload, err := apply(unit[1:])
		if err != nil {
			return nil, err
		}

		var prefix [lengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(1+len(payload)))
		out = append(out, prefix[:]...)
		out = append(out, header)
		out = append(out, payload...)
	}
	return out, nil
}

// appendUnit copies a unit through with its length prefix regenerated.
func appendUnit(out, unit []byte) []byte {
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(unit)))
	out = append(out, prefix[:]...)
	return append(out, unit...)
}

func (c *VideoCodec) signalFailure() {
	if c.onFailure != nil {
		c.onFailure(ReasonVideoDecryptFailed)
	}
}
