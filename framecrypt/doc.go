// Package framecrypt applies the call's session keys to media frames on
// the hot path.
//
// Two codecs share the same algorithm shape with different framing: the
// audio codec prepends a one-byte marker to each sealed payload, while the
// video codec walks the length-prefixed bitstream units of an access unit
// and seals only the slice payload bytes, leaving unit headers and length
// prefixes readable for the transport and codec layers.
//
// Both codecs are stateless with respect to keys: every frame re-reads the
// key source, so a rotation becomes visible without restarting the
// pipeline. Encrypt never lets plaintext cross the wire on failure — the
// result is an empty slice and the caller drops the frame. Decrypt tries
// the current, backup and future key generations in that fixed order and
// signals the recovery coordinator when all three fail.
package framecrypt
