package crypto

import "errors"

// Sentinel errors for crypto package operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrProviderUnavailable indicates no key agreement path could be
	// initialized (neither the elliptic-curve nor the RSA fallback).
	ErrProviderUnavailable = errors.New("no key agreement provider available")

	// ErrInvalidPeerKey indicates a malformed or wrong-format peer public key.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrKeyTypeMismatch indicates an operation was attempted with an
	// identity or wrapped key of the wrong algorithm type.
	ErrKeyTypeMismatch = errors.New("key type mismatch")

	// ErrWrapFailed indicates a session key could not be wrapped for a peer.
	ErrWrapFailed = errors.New("key wrap failed")

	// ErrUnwrapFailed indicates a wrapped session key could not be opened.
	ErrUnwrapFailed = errors.New("key unwrap failed")

	// ErrOpenFailed indicates AEAD authentication or decryption failure.
	ErrOpenFailed = errors.New("decryption failed: message authentication failed")
)
