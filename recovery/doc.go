// Package recovery implements emergency session key redistribution.
//
// When the frame codecs exhaust every key generation on a frame, the
// device asks the call's host to re-send the current key. Requests are
// deduplicated so the audio and video pipelines cannot double-fire,
// rate-limited after a completed cycle, and abandoned silently on timeout:
// a later decrypt failure simply retriggers the protocol. The host wraps
// the current key for the requester and the requester applies it
// immediately, cancelling any stale scheduled rotation promotion.
//
// Call rejoin reuses the same wrap path, addressed to the rejoining
// participant instead of the host.
package recovery
