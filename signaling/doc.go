// Package signaling defines the call-key message contract and the
// collaborator interfaces the encryption engine depends on.
//
// The engine is transport-agnostic: messages are serialized to compact
// binary packets and handed to whatever signaling channel the application
// provides through the Transport interface. Participant and host identity
// come from an externally supplied Roster; no host election logic lives in
// this repository.
package signaling
