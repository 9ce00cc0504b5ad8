package signaling

import (
	"github.com/opd-ai/securecall/crypto"
)

// ParticipantID identifies a call participant (a user account).
type ParticipantID string

// DeviceID identifies one device of a participant.
type DeviceID string

// Participant is one addressable device in a call.
type Participant struct {
	ID     ParticipantID
	Device DeviceID
}

// Packet types for call-key signaling messages.
const (
	// PacketCallInvitation carries the initial wrapped session key.
	PacketCallInvitation byte = 0xC1
	// PacketKeyRotation distributes a rotated key with its activation time.
	PacketKeyRotation byte = 0xC2
	// PacketKeyRequest asks the host for the current session key.
	PacketKeyRequest byte = 0xC3
	// PacketKeyResponse answers a key request with the wrapped current key.
	PacketKeyResponse byte = 0xC4
	// PacketRejoinRequest announces a participant rejoining the call.
	PacketRejoinRequest byte = 0xC5
	// PacketRejoinAccept keys a rejoining participant.
	PacketRejoinAccept byte = 0xC6
)

// Handler processes an inbound signaling packet from a peer.
type Handler func(data []byte, from Participant) error

// Transport is the minimal signaling-channel surface the engine needs.
// Implementations route packets over whatever channel the application
// uses; delivery may be unreliable and unordered.
type Transport interface {
	// Send delivers a packet to the specified participant device.
	Send(packetType byte, data []byte, to Participant) error

	// RegisterHandler registers a handler for a packet type.
	RegisterHandler(packetType byte, handler Handler)
}

// Roster is the externally supplied participant and host directory for one
// call. The engine never elects a host; it only asks who the host is.
type Roster interface {
	// Self returns the local participant device.
	Self() Participant

	// Host returns the call's designated rotation host.
	Host() (Participant, error)

	// Participants lists every device currently in the call, including self.
	Participants() ([]Participant, error)

	// PublicKey returns a participant's published identity public key and
	// its algorithm type.
	PublicKey(id ParticipantID) ([]byte, crypto.KeyType, error)
}
