package signaling

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/securecall/crypto"
	"github.com/opd-ai/securecall/framecrypt"
)

// ErrShortPacket indicates a signaling packet was truncated.
var ErrShortPacket = errors.New("signaling packet too short")

// maxFieldSize bounds variable-length fields to keep malformed packets
// from forcing large allocations.
const maxFieldSize = 4096

// CallInvitation carries the initial wrapped session key to a joining
// participant.
//
// Wire format:
//
//	[CALL_ID(16)][KEY_TYPE(1)][WRAPPED_LEN(2)][WRAPPED_KEY]
type CallInvitation struct {
	CallID  uuid.UUID
	Wrapped crypto.WrappedKey
}

// KeyRotation distributes one recipient's wrapped copy of a rotated key
// together with the shared activation timestamp.
//
// Wire format:
//
//	[CALL_ID(16)][KEY_TYPE(1)][WRAPPED_LEN(2)][WRAPPED_KEY][ACTIVATION_NS(8)]
type KeyRotation struct {
	CallID         uuid.UUID
	Wrapped        crypto.WrappedKey
	ActivationTime time.Time
}

// KeyRequest asks the host to re-send the current session key after the
// requester exhausted every key generation on a frame.
//
// Wire format:
//
//	[CALL_ID(16)][REQUEST_ID(16)][REASON(1)]
//	[ID_LEN(2)][REQUESTER_ID][DEV_LEN(2)][REQUESTER_DEVICE][ISSUED_NS(8)]
type KeyRequest struct {
	CallID          uuid.UUID
	RequestID       uuid.UUID
	Reason          framecrypt.Reason
	RequesterID     ParticipantID
	RequesterDevice DeviceID
	IssuedAt        time.Time
}

// KeyResponse answers a KeyRequest with the current session key wrapped
// for the requester. RequestID echoes the request so the requester can
// reject stale responses.
//
// Wire format:
//
//	[CALL_ID(16)][REQUEST_ID(16)][KEY_TYPE(1)][WRAPPED_LEN(2)][WRAPPED_KEY]
//	[ID_LEN(2)][TARGET_ID][DEV_LEN(2)][TARGET_DEVICE]
type KeyResponse struct {
	CallID       uuid.UUID
	RequestID    uuid.UUID
	Wrapped      crypto.WrappedKey
	TargetID     ParticipantID
	TargetDevice DeviceID
}

// RejoinRequest announces that a participant is rejoining an ongoing call
// and needs to be keyed again.
//
// Wire format:
//
//	[CALL_ID(16)][ID_LEN(2)][PARTICIPANT_ID][DEV_LEN(2)][DEVICE]
type RejoinRequest struct {
	CallID      uuid.UUID
	Participant ParticipantID
	Device      DeviceID
}

// RejoinAccept keys a rejoining participant with the current session key.
//
// Wire format:
//
//	[CALL_ID(16)][KEY_TYPE(1)][WRAPPED_LEN(2)][WRAPPED_KEY]
//	[ID_LEN(2)][TARGET_ID][DEV_LEN(2)][TARGET_DEVICE]
type RejoinAccept struct {
	CallID       uuid.UUID
	Wrapped      crypto.WrappedKey
	TargetID     ParticipantID
	TargetDevice DeviceID
}

// appendBytesField appends a 2-byte length prefix followed by the bytes.
func appendBytesField(out, field []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(field)))
	out = append(out, l[:]...)
	return append(out, field...)
}

// readBytesField consumes a length-prefixed field, returning the field and
// the remaining data.
func readBytesField(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, ErrShortPacket
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if n > maxFieldSize {
		return nil, nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	if len(data) < n {
		return nil, nil, ErrShortPacket
	}
	return data[:n], data[n:], nil
}

func appendWrapped(out []byte, wk crypto.WrappedKey) []byte {
	out = append(out, byte(wk.Type))
	return appendBytesField(out, wk.Data)
}

func readWrapped(data []byte) (crypto.WrappedKey, []byte, error) {
	if len(data) < 1 {
		return crypto.WrappedKey{}, nil, ErrShortPacket
	}
	kt := crypto.KeyType(data[0])
	blob, rest, err := readBytesField(data[1:])
	if err != nil {
		return crypto.WrappedKey{}, nil, err
	}
	// Copy out of the packet buffer; the transport may reuse it.
	wrapped := crypto.WrappedKey{Type: kt, Data: append([]byte{}, blob...)}
	return wrapped, rest, nil
}

func readUUID(data []byte) (uuid.UUID, []byte, error) {
	if len(data) < 16 {
		return uuid.UUID{}, nil, ErrShortPacket
	}
	var id uuid.UUID
	copy(id[:], data[:16])
	return id, data[16:], nil
}

func readTimestamp(data []byte) (time.Time, []byte, error) {
	if len(data) < 8 {
		return time.Time{}, nil, ErrShortPacket
	}
	ns := int64(binary.BigEndian.Uint64(data[:8]))
	return time.Unix(0, ns), data[8:], nil
}

func appendTimestamp(out []byte, t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return append(out, b[:]...)
}

// SerializeCallInvitation converts a CallInvitation to bytes.
func SerializeCallInvitation(inv *CallInvitation) ([]byte, error) {
	if inv == nil {
		return nil, errors.New("call invitation is nil")
	}
	out := append([]byte{}, inv.CallID[:]...)
	return appendWrapped(out, inv.Wrapped), nil
}

// DeserializeCallInvitation converts bytes to a CallInvitation.
func DeserializeCallInvitation(data []byte) (*CallInvitation, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	wrapped, _, err := readWrapped(rest)
	if err != nil {
		return nil, err
	}
	return &CallInvitation{CallID: callID, Wrapped: wrapped}, nil
}

// SerializeKeyRotation converts a KeyRotation to bytes.
func SerializeKeyRotation(rot *KeyRotation) ([]byte, error) {
	if rot == nil {
		return nil, errors.New("key rotation is nil")
	}
	out := append([]byte{}, rot.CallID[:]...)
	out = appendWrapped(out, rot.Wrapped)
	return appendTimestamp(out, rot.ActivationTime), nil
}

// DeserializeKeyRotation converts bytes to a KeyRotation.
func DeserializeKeyRotation(data []byte) (*KeyRotation, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	wrapped, rest, err := readWrapped(rest)
	if err != nil {
		return nil, err
	}
	activation, _, err := readTimestamp(rest)
	if err != nil {
		return nil, err
	}
	return &KeyRotation{CallID: callID, Wrapped: wrapped, ActivationTime: activation}, nil
}

// SerializeKeyRequest converts a KeyRequest to bytes.
func SerializeKeyRequest(req *KeyRequest) ([]byte, error) {
	if req == nil {
		return nil, errors.New("key request is nil")
	}
	out := append([]byte{}, req.CallID[:]...)
	out = append(out, req.RequestID[:]...)
	out = append(out, byte(req.Reason))
	out = appendBytesField(out, []byte(req.RequesterID))
	out = appendBytesField(out, []byte(req.RequesterDevice))
	return appendTimestamp(out, req.IssuedAt), nil
}

// DeserializeKeyRequest converts bytes to a KeyRequest.
func DeserializeKeyRequest(data []byte) (*KeyRequest, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	requestID, rest, err := readUUID(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, ErrShortPacket
	}
	reason := framecrypt.Reason(rest[0])
	id, rest, err := readBytesField(rest[1:])
	if err != nil {
		return nil, err
	}
	dev, rest, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	issuedAt, _, err := readTimestamp(rest)
	if err != nil {
		return nil, err
	}
	return &KeyRequest{
		CallID:          callID,
		RequestID:       requestID,
		Reason:          reason,
		RequesterID:     ParticipantID(id),
		RequesterDevice: DeviceID(dev),
		IssuedAt:        issuedAt,
	}, nil
}

// SerializeKeyResponse converts a KeyResponse to bytes.
func SerializeKeyResponse(resp *KeyResponse) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("key response is nil")
	}
	out := append([]byte{}, resp.CallID[:]...)
	out = append(out, resp.RequestID[:]...)
	out = appendWrapped(out, resp.Wrapped)
	out = appendBytesField(out, []byte(resp.TargetID))
	return appendBytesField(out, []byte(resp.TargetDevice)), nil
}

// DeserializeKeyResponse converts bytes to a KeyResponse.
func DeserializeKeyResponse(data []byte) (*KeyResponse, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	requestID, rest, err := readUUID(rest)
	if err != nil {
		return nil, err
	}
	wrapped, rest, err := readWrapped(rest)
	if err != nil {
		return nil, err
	}
	id, rest, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	dev, _, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	return &KeyResponse{
		CallID:       callID,
		RequestID:    requestID,
		Wrapped:      wrapped,
		TargetID:     ParticipantID(id),
		TargetDevice: DeviceID(dev),
	}, nil
}

// SerializeRejoinRequest converts a RejoinRequest to bytes.
func SerializeRejoinRequest(req *RejoinRequest) ([]byte, error) {
	if req == nil {
		return nil, errors.New("rejoin request is nil")
	}
	out := append([]byte{}, req.CallID[:]...)
	out = appendBytesField(out, []byte(req.Participant))
	return appendBytesField(out, []byte(req.Device)), nil
}

// DeserializeRejoinRequest converts bytes to a RejoinRequest.
func DeserializeRejoinRequest(data []byte) (*RejoinRequest, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	id, rest, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	dev, _, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	return &RejoinRequest{
		CallID:      callID,
		Participant: ParticipantID(id),
		Device:      DeviceID(dev),
	}, nil
}

// SerializeRejoinAccept converts a RejoinAccept to bytes.
func SerializeRejoinAccept(acc *RejoinAccept) ([]byte, error) {
	if acc == nil {
		return nil, errors.New("rejoin accept is nil")
	}
	out := append([]byte{}, acc.CallID[:]...)
	out = appendWrapped(out, acc.Wrapped)
	out = appendBytesField(out, []byte(acc.TargetID))
	return appendBytesField(out, []byte(acc.TargetDevice)), nil
}

// DeserializeRejoinAccept converts bytes to a RejoinAccept.
func DeserializeRejoinAccept(data []byte) (*RejoinAccept, error) {
	callID, rest, err := readUUID(data)
	if err != nil {
		return nil, err
	}
	wrapped, rest, err := readWrapped(rest)
	if err != nil {
		return nil, err
	}
	id, rest, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	dev, _, err := readBytesField(rest)
	if err != nil {
		return nil, err
	}
	return &RejoinAccept{
		CallID:       callID,
		Wrapped:      wrapped,
		TargetID:     ParticipantID(id),
		TargetDevice: DeviceID(dev),
	}, nil
}
