package securecall

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
	"github.com/opd-ai/securecall/framecrypt"
	"github.com/opd-ai/securecall/keyring"
	"github.com/opd-ai/securecall/recovery"
	"github.com/opd-ai/securecall/rotation"
	"github.com/opd-ai/securecall/signaling"
)

// Sentinel errors for session operations.
var (
	// ErrSessionClosed indicates use of a torn-down call session.
	ErrSessionClosed = errors.New("call session is closed")

	// ErrNotFromHost indicates a call invitation from a non-host sender.
	ErrNotFromHost = errors.New("invitation not sent by the host")

	// ErrWrongCall indicates a message for a different call.
	ErrWrongCall = errors.New("message for a different call")
)

// CallSession is the per-call encryption context. One instance exists per
// active call and device; it is constructed at call start, torn down at
// call end, and shares no state with other calls.
type CallSession struct {
	callID    uuid.UUID
	identity  *crypto.Identity
	transport signaling.Transport
	roster    signaling.Roster
	config    Config

	audioRing *keyring.Ring
	videoRing *keyring.Ring

	audioCodec *framecrypt.AudioCodec
	videoCodec *framecrypt.VideoCodec

	rotator   *rotation.Coordinator
	recoverer *recovery.Coordinator

	mu     sync.Mutex
	closed bool
}

// NewCallSession builds the engine for one call: two key rings, the frame
// codecs reading them, and the rotation and recovery coordinators mutating
// them. Message handlers are registered on the transport immediately.
func NewCallSession(callID uuid.UUID, identity *crypto.Identity,
	transport signaling.Transport, roster signaling.Roster, config Config,
) (*CallSession, error) {
	if identity == nil {
		return nil, errors.New("identity cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if roster == nil {
		return nil, errors.New("roster cannot be nil")
	}

	s := &CallSession{
		callID:    callID,
		identity:  identity,
		transport: transport,
		roster:    roster,
		config:    config,
	}

	s.audioRing = keyring.New(keyring.ModalityAudio)
	s.audioRing.SetRetention(config.AudioRetention)
	s.videoRing = keyring.New(keyring.ModalityVideo)
	s.videoRing.SetRetention(config.VideoRetention)
	rings := []*keyring.Ring{s.audioRing, s.videoRing}

	s.rotator = rotation.New(callID, identity, transport, roster, rings, config.Rotation)
	s.recoverer = recovery.New(callID, identity, transport, roster, rings, config.Recovery,
		s.rotator.CancelPendingPromotion)

	s.audioCodec = framecrypt.NewAudioCodec(s.audioRing, s.recoverer.HandleDecryptFailure)
	s.videoCodec = framecrypt.NewVideoCodec(s.videoRing, s.recoverer.HandleDecryptFailure)

	transport.RegisterHandler(signaling.PacketCallInvitation, s.handleInvitation)

	logrus.WithFields(logrus.Fields{
		"function": "NewCallSession",
		"call_id":  callID.String(),
		"key_type": identity.Type.String(),
	}).Info("Call encryption session created")
	return s, nil
}

// CallID returns the call this session encrypts.
func (s *CallSession) CallID() uuid.UUID {
	return s.callID
}

// IsHost reports whether this device is the call's rotation host.
func (s *CallSession) IsHost() bool {
	host, err := s.roster.Host()
	if err != nil {
		return false
	}
	self := s.roster.Self()
	return host.ID == self.ID && host.Device == self.Device
}

// Start keys the call. On the host it generates the initial session key,
// invites every current participant with a wrapped copy, and starts the
// periodic rotation loop. On other devices it is a no-op: they wait for
// the host's invitation.
func (s *CallSession) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if !s.IsHost() {
		return nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate initial call key: %w", err)
	}
	s.audioRing.SetCurrent(key)
	s.videoRing.SetCurrent(key)

	participants, err := s.roster.Participants()
	if err != nil {
		return fmt.Errorf("failed to resolve participants: %w", err)
	}
	self := s.roster.Self()
	for _, p := range participants {
		if p.ID == self.ID && p.Device == self.Device {
			continue
		}
		if err := s.InviteParticipant(p); err != nil {
			// Setup-fatal: a participant that cannot be keyed cannot join
			// an encrypted call.
			return err
		}
	}

	if err := s.rotator.Start(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"call_id":      s.callID.String(),
		"participants": len(participants),
	}).Info("Call keyed and rotation loop started")
	return nil
}

// InviteParticipant wraps the current call key for one participant and
// sends the invitation. Host only in practice; used at call start and when
// a participant joins mid-call.
func (s *CallSession) InviteParticipant(p signaling.Participant) error {
	key, ok := s.audioRing.Current()
	if !ok {
		return errors.New("call has no session key yet")
	}

	pub, keyType, err := s.roster.PublicKey(p.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve public key for %s: %w", p.ID, err)
	}

	wrapped, err := crypto.WrapKey(key, pub, keyType)
	if err != nil {
		return fmt.Errorf("failed to wrap call key for %s: %w", p.ID, err)
	}

	data, err := signaling.SerializeCallInvitation(&signaling.CallInvitation{
		CallID:  s.callID,
		Wrapped: *wrapped,
	})
	if err != nil {
		return err
	}
	return s.transport.Send(signaling.PacketCallInvitation, data, p)
}

// handleInvitation seeds both rings with the call key from the host's
// invitation.
func (s *CallSession) handleInvitation(data []byte, from signaling.Participant) error {
	inv, err := signaling.DeserializeCallInvitation(data)
	if err != nil {
		return err
	}
	if inv.CallID != s.callID {
		return ErrWrongCall
	}

	host, err := s.roster.Host()
	if err != nil {
		return fmt.Errorf("failed to resolve host: %w", err)
	}
	if from.ID != host.ID {
		logrus.WithFields(logrus.Fields{
			"function": "handleInvitation",
			"call_id":  s.callID.String(),
			"from":     string(from.ID),
		}).Warn("Dropping call invitation from non-host sender")
		return ErrNotFromHost
	}

	key, err := crypto.UnwrapKey(s.identity, &inv.Wrapped)
	if err != nil {
		return fmt.Errorf("failed to unwrap call key: %w", err)
	}

	s.audioRing.SetCurrent(key)
	s.videoRing.SetCurrent(key)

	logrus.WithFields(logrus.Fields{
		"function": "handleInvitation",
		"call_id":  s.callID.String(),
	}).Info("Call key received and installed")
	return nil
}

// EncodeAudioFrame seals an audio payload for transmission. An empty
// result means the frame must be dropped; plaintext never goes out.
func (s *CallSession) EncodeAudioFrame(payload []byte) []byte {
	return s.audioCodec.Encrypt(payload)
}

// DecodeAudioFrame opens a received audio frame. An empty result means the
// frame is dropped; key recovery has already been signalled if needed.
func (s *CallSession) DecodeAudioFrame(frame []byte) []byte {
	return s.audioCodec.Decrypt(frame)
}

// EncodeVideoFrame seals the slice payloads of a video access unit,
// leaving bitstream headers parseable. An empty result means drop.
func (s *CallSession) EncodeVideoFrame(accessUnit []byte) []byte {
	return s.videoCodec.Encrypt(accessUnit)
}

// DecodeVideoFrame opens a received video access unit. An empty result
// means drop.
func (s *CallSession) DecodeVideoFrame(accessUnit []byte) []byte {
	return s.videoCodec.Decrypt(accessUnit)
}

// RotateNow forces an immediate key rotation round. Host only.
func (s *CallSession) RotateNow() error {
	return s.rotator.RotateNow()
}

// RequestRejoin asks the host to key this device back into the call after
// a disconnect.
func (s *CallSession) RequestRejoin() error {
	return s.recoverer.RequestRejoin()
}

// Close tears the session down: stops the rotation loop, cancels pending
// timers and wipes every key generation. The session must not be used
// afterwards.
func (s *CallSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.rotator.Stop()
	s.recoverer.Stop()
	s.audioRing.Wipe()
	s.videoRing.Wipe()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"call_id":  s.callID.String(),
	}).Info("Call encryption session closed, key material wiped")
}
