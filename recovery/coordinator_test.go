package recovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securecall/crypto"
	"github.com/opd-ai/securecall/framecrypt"
	"github.com/opd-ai/securecall/keyring"
	"github.com/opd-ai/securecall/signaling"
)

// fakeNetwork routes packets between test endpoints and counts sends.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[signaling.Participant]map[byte]signaling.Handler
	counts   map[byte]int
	dropping bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		handlers: make(map[signaling.Participant]map[byte]signaling.Handler),
		counts:   make(map[byte]int),
	}
}

func (n *fakeNetwork) endpoint(self signaling.Participant) signaling.Transport {
	return &fakeEndpoint{net: n, self: self}
}

func (n *fakeNetwork) count(packetType byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[packetType]
}

// drop makes the network swallow all packets after counting them.
func (n *fakeNetwork) drop(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropping = on
}

type fakeEndpoint struct {
	net  *fakeNetwork
	self signaling.Participant
}

func (e *fakeEndpoint) Send(packetType byte, data []byte, to signaling.Participant) error {
	e.net.mu.Lock()
	e.net.counts[packetType]++
	dropping := e.net.dropping
	var handler signaling.Handler
	if hs, ok := e.net.handlers[to]; ok {
		handler = hs[packetType]
	}
	e.net.mu.Unlock()

	if dropping || handler == nil {
		return nil
	}
	return handler(data, e.self)
}

func (e *fakeEndpoint) RegisterHandler(packetType byte, handler signaling.Handler) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.net.handlers[e.self] == nil {
		e.net.handlers[e.self] = make(map[byte]signaling.Handler)
	}
	e.net.handlers[e.self][packetType] = handler
}

// fakeRoster is a fixed two-party directory.
type fakeRoster struct {
	self, host   signaling.Participant
	participants []signaling.Participant
	identities   map[signaling.ParticipantID]*crypto.Identity
}

func (r *fakeRoster) Self() signaling.Participant          { return r.self }
func (r *fakeRoster) Host() (signaling.Participant, error) { return r.host, nil }
func (r *fakeRoster) Participants() ([]signaling.Participant, error) {
	return r.participants, nil
}

func (r *fakeRoster) PublicKey(id signaling.ParticipantID) ([]byte, crypto.KeyType, error) {
	identity, ok := r.identities[id]
	if !ok {
		return nil, 0, errors.New("unknown participant")
	}
	return identity.PublicKeyBytes(), identity.Type, nil
}

// recoveryPair wires a host and one participant with recovery coordinators.
type recoveryPair struct {
	net    *fakeNetwork
	callID uuid.UUID

	host, member           signaling.Participant
	hostRings, memberRings []*keyring.Ring
	hostCoord, memberCoord *Coordinator
	memberIdentity         *crypto.Identity

	promotionsCancelledMu sync.Mutex
	promotionsCancelled   int
}

func newRecoveryPair(t *testing.T, config Config) *recoveryPair {
	t.Helper()

	hostIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	memberIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p := &recoveryPair{
		net:            newFakeNetwork(),
		callID:         uuid.New(),
		host:           signaling.Participant{ID: "host", Device: "host-dev"},
		member:         signaling.Participant{ID: "member", Device: "member-dev"},
		memberIdentity: memberIdentity,
	}

	identities := map[signaling.ParticipantID]*crypto.Identity{
		"host":   hostIdentity,
		"member": memberIdentity,
	}
	participants := []signaling.Participant{p.host, p.member}

	p.hostRings = []*keyring.Ring{keyring.New(keyring.ModalityAudio), keyring.New(keyring.ModalityVideo)}
	p.memberRings = []*keyring.Ring{keyring.New(keyring.ModalityAudio), keyring.New(keyring.ModalityVideo)}

	hostRoster := &fakeRoster{self: p.host, host: p.host, participants: participants, identities: identities}
	memberRoster := &fakeRoster{self: p.member, host: p.host, participants: participants, identities: identities}

	onApply := func() {
		p.promotionsCancelledMu.Lock()
		p.promotionsCancelled++
		p.promotionsCancelledMu.Unlock()
	}

	p.hostCoord = New(p.callID, hostIdentity, p.net.endpoint(p.host), hostRoster, p.hostRings, config, nil)
	p.memberCoord = New(p.callID, memberIdentity, p.net.endpoint(p.member), memberRoster, p.memberRings, config, onApply)
	return p
}

func (p *recoveryPair) cancelCount() int {
	p.promotionsCancelledMu.Lock()
	defer p.promotionsCancelledMu.Unlock()
	return p.promotionsCancelled
}

func fastConfig() Config {
	return Config{
		DedupeWindow:    50 * time.Millisecond,
		Cooldown:        100 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
	}
}

// TestRecoveryFullCycle verifies the end-to-end request/response flow:
// the member exhausts decryption, asks the host, and ends up on the
// host's current key with pending promotions cancelled.
func TestRecoveryFullCycle(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	hostKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.hostRings {
		r.SetCurrent(hostKey)
	}
	staleKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.memberRings {
		r.SetCurrent(staleKey)
	}

	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)

	require.Eventually(t, func() bool {
		current, ok := p.memberRings[0].Current()
		return ok && current == hostKey
	}, time.Second, 5*time.Millisecond, "member never received the host's current key")

	// Both modality rings get the recovered key, applied immediately.
	videoCurrent, _ := p.memberRings[1].Current()
	assert.Equal(t, hostKey, videoCurrent)

	// The stale key stays available as backup for in-flight packets.
	assert.Equal(t, staleKey, p.memberRings[0].Candidates()[1])

	assert.Equal(t, StateIdle, p.memberCoord.State())
	assert.Equal(t, 1, p.cancelCount(), "pending promotion cancel hook not invoked")
	assert.Equal(t, 1, p.net.count(signaling.PacketKeyRequest))
	assert.Equal(t, 1, p.net.count(signaling.PacketKeyResponse))
}

// TestRecoveryDedupe verifies two failures within the dedupe window
// produce exactly one outbound request.
func TestRecoveryDedupe(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())
	p.net.drop(true) // keep the request in flight

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.memberRings {
		r.SetCurrent(key)
	}

	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)
	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonVideoDecryptFailed)

	require.Eventually(t, func() bool {
		return p.net.count(signaling.PacketKeyRequest) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.net.count(signaling.PacketKeyRequest),
		"audio and video double-fired the key request")
	assert.Equal(t, StateRequesting, p.memberCoord.State())
}

// TestRecoveryRateLimit verifies a decrypt failure shortly after a
// completed cycle does not produce a new request until cooldown passes.
func TestRecoveryRateLimit(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	hostKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.hostRings {
		r.SetCurrent(hostKey)
	}
	for _, r := range p.memberRings {
		r.SetCurrent(hostKey)
	}

	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)
	require.Eventually(t, func() bool {
		return p.memberCoord.State() == StateIdle && p.net.count(signaling.PacketKeyResponse) == 1
	}, time.Second, 5*time.Millisecond, "first cycle never completed")

	// Within cooldown: suppressed.
	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.net.count(signaling.PacketKeyRequest), "request sent during cooldown")

	// After cooldown: allowed again.
	time.Sleep(fastConfig().Cooldown)
	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)
	require.Eventually(t, func() bool {
		return p.net.count(signaling.PacketKeyRequest) == 2
	}, time.Second, 5*time.Millisecond, "request not sent after cooldown elapsed")
}

// TestRecoverySuppressedOnHost verifies the host never asks itself.
func TestRecoverySuppressedOnHost(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	p.hostCoord.HandleDecryptFailure(framecrypt.ReasonAudioDecryptFailed)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, p.net.count(signaling.PacketKeyRequest))
	assert.Equal(t, StateIdle, p.hostCoord.State())
}

// TestRecoveryTimeout verifies an unanswered request is abandoned quietly
// and a later failure can retry immediately (no cooldown for timeouts).
func TestRecoveryTimeout(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())
	p.net.drop(true)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.memberRings {
		r.SetCurrent(key)
	}

	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonVideoDecryptFailed)
	require.Eventually(t, func() bool {
		return p.net.count(signaling.PacketKeyRequest) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.memberCoord.State() == StateIdle
	}, time.Second, 5*time.Millisecond, "request never timed out")

	// Timed-out cycle does not start the cooldown; retry is immediate.
	p.memberCoord.HandleDecryptFailure(framecrypt.ReasonVideoDecryptFailed)
	require.Eventually(t, func() bool {
		return p.net.count(signaling.PacketKeyRequest) == 2
	}, time.Second, 5*time.Millisecond, "retry after timeout was suppressed")
}

// TestStaleResponseRejected verifies a response for an old request ID is
// not applied.
func TestStaleResponseRejected(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	memberKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.memberRings {
		r.SetCurrent(memberKey)
	}

	staleKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(staleKey, p.memberIdentity.PublicKeyBytes(), p.memberIdentity.Type)
	require.NoError(t, err)

	data, err := signaling.SerializeKeyResponse(&signaling.KeyResponse{
		CallID:       p.callID,
		RequestID:    uuid.New(), // never issued
		Wrapped:      *wrapped,
		TargetID:     p.member.ID,
		TargetDevice: p.member.Device,
	})
	require.NoError(t, err)

	err = p.memberCoord.handleKeyResponse(data, p.host)
	assert.ErrorIs(t, err, ErrStaleResponse)

	current, _ := p.memberRings[0].Current()
	assert.Equal(t, memberKey, current, "stale response clobbered the current key")
}

// TestResponseWrongTargetRejected verifies responses for other devices are
// ignored.
func TestResponseWrongTargetRejected(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(key, p.memberIdentity.PublicKeyBytes(), p.memberIdentity.Type)
	require.NoError(t, err)

	data, err := signaling.SerializeKeyResponse(&signaling.KeyResponse{
		CallID:       p.callID,
		RequestID:    uuid.New(),
		Wrapped:      *wrapped,
		TargetID:     "someone-else",
		TargetDevice: "other-dev",
	})
	require.NoError(t, err)

	err = p.memberCoord.handleKeyResponse(data, p.host)
	assert.ErrorIs(t, err, ErrWrongTarget)
}

// TestKeyRequestToNonHostRejected verifies a non-host device refuses to
// serve key requests.
func TestKeyRequestToNonHostRejected(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	data, err := signaling.SerializeKeyRequest(&signaling.KeyRequest{
		CallID:          p.callID,
		RequestID:       uuid.New(),
		Reason:          framecrypt.ReasonAudioDecryptFailed,
		RequesterID:     p.host.ID,
		RequesterDevice: p.host.Device,
		IssuedAt:        time.Now(),
	})
	require.NoError(t, err)

	err = p.memberCoord.handleKeyRequest(data, p.host)
	assert.ErrorIs(t, err, ErrNotHost)
}

// TestRejoinRoundTrip verifies a rejoining member is keyed with the
// current call key via the rejoin messages.
func TestRejoinRoundTrip(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	hostKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	for _, r := range p.hostRings {
		r.SetCurrent(hostKey)
	}

	require.NoError(t, p.memberCoord.RequestRejoin())

	current, ok := p.memberRings[0].Current()
	require.True(t, ok, "rejoin did not key the member")
	assert.Equal(t, hostKey, current)
	assert.Equal(t, 1, p.net.count(signaling.PacketRejoinRequest))
	assert.Equal(t, 1, p.net.count(signaling.PacketRejoinAccept))
}

// TestHostWithoutKeyCannotServe verifies the host reports a missing
// current key instead of serving garbage.
func TestHostWithoutKeyCannotServe(t *testing.T) {
	p := newRecoveryPair(t, fastConfig())

	data, err := signaling.SerializeKeyRequest(&signaling.KeyRequest{
		CallID:          p.callID,
		RequestID:       uuid.New(),
		Reason:          framecrypt.ReasonAudioDecryptFailed,
		RequesterID:     p.member.ID,
		RequesterDevice: p.member.Device,
		IssuedAt:        time.Now(),
	})
	require.NoError(t, err)

	err = p.hostCoord.handleKeyRequest(data, p.member)
	assert.ErrorIs(t, err, ErrNoCurrentKey)
}
