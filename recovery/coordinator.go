package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
	"github.com/opd-ai/securecall/framecrypt"
	"github.com/opd-ai/securecall/keyring"
	"github.com/opd-ai/securecall/signaling"
)

// Sentinel errors for recovery operations.
var (
	// ErrNotHost indicates a key request reached a device that is not the
	// host and cannot serve it.
	ErrNotHost = errors.New("key request received by non-host device")

	// ErrWrongCall indicates a recovery message for a different call.
	ErrWrongCall = errors.New("recovery message for a different call")

	// ErrWrongTarget indicates a key response addressed to another device.
	ErrWrongTarget = errors.New("key response addressed to a different device")

	// ErrStaleResponse indicates a response whose request ID no longer
	// matches the in-flight request; applying it could clobber a fresher
	// key, so it is rejected.
	ErrStaleResponse = errors.New("key response does not match in-flight request")

	// ErrNoCurrentKey indicates the host has no session key to serve yet.
	ErrNoCurrentKey = errors.New("no current session key to distribute")
)

// State is the recovery state machine position.
type State uint8

const (
	// StateIdle means no key request is outstanding.
	StateIdle State = iota
	// StateRequesting means a key request is in flight.
	StateRequesting
)

// Config holds the recovery protocol timing parameters.
type Config struct {
	// DedupeWindow suppresses repeated failure signals while a request is
	// already in flight, so audio and video cannot double-fire.
	DedupeWindow time.Duration
	// Cooldown blocks new requests after a completed request/response
	// cycle.
	Cooldown time.Duration
	// ResponseTimeout abandons a request that got no response.
	ResponseTimeout time.Duration
}

// DefaultConfig returns the standard recovery timing.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:    1 * time.Second,
		Cooldown:        3 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// Coordinator runs the per-device, per-call key recovery protocol and the
// host side that answers it.
type Coordinator struct {
	callID    uuid.UUID
	identity  *crypto.Identity
	transport signaling.Transport
	roster    signaling.Roster
	rings     []*keyring.Ring
	config    Config
	clock     crypto.TimeProvider

	// onApply runs after a recovered key is installed as current, letting
	// the caller cancel a pending scheduled promotion that would otherwise
	// clobber the fresher key.
	onApply func()

	mu            sync.Mutex
	state         State
	inflightID    uuid.UUID
	lastSignal    time.Time
	lastCompleted time.Time
	timeoutTimer  *time.Timer
}

// New creates a recovery coordinator for one call and registers its
// message handlers on the transport. onApply may be nil.
func New(callID uuid.UUID, identity *crypto.Identity, transport signaling.Transport,
	roster signaling.Roster, rings []*keyring.Ring, config Config, onApply func(),
) *Coordinator {
	c := &Coordinator{
		callID:    callID,
		identity:  identity,
		transport: transport,
		roster:    roster,
		rings:     rings,
		config:    config,
		clock:     crypto.DefaultTimeProvider{},
		onApply:   onApply,
	}
	transport.RegisterHandler(signaling.PacketKeyRequest, c.handleKeyRequest)
	transport.RegisterHandler(signaling.PacketKeyResponse, c.handleKeyResponse)
	transport.RegisterHandler(signaling.PacketRejoinRequest, c.handleRejoinRequest)
	transport.RegisterHandler(signaling.PacketRejoinAccept, c.handleRejoinAccept)
	return c
}

// SetTimeProvider replaces the coordinator's clock for deterministic
// testing. Pass nil to reset to the default implementation.
func (c *Coordinator) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = tp
}

// State returns the current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop cancels any outstanding request timer. Called at call teardown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimeoutLocked()
	c.state = StateIdle
}

func (c *Coordinator) isHost() bool {
	host, err := c.roster.Host()
	if err != nil {
		return false
	}
	self := c.roster.Self()
	return host.ID == self.ID && host.Device == self.Device
}

// HandleDecryptFailure is the codec failure hook. It decides synchronously
// whether a request should go out (dedupe, rate limit, host suppression)
// and performs the network send on a separate goroutine so the media
// callback thread never blocks on I/O.
func (c *Coordinator) HandleDecryptFailure(reason framecrypt.Reason) {
	if c.isHost() {
		// The host has no one to ask.
		logrus.WithFields(logrus.Fields{
			"function": "HandleDecryptFailure",
			"call_id":  c.callID.String(),
			"reason":   reason.String(),
		}).Debug("Decrypt failure on host device, recovery suppressed")
		return
	}

	c.mu.Lock()
	now := c.clock.Now()

	if c.state == StateRequesting {
		if now.Sub(c.lastSignal) <= c.config.DedupeWindow {
			c.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "HandleDecryptFailure",
				"call_id":  c.callID.String(),
				"reason":   reason.String(),
			}).Debug("Duplicate failure signal within dedupe window, ignored")
			return
		}
		// Still requesting outside the dedupe window: one request at a time.
		c.lastSignal = now
		c.mu.Unlock()
		return
	}

	if !c.lastCompleted.IsZero() && now.Sub(c.lastCompleted) < c.config.Cooldown {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandleDecryptFailure",
			"call_id":  c.callID.String(),
			"reason":   reason.String(),
		}).Debug("Recovery in cooldown, request suppressed")
		return
	}

	c.state = StateRequesting
	c.inflightID = uuid.New()
	c.lastSignal = now
	requestID := c.inflightID
	c.mu.Unlock()

	go c.sendRequest(reason, requestID, now)
}

// sendRequest resolves the host and sends the key request, arming the
// response timeout. Runs off the media thread.
func (c *Coordinator) sendRequest(reason framecrypt.Reason, requestID uuid.UUID, issuedAt time.Time) {
	host, err := c.roster.Host()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRequest",
			"call_id":  c.callID.String(),
			"error":    err.Error(),
		}).Error("Failed to resolve host for key request")
		c.abandon(requestID)
		return
	}

	self := c.roster.Self()
	data, err := signaling.SerializeKeyRequest(&signaling.KeyRequest{
		CallID:          c.callID,
		RequestID:       requestID,
		Reason:          reason,
		RequesterID:     self.ID,
		RequesterDevice: self.Device,
		IssuedAt:        issuedAt,
	})
	if err != nil {
		c.abandon(requestID)
		return
	}

	c.mu.Lock()
	c.cancelTimeoutLocked()
	c.timeoutTimer = time.AfterFunc(c.config.ResponseTimeout, func() { c.abandon(requestID) })
	c.mu.Unlock()

	if err := c.transport.Send(signaling.PacketKeyRequest, data, host); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRequest",
			"call_id":  c.callID.String(),
			"error":    err.Error(),
		}).Warn("Failed to send key request, abandoning")
		c.abandon(requestID)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "sendRequest",
		"call_id":    c.callID.String(),
		"request_id": requestID.String(),
		"reason":     reason.String(),
	}).Info("Key request sent to host")
}

// abandon returns to idle if the given request is still in flight. Not an
// error path for the call: the next decrypt failure retries.
func (c *Coordinator) abandon(requestID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRequesting || c.inflightID != requestID {
		return
	}
	c.state = StateIdle
	c.inflightID = uuid.UUID{}
	c.cancelTimeoutLocked()

	logrus.WithFields(logrus.Fields{
		"function":   "abandon",
		"call_id":    c.callID.String(),
		"request_id": requestID.String(),
	}).Warn("Key request abandoned without response")
}

func (c *Coordinator) cancelTimeoutLocked() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
}

// handleKeyRequest is the host side: wrap the current session key for the
// requester and send it back.
func (c *Coordinator) handleKeyRequest(data []byte, from signaling.Participant) error {
	req, err := signaling.DeserializeKeyRequest(data)
	if err != nil {
		return err
	}
	if req.CallID != c.callID {
		return ErrWrongCall
	}
	if !c.isHost() {
		return ErrNotHost
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleKeyRequest",
		"call_id":   c.callID.String(),
		"requester": string(req.RequesterID),
		"reason":    req.Reason.String(),
	}).Info("Serving key request")

	wrapped, err := c.wrapCurrentFor(req.RequesterID)
	if err != nil {
		return err
	}

	respData, err := signaling.SerializeKeyResponse(&signaling.KeyResponse{
		CallID:       c.callID,
		RequestID:    req.RequestID,
		Wrapped:      *wrapped,
		TargetID:     req.RequesterID,
		TargetDevice: req.RequesterDevice,
	})
	if err != nil {
		return err
	}

	to := signaling.Participant{ID: req.RequesterID, Device: req.RequesterDevice}
	return c.transport.Send(signaling.PacketKeyResponse, respData, to)
}

// wrapCurrentFor wraps the call's current session key for one participant.
func (c *Coordinator) wrapCurrentFor(id signaling.ParticipantID) (*crypto.WrappedKey, error) {
	key, ok := c.rings[0].Current()
	if !ok {
		return nil, ErrNoCurrentKey
	}

	pub, keyType, err := c.roster.PublicKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve public key for %s: %w", id, err)
	}
	return crypto.WrapKey(key, pub, keyType)
}

// handleKeyResponse is the requester side: verify addressing and the
// in-flight request ID, unwrap, and apply the key immediately.
func (c *Coordinator) handleKeyResponse(data []byte, from signaling.Participant) error {
	resp, err := signaling.DeserializeKeyResponse(data)
	if err != nil {
		return err
	}
	if resp.CallID != c.callID {
		return ErrWrongCall
	}

	self := c.roster.Self()
	if resp.TargetID != self.ID || resp.TargetDevice != self.Device {
		return ErrWrongTarget
	}

	key, err := crypto.UnwrapKey(c.identity, &resp.Wrapped)
	if err != nil {
		return fmt.Errorf("failed to unwrap recovered key: %w", err)
	}

	c.mu.Lock()
	// An old response arriving after a newer request (or after a rotation
	// already moved on) must not clobber fresher state.
	if c.state != StateRequesting || c.inflightID != resp.RequestID {
		c.mu.Unlock()
		return ErrStaleResponse
	}
	c.state = StateIdle
	c.inflightID = uuid.UUID{}
	c.lastCompleted = c.clock.Now()
	c.cancelTimeoutLocked()
	c.mu.Unlock()

	c.applyRecoveredKey(key)

	logrus.WithFields(logrus.Fields{
		"function":   "handleKeyResponse",
		"call_id":    c.callID.String(),
		"request_id": resp.RequestID.String(),
	}).Info("Recovered session key applied")
	return nil
}

// applyRecoveredKey installs the key as current on every ring — immediate
// apply, not a scheduled rotation — and cancels pending promotions.
func (c *Coordinator) applyRecoveredKey(key crypto.Key) {
	for _, ring := range c.rings {
		ring.SetCurrent(key)
	}
	if c.onApply != nil {
		c.onApply()
	}
}

// RequestRejoin asks the host to key this device back into an ongoing
// call.
func (c *Coordinator) RequestRejoin() error {
	host, err := c.roster.Host()
	if err != nil {
		return fmt.Errorf("failed to resolve host: %w", err)
	}

	self := c.roster.Self()
	data, err := signaling.SerializeRejoinRequest(&signaling.RejoinRequest{
		CallID:      c.callID,
		Participant: self.ID,
		Device:      self.Device,
	})
	if err != nil {
		return err
	}
	return c.transport.Send(signaling.PacketRejoinRequest, data, host)
}

// handleRejoinRequest is the host side of rejoin: wrap the current key for
// the rejoining participant, reusing the recovery wrap path.
func (c *Coordinator) handleRejoinRequest(data []byte, from signaling.Participant) error {
	req, err := signaling.DeserializeRejoinRequest(data)
	if err != nil {
		return err
	}
	if req.CallID != c.callID {
		return ErrWrongCall
	}
	if !c.isHost() {
		return ErrNotHost
	}

	wrapped, err := c.wrapCurrentFor(req.Participant)
	if err != nil {
		return err
	}

	accData, err := signaling.SerializeRejoinAccept(&signaling.RejoinAccept{
		CallID:       c.callID,
		Wrapped:      *wrapped,
		TargetID:     req.Participant,
		TargetDevice: req.Device,
	})
	if err != nil {
		return err
	}

	to := signaling.Participant{ID: req.Participant, Device: req.Device}
	return c.transport.Send(signaling.PacketRejoinAccept, accData, to)
}

// handleRejoinAccept applies a rejoin key like a recovery response, minus
// the request ID gate.
func (c *Coordinator) handleRejoinAccept(data []byte, from signaling.Participant) error {
	acc, err := signaling.DeserializeRejoinAccept(data)
	if err != nil {
		return err
	}
	if acc.CallID != c.callID {
		return ErrWrongCall
	}

	self := c.roster.Self()
	if acc.TargetID != self.ID || acc.TargetDevice != self.Device {
		return ErrWrongTarget
	}

	key, err := crypto.UnwrapKey(c.identity, &acc.Wrapped)
	if err != nil {
		return fmt.Errorf("failed to unwrap rejoin key: %w", err)
	}

	c.applyRecoveredKey(key)

	logrus.WithFields(logrus.Fields{
		"function": "handleRejoinAccept",
		"call_id":  c.callID.String(),
	}).Info("Rejoin key applied")
	return nil
}
