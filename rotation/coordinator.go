package rotation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
	"github.com/opd-ai/securecall/keyring"
	"github.com/opd-ai/securecall/signaling"
)

// Sentinel errors for rotation operations.
var (
	// ErrNotHost indicates a host-only operation on a non-host device.
	ErrNotHost = errors.New("this device is not the rotation host")

	// ErrAlreadyRunning indicates the rotation loop was started twice.
	ErrAlreadyRunning = errors.New("rotation loop already running")

	// ErrWrongCall indicates a rotation message for a different call.
	ErrWrongCall = errors.New("rotation message for a different call")

	// ErrNotFromHost indicates a rotation message from a non-host sender.
	ErrNotFromHost = errors.New("rotation message not sent by the host")
)

// State is the host-side rotation state machine position.
type State uint8

const (
	// StateIdle means no rotation round is in progress.
	StateIdle State = iota
	// StateGenerating means a fresh key is being generated.
	StateGenerating
	// StateDistributing means wrapped keys are being sent to participants.
	StateDistributing
	// StateScheduled means the new key awaits its activation timestamp.
	StateScheduled
)

// Config holds the rotation timing parameters.
type Config struct {
	// Interval is how often the host rotates the call key.
	Interval time.Duration
	// ActivationLead is how far in the future the activation timestamp is
	// set, giving every participant time to receive the wrapped key.
	ActivationLead time.Duration
}

// DefaultConfig returns the standard rotation timing.
func DefaultConfig() Config {
	return Config{
		Interval:       300 * time.Second,
		ActivationLead: 10 * time.Second,
	}
}

// Coordinator drives key rotation for one call. On the host it runs the
// generate/distribute/schedule loop; on every device it consumes rotation
// messages and schedules local promotion.
type Coordinator struct {
	callID    uuid.UUID
	identity  *crypto.Identity
	transport signaling.Transport
	roster    signaling.Roster
	rings     []*keyring.Ring
	config    Config
	clock     crypto.TimeProvider

	mu           sync.Mutex
	state        State
	running      bool
	stop         chan struct{}
	promoteTimer *time.Timer
}

// New creates a rotation coordinator for one call and registers its
// message handler on the transport. rings are the per-modality key rings
// the rotated key is applied to.
func New(callID uuid.UUID, identity *crypto.Identity, transport signaling.Transport,
	roster signaling.Roster, rings []*keyring.Ring, config Config,
) *Coordinator {
	c := &Coordinator{
		callID:    callID,
		identity:  identity,
		transport: transport,
		roster:    roster,
		rings:     rings,
		config:    config,
		clock:     crypto.DefaultTimeProvider{},
	}
	transport.RegisterHandler(signaling.PacketKeyRotation, c.handleRotationPacket)
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

// isHost reports whether the local device is the call's rotation host.
func (c *Coordinator) isHost() bool {
	host, err := c.roster.Host()
	if err != nil {
		return false
	}
	self := c.roster.Self()
	return host.ID == self.ID && host.Device == self.Device
}

// Start begins the periodic rotation loop. Host only; non-host devices
// get ErrNotHost and simply consume rotation messages instead.
func (c *Coordinator) Start() error {
	if !c.isHost() {
		return ErrNotHost
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stop = make(chan struct{})
	stop := c.stop
	interval := c.config.Interval
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"call_id":  c.callID.String(),
		"interval": interval,
	}).Info("Rotation loop started")

	go c.run(stop, interval)
	return nil
}

func (c *Coordinator) run(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.RotateNow(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"call_id":  c.callID.String(),
					"error":    err.Error(),
				}).Error("Rotation round failed, will retry next interval")
			}
		}
	}
}

// Stop halts the rotation loop and cancels any pending promotion.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.running {
		close(c.stop)
		c.running = false
	}
	c.cancelPromotionLocked()
	c.state = StateIdle
	c.mu.Unlock()
}

// RotateNow runs one full rotation round: generate a fresh key, wrap and
// distribute it to every participant, install it locally as the future
// generation and schedule promotion at the shared activation timestamp.
// Host only.
func (c *Coordinator) RotateNow() error {
	if !c.isHost() {
		return ErrNotHost
	}

	c.setState(StateGenerating)
	key, err := crypto.GenerateKey()
	if err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("failed to generate rotation key: %w", err)
	}

	c.setState(StateDistributing)
	activation := c.clock.Now().Add(c.config.ActivationLead)
	if err := c.distribute(key, activation); err != nil {
		c.setState(StateIdle)
		return err
	}

	c.installFuture(key, activation)
	c.setState(StateScheduled)

	logrus.WithFields(logrus.Fields{
		"function":   "RotateNow",
		"call_id":    c.callID.String(),
		"activation": activation,
	}).Info("Rotation round distributed and scheduled")
	return nil
}

// distribute wraps the new key for every remote participant and sends one
// rotation message each. A malformed participant key aborts the round; a
// transient send failure skips that participant and continues.
func (c *Coordinator) distribute(key crypto.Key, activation time.Time) error {
	participants, err := c.roster.Participants()
	if err != nil {
		return fmt.Errorf("failed to resolve participants: %w", err)
	}

	self := c.roster.Self()
	for _, p := range participants {
		if p.ID == self.ID && p.Device == self.Device {
			continue
		}

		pub, keyType, err := c.roster.PublicKey(p.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve public key for %s: %w", p.ID, err)
		}

		wrapped, err := crypto.WrapKey(key, pub, keyType)
		if err != nil {
			return fmt.Errorf("failed to wrap rotation key for %s: %w", p.ID, err)
		}

		data, err := signaling.SerializeKeyRotation(&signaling.KeyRotation{
			CallID:         c.callID,
			Wrapped:        *wrapped,
			ActivationTime: activation,
		})
		if err != nil {
			return err
		}

		if err := c.transport.Send(signaling.PacketKeyRotation, data, p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "distribute",
				"call_id":     c.callID.String(),
				"participant": string(p.ID),
				"error":       err.Error(),
			}).Warn("Failed to send rotation message, participant will recover via key request")
		}
	}
	return nil
}

// installFuture stores the rotated key on every ring and schedules its
// promotion.
func (c *Coordinator) installFuture(key crypto.Key, activation time.Time) {
	for _, ring := range c.rings {
		ring.SetFuture(key)
	}
	c.schedulePromotion(activation)
}

// schedulePromotion arms the promotion timer, replacing any pending one.
func (c *Coordinator) schedulePromotion(activation time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelPromotionLocked()

	delay := activation.Sub(c.clock.Now())
	if delay < 0 {
		delay = 0
	}
	c.promoteTimer = time.AfterFunc(delay, c.promote)
}

// CancelPendingPromotion drops any scheduled promotion. Called when a
// fresher current key arrives through recovery so a stale scheduled key
// cannot clobber it.
func (c *Coordinator) CancelPendingPromotion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPromotionLocked()
	if c.state == StateScheduled {
		c.state = StateIdle
	}
}

func (c *Coordinator) cancelPromotionLocked() {
	if c.promoteTimer != nil {
		c.promoteTimer.Stop()
		c.promoteTimer = nil
	}
}

// promote activates the pending future key on every ring. A ring whose
// future key never arrived or already expired stays on its old key; the
// device catches up through recovery when decryption starts failing.
func (c *Coordinator) promote() {
	for _, ring := range c.rings {
		if err := ring.Promote(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "promote",
				"call_id":  c.callID.String(),
				"modality": ring.Modality().String(),
			}).Warn("No future key at activation time, staying on old key")
		}
	}
	c.setState(StateIdle)
}

// handleRotationPacket consumes a rotation message on a non-host device:
// verify the sender is the host, unwrap, install as future and schedule
// local promotion at the embedded timestamp.
func (c *Coordinator) handleRotationPacket(data []byte, from signaling.Participant) error {
	msg, err := signaling.DeserializeKeyRotation(data)
	if err != nil {
		return err
	}
	if msg.CallID != c.callID {
		return ErrWrongCall
	}

	host, err := c.roster.Host()
	if err != nil {
		return fmt.Errorf("failed to resolve host: %w", err)
	}
	if from.ID != host.ID {
		logrus.WithFields(logrus.Fields{
			"function": "handleRotationPacket",
			"call_id":  c.callID.String(),
			"from":     string(from.ID),
		}).Warn("Dropping rotation message from non-host sender")
		return ErrNotFromHost
	}

	key, err := crypto.UnwrapKey(c.identity, &msg.Wrapped)
	if err != nil {
		return fmt.Errorf("failed to unwrap rotation key: %w", err)
	}

	c.installFuture(key, msg.ActivationTime)

	logrus.WithFields(logrus.Fields{
		"function":   "handleRotationPacket",
		"call_id":    c.callID.String(),
		"activation": msg.ActivationTime,
	}).Debug("Rotation key installed, promotion scheduled")
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
