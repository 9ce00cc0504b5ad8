package keyring

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securecall/crypto"
)

// ErrNoFutureKey indicates a promotion was requested while no unexpired
// future key is installed. The caller stays on the old key; Recovery will
// catch the device up if decryption starts failing.
var ErrNoFutureKey = errors.New("no future key to promote")

// Modality identifies which media pipeline a ring serves.
type Modality uint8

const (
	// ModalityAudio is the real-time audio pipeline.
	ModalityAudio Modality = iota
	// ModalityVideo is the video pipeline.
	ModalityVideo
)

// String returns a human-readable modality name for logging.
func (m Modality) String() string {
	switch m {
	case ModalityAudio:
		return "audio"
	case ModalityVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Retention holds how long non-current key generations stay usable for
// decryption.
type Retention struct {
	Backup time.Duration
	Future time.Duration
}

// DefaultRetention returns the per-modality retention windows. Video keeps
// the backup key longer than audio because its pipeline buffers more
// deeply around a rotation boundary.
func DefaultRetention(m Modality) Retention {
	if m == ModalityVideo {
		return Retention{Backup: 120 * time.Second, Future: 60 * time.Second}
	}
	return Retention{Backup: 30 * time.Second, Future: 60 * time.Second}
}

// Ring stores the current, backup and future generations of one call's
// session key for one modality.
//
// All access is serialized through the ring's own lock, so rotation and
// recovery (control path) can race decryption (media callback threads)
// safely. No I/O happens under the lock.
type Ring struct {
	modality  Modality
	retention Retention

	mu sync.RWMutex

	current    crypto.Key
	hasCurrent bool

	backup      crypto.Key
	hasBackup   bool
	backupSetAt time.Time

	future      crypto.Key
	hasFuture   bool
	futureSetAt time.Time

	clock crypto.TimeProvider
}

// New creates an empty ring for the given modality with its default
// retention windows.
func New(m Modality) *Ring {
	return &Ring{
		modality:  m,
		retention: DefaultRetention(m),
		clock:     crypto.DefaultTimeProvider{},
	}
}

// SetRetention overrides the default retention windows. Intended for
// configuration at call setup, before media flows.
func (r *Ring) SetRetention(ret Retention) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retention = ret
}

// SetTimeProvider replaces the ring's clock for deterministic testing.
// Pass nil to reset to the default implementation.
func (r *Ring) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = tp
}

// Modality returns which media pipeline this ring serves.
func (r *Ring) Modality() Modality {
	return r.modality
}

// SetCurrent installs a new current key. The key being replaced becomes
// the backup unconditionally, overwriting and wiping any backup that
// already existed, and any pending future key is cleared. This is the only
// way the current generation changes.
func (r *Ring) SetCurrent(key crypto.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCurrentLocked(key)

	logrus.WithFields(logrus.Fields{
		"function": "SetCurrent",
		"modality": r.modality.String(),
		"backup":   r.hasBackup,
	}).Debug("Session key rotated to new current")
}

func (r *Ring) setCurrentLocked(key crypto.Key) {
	if r.hasCurrent {
		crypto.WipeKey(&r.backup)
		r.backup = r.current
		r.hasBackup = true
		r.backupSetAt = r.clock.Now()
	}
	r.current = key
	r.hasCurrent = true

	r.clearFutureLocked()
}

// SetFuture installs the key a scheduled rotation will activate, so
// early-arriving packets sealed under it already decrypt. Any previously
// pending future key is wiped and replaced.
func (r *Ring) SetFuture(key crypto.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	crypto.WipeKey(&r.future)
	r.future = key
	r.hasFuture = true
	r.futureSetAt = r.clock.Now()

	logrus.WithFields(logrus.Fields{
		"function": "SetFuture",
		"modality": r.modality.String(),
	}).Debug("Future session key installed")
}

// Promote activates the pending future key as current. Returns
// ErrNoFutureKey if no unexpired future key is installed, in which case
// the ring stays on the old key.
func (r *Ring) Promote() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasFuture || r.clock.Since(r.futureSetAt) > r.retention.Future {
		r.evictFutureLocked()
		logrus.WithFields(logrus.Fields{
			"function": "Promote",
			"modality": r.modality.String(),
		}).Warn("Promotion requested with no usable future key, staying on old key")
		return ErrNoFutureKey
	}

	key := r.future
	// Detach before setCurrentLocked so the promoted key is not wiped by
	// the future-clearing step.
	r.future = crypto.Key{}
	r.hasFuture = false
	r.setCurrentLocked(key)

	logrus.WithFields(logrus.Fields{
		"function": "Promote",
		"modality": r.modality.String(),
	}).Debug("Future key promoted to current")
	return nil
}

// Current returns the current key, reporting false if the ring has not
// been seeded yet.
func (r *Ring) Current() (crypto.Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.hasCurrent
}

// Candidates returns the keys to try for decryption, ordered current,
// backup, future — matching the statistical likelihood of packet timing
// relative to a rotation. Expired backup and future generations are
// evicted and wiped as a side effect of this read.
func (r *Ring) Candidates() []crypto.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasBackup && r.clock.Since(r.backupSetAt) > r.retention.Backup {
		r.evictBackupLocked()
	}
	if r.hasFuture && r.clock.Since(r.futureSetAt) > r.retention.Future {
		r.evictFutureLocked()
	}

	keys := make([]crypto.Key, 0, 3)
	if r.hasCurrent {
		keys = append(keys, r.current)
	}
	if r.hasBackup {
		keys = append(keys, r.backup)
	}
	if r.hasFuture {
		keys = append(keys, r.future)
	}
	return keys
}

// Wipe zeroes every generation. Called at call teardown.
func (r *Ring) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	crypto.WipeKey(&r.current)
	r.hasCurrent = false
	r.evictBackupLocked()
	r.evictFutureLocked()

	logrus.WithFields(logrus.Fields{
		"function": "Wipe",
		"modality": r.modality.String(),
	}).Debug("All session key generations wiped")
}

func (r *Ring) clearFutureLocked() {
	crypto.WipeKey(&r.future)
	r.hasFuture = false
	r.futureSetAt = time.Time{}
}

func (r *Ring) evictBackupLocked() {
	crypto.WipeKey(&r.backup)
	r.hasBackup = false
	r.backupSetAt = time.Time{}
}

func (r *Ring) evictFutureLocked() {
	r.clearFutureLocked()
}
