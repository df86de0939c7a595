// Package kms manages the TPC envelope signing keys.
//
// Keys are derived per epoch from a shared master secret with HKDF-SHA256, so
// peers holding the same master agree on every epoch key without exchanging
// it. Key IDs have the form "k<epoch>". Timed rotation advances the epoch at
// multiples of the interval since the Unix epoch, so peers started at
// different times rotate together. A signature budget can force an earlier
// rotation. The previous key keeps verifying for a grace window.
package kms

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of a derived signing key.
	KeySize = 32
	kdfSalt = "clawtalk-tpc-kdf"
)

// ErrUnknownKey is returned for key IDs outside the accepted window.
var ErrUnknownKey = errors.New("kms: unknown or expired key id")

// RotationConfig controls when keys rotate.
type RotationConfig struct {
	// Interval rotates on a wall-clock schedule. Zero disables timed rotation.
	Interval time.Duration `yaml:"interval" toml:"interval"`
	// MaxUses rotates after this many signatures. Zero disables it.
	MaxUses int `yaml:"max_uses" toml:"max_uses"`
	// Grace is how long the previous key verifies after a rotation.
	Grace time.Duration `yaml:"grace" toml:"grace"`
}

// KeyMaterial is a snapshot of the active keys.
type KeyMaterial struct {
	CurrentKeyID     string
	CurrentKey       []byte
	PreviousKeyID    string
	PreviousKey      []byte
	RotatedAt        time.Time
	RotationInterval time.Duration
}

// Manager hands out signing keys and resolves verification keys. It is safe
// for concurrent use.
type Manager struct {
	mu        sync.Mutex
	master    []byte
	cfg       RotationConfig
	epoch     uint64
	rotatedAt time.Time
	uses      int
	clock     func() time.Time
	onRotate  func(from, to string)
	logger    *slog.Logger
}

// NewManager creates a manager over master. With a timed interval the first
// epoch is the number of whole intervals since the Unix epoch, so peers
// started at different times still agree.
func NewManager(master []byte, cfg RotationConfig) (*Manager, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("kms: master secret must be at least 16 bytes, got %d", len(master))
	}
	m := &Manager{
		master: append([]byte(nil), master...),
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "kms"),
	}
	m.reset()
	return m, nil
}

// WithClock overrides the clock for deterministic testing and re-derives the
// starting epoch.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	m.clock = clock
	m.reset()
	m.mu.Unlock()
	return m
}

// OnRotate registers a callback run after every rotation. It runs with the
// manager lock released.
func (m *Manager) OnRotate(fn func(from, to string)) {
	m.mu.Lock()
	m.onRotate = fn
	m.mu.Unlock()
}

func (m *Manager) reset() {
	now := m.clock()
	m.epoch = m.scheduledEpoch(now)
	if m.epoch == 0 {
		m.epoch = 1
	}
	m.rotatedAt = m.epochStart(m.epoch, now)
	m.uses = 0
}

// epochStart is the interval boundary that began epoch when epoch is the
// scheduled one at now. Otherwise the rotation was forced and starts now.
func (m *Manager) epochStart(epoch uint64, now time.Time) time.Time {
	if m.cfg.Interval <= 0 || m.scheduledEpoch(now) != epoch {
		return now
	}
	return time.Unix(0, int64(epoch)*int64(m.cfg.Interval))
}

func (m *Manager) scheduledEpoch(now time.Time) uint64 {
	if m.cfg.Interval <= 0 || now.UnixNano() <= 0 {
		return 0
	}
	return uint64(now.UnixNano() / int64(m.cfg.Interval))
}

// UpdateConfig replaces the rotation settings. The current epoch is kept.
func (m *Manager) UpdateConfig(cfg RotationConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// KeyID formats an epoch as a key ID.
func KeyID(epoch uint64) string { return "k" + strconv.FormatUint(epoch, 10) }

// ParseKeyID returns the epoch encoded in id.
func ParseKeyID(id string) (uint64, error) {
	rest, ok := strings.CutPrefix(id, "k")
	if !ok {
		return 0, fmt.Errorf("kms: malformed key id %q", id)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("kms: malformed key id %q", id)
	}
	return n, nil
}

func (m *Manager) derive(epoch uint64) []byte {
	r := hkdf.New(sha256.New, m.master, []byte(kdfSalt), []byte(KeyID(epoch)))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(fmt.Sprintf("kms: hkdf: %v", err))
	}
	return key
}

// SigningKey returns the key ID and key for the next signature, rotating
// first when the interval has elapsed or the use budget is spent.
func (m *Manager) SigningKey() (string, []byte) {
	m.mu.Lock()
	now := m.clock()
	var rotations [][2]string
	if m.dueLocked(now) {
		from, to := m.rotateLocked(now, m.epoch+1)
		rotations = append(rotations, [2]string{from, to})
	}
	m.uses++
	id, key := KeyID(m.epoch), m.derive(m.epoch)
	cb := m.onRotate
	m.mu.Unlock()

	notify(cb, rotations)
	return id, key
}

func (m *Manager) dueLocked(now time.Time) bool {
	if m.cfg.MaxUses > 0 && m.uses >= m.cfg.MaxUses {
		return true
	}
	return m.timedDueLocked(now)
}

// timedDueLocked reports whether the wall clock has crossed into a later
// epoch. Boundaries are shared by every peer, whatever its start time.
func (m *Manager) timedDueLocked(now time.Time) bool {
	return m.cfg.Interval > 0 && m.scheduledEpoch(now) > m.epoch
}

func (m *Manager) rotateLocked(now time.Time, next uint64) (string, string) {
	if s := m.scheduledEpoch(now); s > next {
		next = s
	}
	from := KeyID(m.epoch)
	m.epoch = next
	m.rotatedAt = m.epochStart(next, now)
	m.uses = 0
	to := KeyID(m.epoch)
	m.logger.Info("signing key rotated", "from", from, "to", to)
	return from, to
}

// Rotate forces a rotation and returns the new key ID.
func (m *Manager) Rotate() string {
	m.mu.Lock()
	from, to := m.rotateLocked(m.clock(), m.epoch+1)
	cb := m.onRotate
	m.mu.Unlock()
	notify(cb, [][2]string{{from, to}})
	return to
}

// VerificationKey resolves id to a key. The current key is always accepted,
// the previous one only within the grace window. A key one epoch ahead means
// the sender rotated first; the manager catches up and accepts it.
func (m *Manager) VerificationKey(id string) ([]byte, error) {
	epoch, err := ParseKeyID(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	now := m.clock()
	var rotations [][2]string
	if m.timedDueLocked(now) {
		from, to := m.rotateLocked(now, m.epoch+1)
		rotations = append(rotations, [2]string{from, to})
	}
	switch {
	case epoch == m.epoch:
	case epoch+1 == m.epoch && now.Before(m.rotatedAt.Add(m.cfg.Grace)):
	case epoch == m.epoch+1:
		from, to := m.rotateLocked(now, epoch)
		rotations = append(rotations, [2]string{from, to})
	default:
		cb := m.onRotate
		m.mu.Unlock()
		notify(cb, rotations)
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	key := m.derive(epoch)
	cb := m.onRotate
	m.mu.Unlock()

	notify(cb, rotations)
	return key, nil
}

func notify(cb func(from, to string), rotations [][2]string) {
	if cb == nil {
		return
	}
	for _, r := range rotations {
		cb(r[0], r[1])
	}
}

// Material returns a snapshot of the current and previous keys.
func (m *Manager) Material() KeyMaterial {
	m.mu.Lock()
	defer m.mu.Unlock()
	km := KeyMaterial{
		CurrentKeyID:     KeyID(m.epoch),
		CurrentKey:       m.derive(m.epoch),
		RotatedAt:        m.rotatedAt,
		RotationInterval: m.cfg.Interval,
	}
	if m.epoch > 1 {
		km.PreviousKeyID = KeyID(m.epoch - 1)
		km.PreviousKey = m.derive(m.epoch - 1)
	}
	return km
}
