package kms

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, cfg RotationConfig) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(0, 0).Add(100 * time.Hour)}
	m, err := NewManager(testMaster, cfg)
	require.NoError(t, err)
	return m.WithClock(clk.Now), clk
}

func TestNewManager_ShortMaster(t *testing.T) {
	_, err := NewManager([]byte("short"), RotationConfig{})
	assert.Error(t, err)
}

func TestManager_PeersAgree(t *testing.T) {
	cfg := RotationConfig{Interval: time.Hour}
	a, _ := newManager(t, cfg)
	b, _ := newManager(t, cfg)

	idA, keyA := a.SigningKey()
	assert.Equal(t, "k100", idA)
	keyB, err := b.VerificationKey(idA)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
	assert.Len(t, keyA, KeySize)

	other, err := NewManager([]byte("fedcba9876543210fedcba9876543210"), cfg)
	require.NoError(t, err)
	_, keyC := other.WithClock(func() time.Time { return time.Unix(0, 0).Add(100 * time.Hour) }).SigningKey()
	assert.NotEqual(t, keyA, keyC, "different masters derive different keys")
}

func TestManager_RotatesAfterMaxUses(t *testing.T) {
	m, _ := newManager(t, RotationConfig{MaxUses: 2})
	id1, _ := m.SigningKey()
	id2, _ := m.SigningKey()
	id3, key3 := m.SigningKey()
	assert.Equal(t, "k1", id1)
	assert.Equal(t, "k1", id2)
	assert.Equal(t, "k2", id3)

	got, err := m.VerificationKey("k2")
	require.NoError(t, err)
	assert.Equal(t, key3, got)
}

func TestManager_TimedRotationAndGrace(t *testing.T) {
	m, clk := newManager(t, RotationConfig{Interval: time.Hour, Grace: 10 * time.Minute})
	id, _ := m.SigningKey()
	require.Equal(t, "k100", id)

	clk.Advance(time.Hour)
	id, _ = m.SigningKey()
	assert.Equal(t, "k101", id)

	_, err := m.VerificationKey("k100")
	require.NoError(t, err, "previous key verifies within grace")

	clk.Advance(11 * time.Minute)
	_, err = m.VerificationKey("k100")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestManager_VerificationAppliesDueRotation(t *testing.T) {
	m, clk := newManager(t, RotationConfig{Interval: time.Hour, Grace: time.Minute})
	clk.Advance(time.Hour)
	_, err := m.VerificationKey("k101")
	require.NoError(t, err)
	assert.Equal(t, "k101", m.Material().CurrentKeyID)
}

func TestManager_StaggeredPeersRotateTogether(t *testing.T) {
	cfg := RotationConfig{Interval: time.Hour, Grace: 2 * time.Minute}
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	receiverClock := &fakeClock{now: day.Add(10*time.Hour + time.Minute)}
	senderClock := &fakeClock{now: day.Add(10*time.Hour + 59*time.Minute)}

	receiver, err := NewManager(testMaster, cfg)
	require.NoError(t, err)
	receiver.WithClock(receiverClock.Now)
	sender, err := NewManager(testMaster, cfg)
	require.NoError(t, err)
	sender.WithClock(senderClock.Now)

	for _, at := range []time.Duration{11*time.Hour + 30*time.Minute, 11*time.Hour + 59*time.Minute, 13*time.Hour + 5*time.Minute} {
		receiverClock.now = day.Add(at)
		senderClock.now = day.Add(at)

		id, want := sender.SigningKey()
		got, err := receiver.VerificationKey(id)
		require.NoError(t, err, "at %s", at)
		assert.Equal(t, want, got)
		assert.Equal(t, id, receiver.Material().CurrentKeyID)
	}

	boundary := day.Add(13 * time.Hour)
	assert.True(t, receiver.Material().RotatedAt.Equal(boundary), "rotation is stamped at the interval boundary")
}

func TestManager_GraceRunsFromBoundary(t *testing.T) {
	cfg := RotationConfig{Interval: time.Hour, Grace: 2 * time.Minute}
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &fakeClock{now: day.Add(10*time.Hour + 30*time.Minute)}
	m, err := NewManager(testMaster, cfg)
	require.NoError(t, err)
	m.WithClock(clk.Now)
	old := m.Material().CurrentKeyID

	clk.Advance(31 * time.Minute)
	_, err = m.VerificationKey(old)
	require.NoError(t, err, "11:01 is inside the grace window opened at 11:00")

	clk.Advance(2 * time.Minute)
	_, err = m.VerificationKey(old)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestManager_CatchesUpToPeer(t *testing.T) {
	cfg := RotationConfig{Interval: time.Hour, Grace: time.Minute}
	sender, _ := newManager(t, cfg)
	receiver, _ := newManager(t, cfg)

	to := sender.Rotate()
	require.Equal(t, "k101", to)
	_, want := sender.SigningKey()

	got, err := receiver.VerificationKey(to)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "k101", receiver.Material().CurrentKeyID)
}

func TestManager_RejectsUnknownKeys(t *testing.T) {
	m, _ := newManager(t, RotationConfig{Interval: time.Hour})
	for _, id := range []string{"k50", "k102", "k99"} {
		_, err := m.VerificationKey(id)
		assert.ErrorIs(t, err, ErrUnknownKey, id)
	}
	for _, id := range []string{"", "k", "k0", "x100", "k-1"} {
		_, err := m.VerificationKey(id)
		require.Error(t, err, id)
		assert.NotErrorIs(t, err, ErrUnknownKey, id)
	}
}

func TestManager_OnRotate(t *testing.T) {
	m, _ := newManager(t, RotationConfig{MaxUses: 1})
	var got [][2]string
	m.OnRotate(func(from, to string) { got = append(got, [2]string{from, to}) })

	m.SigningKey()
	m.SigningKey()
	m.Rotate()
	assert.Equal(t, [][2]string{{"k1", "k2"}, {"k2", "k3"}}, got)
}

func TestManager_Material(t *testing.T) {
	m, _ := newManager(t, RotationConfig{})
	km := m.Material()
	assert.Equal(t, "k1", km.CurrentKeyID)
	assert.Empty(t, km.PreviousKeyID)

	m.Rotate()
	km = m.Material()
	assert.Equal(t, "k2", km.CurrentKeyID)
	assert.Equal(t, "k1", km.PreviousKeyID)
	assert.NotEqual(t, km.CurrentKey, km.PreviousKey)
}

func TestLoadOrCreateMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	first, err := LoadOrCreateMaster(path)
	require.NoError(t, err)
	assert.Len(t, first, MasterSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateMaster(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateMaster_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte("not base64!"), 0o600))
	_, err := LoadOrCreateMaster(bad)
	assert.Error(t, err)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("c2hvcnQ=\n"), 0o600))
	_, err = LoadOrCreateMaster(short)
	assert.Error(t, err)
}
