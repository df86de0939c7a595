package waveform

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtalk/clawtalk/pkg/tpc/deaddrop"
)

func TestRoundTrip_AllProfiles(t *testing.T) {
	data := []byte("CT/1 REQ web_search q=\"nodejs streams\" limit=5")
	for _, name := range Profiles() {
		t.Run(name, func(t *testing.T) {
			p, err := ParamsForMode(name)
			require.NoError(t, err)
			wavBytes, err := EncodeToWav(data, p)
			require.NoError(t, err)
			assert.Equal(t, EstimateWavSize(len(data), p), len(wavBytes))
			assert.Equal(t, "RIFF", string(wavBytes[:4]))
			assert.Equal(t, "WAVE", string(wavBytes[8:12]))

			got, err := DecodeFromWav(wavBytes, p)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestRoundTrip_EmptyAndBinary(t *testing.T) {
	p, _ := ParamsForMode(ProfileAudible)
	bin := make([]byte, 256)
	for i := range bin {
		bin[i] = byte(i)
	}
	for _, data := range [][]byte{{}, bin} {
		w, err := EncodeToWav(data, p)
		require.NoError(t, err)
		got, err := DecodeFromWav(w, p)
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
		assert.Equal(t, data, got)
	}
}

func TestDecode_LeadingSilence(t *testing.T) {
	p, _ := ParamsForMode(ProfileAudible)
	data := []byte("hello")
	w, err := EncodeToWav(data, p)
	require.NoError(t, err)

	// Splice 1003 silent samples in front of the PCM data.
	pad := make([]byte, 2*1003)
	padded := append(append(append([]byte{}, w[:headerLen]...), pad...), w[headerLen:]...)
	binary.LittleEndian.PutUint32(padded[4:], uint32(len(padded)-8))
	binary.LittleEndian.PutUint32(padded[40:], uint32(len(padded)-headerLen))

	got, err := DecodeFromWav(padded, p)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDecode_Errors(t *testing.T) {
	p, _ := ParamsForMode(ProfileAudible)
	var de *DecodeError

	_, err := DecodeFromWav([]byte("not a wav file at all"), p)
	require.Error(t, err)
	assert.True(t, errors.As(err, &de))

	w, err := EncodeToWav([]byte("payload"), p)
	require.NoError(t, err)

	silent := append([]byte{}, w...)
	for i := headerLen; i < len(silent); i++ {
		silent[i] = 0
	}
	_, err = DecodeFromWav(silent, p)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "no carrier", de.Reason)

	// Overwrite the middle of the signal with a constant full-scale level.
	clipped := append([]byte{}, w...)
	for i := headerLen + ((len(w)-headerLen)/3)&^1; i+1 < len(w); i += 2 {
		binary.LittleEndian.PutUint16(clipped[i:], 0x7FFF)
	}
	_, err = DecodeFromWav(clipped, p)
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Reason, "no valid frame")

	truncated := w[:headerLen+(len(w)-headerLen)/2]
	_, err = DecodeFromWav(truncated, p)
	assert.True(t, errors.As(err, &de))
}

func TestEncode_RejectsBadInput(t *testing.T) {
	p, _ := ParamsForMode(ProfileAudible)
	_, err := EncodeToWav(make([]byte, MaxPayload+1), p)
	assert.Error(t, err)

	bad := []Params{
		{BaudRate: 0, MarkHz: 1200, SpaceHz: 2200, SampleRate: 48000},
		{BaudRate: 1200, MarkHz: 1200, SpaceHz: 1200, SampleRate: 48000},
		{BaudRate: 1200, MarkHz: 1200, SpaceHz: 30000, SampleRate: 48000},
		{BaudRate: 20000, MarkHz: 1200, SpaceHz: 2200, SampleRate: 48000},
		{BaudRate: 1200, MarkHz: 1200, SpaceHz: 2200, SampleRate: 48000, Amplitude: 2},
	}
	for _, b := range bad {
		_, err := EncodeToWav([]byte("x"), b)
		assert.Error(t, err, "%+v", b)
	}
}

func TestEstimateWavSize(t *testing.T) {
	p, _ := ParamsForMode(ProfileRobust)
	assert.Equal(t, 44+2*int(float64((16+2+2+10+4)*8)*147), EstimateWavSize(10, p))
	assert.Zero(t, EstimateWavSize(10, Params{}))
	assert.Greater(t, EstimateWavSize(100, p), EstimateWavSize(10, p))
}

func TestParamsForMode(t *testing.T) {
	p, err := ParamsForMode("")
	require.NoError(t, err)
	assert.Equal(t, ProfileAudible, p.Name)
	assert.Equal(t, 1200, p.BaudRate)

	p, err = ParamsForMode(ProfileUltrasonic)
	require.NoError(t, err)
	assert.Equal(t, 18600.0, p.MarkHz)

	_, err = ParamsForMode("subsonic")
	assert.Error(t, err)
	assert.Equal(t, []string{"audible", "robust", "ultrasonic"}, Profiles())
}

func TestSelectProfile(t *testing.T) {
	assert.Equal(t, ProfileAudible, SelectProfile(Devices{Playback: true, Capture: true}).Name)
	assert.Equal(t, ProfileRobust, SelectProfile(Devices{Playback: true}).Name)
	assert.Equal(t, ProfileRobust, SelectProfile(Devices{Capture: true}).Name)
	assert.Equal(t, ProfileAudible, SelectProfile(Devices{}).Name)
}

func TestDetector_CachesUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	d := NewDetector(func(context.Context) Devices {
		calls.Add(1)
		return Devices{Playback: true}
	})
	ctx := context.Background()
	assert.True(t, d.Check(ctx).Playback)
	d.Check(ctx)
	assert.Equal(t, int32(1), calls.Load())

	d.Invalidate()
	d.Check(ctx)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeadDropLink(t *testing.T) {
	drop, err := deaddrop.New(t.TempDir())
	require.NoError(t, err)
	link := &DeadDropLink{Drop: drop, PollInterval: 5 * time.Millisecond}

	p, _ := ParamsForMode(ProfileAudible)
	w, err := EncodeToWav([]byte("over the air"), p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, link.Transmit(ctx, "peer", w))
	got, err := link.Receive(ctx, "peer")
	require.NoError(t, err)
	data, err := DecodeFromWav(got, p)
	require.NoError(t, err)
	assert.Equal(t, "over the air", string(data))
}

func TestCommandLink(t *testing.T) {
	dir := t.TempDir()
	p, _ := ParamsForMode(ProfileAudible)
	w, err := EncodeToWav([]byte("mic check"), p)
	require.NoError(t, err)
	fixture := filepath.Join(dir, "fixture.wav")
	require.NoError(t, os.WriteFile(fixture, w, 0o600))

	player := filepath.Join(dir, "play.sh")
	require.NoError(t, os.WriteFile(player, []byte("#!/bin/sh\nexit 0\n"), 0o700))
	recorder := filepath.Join(dir, "record.sh")
	script := "#!/bin/sh\nfor last; do :; done\ncp \"" + fixture + "\" \"$last\"\n"
	require.NoError(t, os.WriteFile(recorder, []byte(script), 0o700))

	link := &CommandLink{Player: player, Recorder: recorder, Params: p, RecordFor: time.Second, TempDir: dir}
	ctx := context.Background()
	require.NoError(t, link.Transmit(ctx, "", w))
	got, err := link.Receive(ctx, "")
	require.NoError(t, err)
	data, err := DecodeFromWav(got, p)
	require.NoError(t, err)
	assert.Equal(t, "mic check", string(data))

	failing := &CommandLink{Player: filepath.Join(dir, "missing"), TempDir: dir}
	assert.Error(t, failing.Transmit(ctx, "", w))
}
