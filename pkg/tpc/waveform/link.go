package waveform

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/clawtalk/clawtalk/pkg/tpc/deaddrop"
)

// Link moves modulated WAV files between peers.
type Link interface {
	Transmit(ctx context.Context, recipient string, wav []byte) error
	Receive(ctx context.Context, recipient string) ([]byte, error)
}

// DeadDropLink relays WAV files through a dead drop. Receive polls until a
// file arrives or ctx is done.
type DeadDropLink struct {
	Drop         *deaddrop.Drop
	PollInterval time.Duration
}

func (l *DeadDropLink) Transmit(ctx context.Context, recipient string, wav []byte) error {
	_, err := l.Drop.Put(ctx, recipient, "wav", wav)
	return err
}

func (l *DeadDropLink) Receive(ctx context.Context, recipient string) ([]byte, error) {
	msg, err := l.Drop.Poll(ctx, recipient, l.PollInterval)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// CommandLink plays and records through external tools (aplay and arecord
// by default). The medium is shared, so the recipient is ignored.
type CommandLink struct {
	Player   string
	Recorder string
	Params   Params
	// RecordFor bounds each Receive capture. Zero means 5s.
	RecordFor time.Duration
	TempDir   string
}

func (l *CommandLink) tool(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func (l *CommandLink) Transmit(ctx context.Context, _ string, wav []byte) error {
	f, err := os.CreateTemp(l.TempDir, "clawtalk-tx-*.wav")
	if err != nil {
		return fmt.Errorf("waveform: temp wav: %w", err)
	}
	defer os.Remove(f.Name()) //nolint:errcheck // temp file
	if _, err := f.Write(wav); err != nil {
		_ = f.Close()
		return fmt.Errorf("waveform: temp wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("waveform: temp wav: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.tool(l.Player, "aplay"), "-q", f.Name()) //nolint:gosec // operator-configured tool
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("waveform: play: %w: %s", err, out)
	}
	return nil
}

func (l *CommandLink) Receive(ctx context.Context, _ string) ([]byte, error) {
	dur := l.RecordFor
	if dur <= 0 {
		dur = 5 * time.Second
	}
	dir, err := os.MkdirTemp(l.TempDir, "clawtalk-rx-")
	if err != nil {
		return nil, fmt.Errorf("waveform: temp dir: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck // temp dir
	path := filepath.Join(dir, "capture.wav")

	rate := l.Params.SampleRate
	if rate == 0 {
		rate = profiles[ProfileAudible].SampleRate
	}
	secs := strconv.Itoa(int(math.Ceil(dur.Seconds())))
	ctx, cancel := context.WithTimeout(ctx, dur+5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, l.tool(l.Recorder, "arecord"), //nolint:gosec // operator-configured tool
		"-q", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(rate), "-d", secs, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("waveform: record: %w: %s", err, out)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path inside our temp dir
	if err != nil {
		return nil, fmt.Errorf("waveform: read capture: %w", err)
	}
	return data, nil
}
