package waveform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Profile names.
const (
	ProfileAudible    = "audible"
	ProfileRobust     = "robust"
	ProfileUltrasonic = "ultrasonic"
)

var profiles = map[string]Params{
	ProfileAudible:    {Name: ProfileAudible, BaudRate: 1200, MarkHz: 1200, SpaceHz: 2200, SampleRate: 48000},
	ProfileRobust:     {Name: ProfileRobust, BaudRate: 300, MarkHz: 1270, SpaceHz: 1070, SampleRate: 44100},
	ProfileUltrasonic: {Name: ProfileUltrasonic, BaudRate: 600, MarkHz: 18600, SpaceHz: 19600, SampleRate: 48000},
}

// Profiles returns the built-in profile names, sorted.
func Profiles() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParamsForMode returns the built-in profile called mode. An empty mode
// selects the audible profile.
func ParamsForMode(mode string) (Params, error) {
	if mode == "" {
		mode = ProfileAudible
	}
	p, ok := profiles[mode]
	if !ok {
		return Params{}, fmt.Errorf("waveform: unknown profile %q", mode)
	}
	return p, nil
}

// Devices is the result of probing the host for audio hardware.
type Devices struct {
	Playback bool   `json:"playback"`
	Capture  bool   `json:"capture"`
	Player   string `json:"player,omitempty"`
	Recorder string `json:"recorder,omitempty"`
}

// SelectProfile picks a modulation profile for the detected hardware: robust
// when only one direction is available, audible otherwise.
func SelectProfile(d Devices) Params {
	if d.Playback != d.Capture {
		return profiles[ProfileRobust]
	}
	return profiles[ProfileAudible]
}

// Detector probes audio devices once and caches the result until
// Invalidate is called.
type Detector struct {
	mu     sync.Mutex
	cached *Devices
	probe  func(context.Context) Devices
}

// NewDetector returns a Detector using probe. A nil probe uses the ALSA
// command line tools.
func NewDetector(probe func(context.Context) Devices) *Detector {
	if probe == nil {
		probe = probeALSA
	}
	return &Detector{probe: probe}
}

// Check returns the cached probe result, probing on first use.
func (d *Detector) Check(ctx context.Context) Devices {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		dev := d.probe(ctx)
		d.cached = &dev
	}
	return *d.cached
}

// Invalidate drops the cached result.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

var defaultDetector = NewDetector(nil)

// CheckAudioDevices probes the host with the shared detector.
func CheckAudioDevices(ctx context.Context) Devices {
	return defaultDetector.Check(ctx)
}

// InvalidateCache clears the shared detector's cached result.
func InvalidateCache() {
	defaultDetector.Invalidate()
}

const probeTimeout = 2 * time.Second

func probeALSA(ctx context.Context) Devices {
	var d Devices
	if path, ok := listsCards(ctx, "aplay"); ok {
		d.Playback, d.Player = true, path
	}
	if path, ok := listsCards(ctx, "arecord"); ok {
		d.Capture, d.Recorder = true, path
	}
	return d
}

// listsCards runs "<tool> -l" and reports whether it lists a sound card.
func listsCards(ctx context.Context, tool string) (string, bool) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-l").Output() //nolint:gosec // fixed tool name
	if err != nil {
		return "", false
	}
	return path, bytes.Contains(out, []byte("card "))
}
