// Package waveform carries bytes over audio using continuous-phase AFSK in
// 16-bit mono PCM WAV containers.
//
// Frame layout, bits sent most significant first:
//
//	preamble 16 x 0x55 | sync 0x7E 0x7E | length u16 BE | payload | CRC-32 BE
//
// The CRC covers the length and payload fields.
package waveform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	preambleLen  = 16
	preambleByte = 0x55
	syncByte     = 0x7E
	headerLen    = 44
	bitDepth     = 16
	fullScale    = 32767

	// MaxPayload is the largest payload a single frame carries.
	MaxPayload = math.MaxUint16
)

// Params describes an AFSK modulation profile.
type Params struct {
	Name       string  `json:"name" yaml:"name"`
	BaudRate   int     `json:"baudRate" yaml:"baud_rate"`
	MarkHz     float64 `json:"markHz" yaml:"mark_hz"`
	SpaceHz    float64 `json:"spaceHz" yaml:"space_hz"`
	SampleRate int     `json:"sampleRate" yaml:"sample_rate"`
	// Amplitude is the peak level in (0, 1]. Zero means 0.8.
	Amplitude float64 `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
}

// Validate checks that the profile can be modulated and demodulated.
func (p Params) Validate() error {
	switch {
	case p.BaudRate <= 0:
		return fmt.Errorf("waveform: baud rate must be positive")
	case p.SampleRate <= 0:
		return fmt.Errorf("waveform: sample rate must be positive")
	case p.MarkHz <= 0 || p.SpaceHz <= 0 || p.MarkHz == p.SpaceHz:
		return fmt.Errorf("waveform: mark and space must be distinct positive frequencies")
	case 2*math.Max(p.MarkHz, p.SpaceHz) >= float64(p.SampleRate):
		return fmt.Errorf("waveform: tones exceed Nyquist for %d Hz", p.SampleRate)
	case p.SampleRate < 4*p.BaudRate:
		return fmt.Errorf("waveform: fewer than 4 samples per bit")
	case p.Amplitude < 0 || p.Amplitude > 1:
		return fmt.Errorf("waveform: amplitude %.2f outside [0, 1]", p.Amplitude)
	}
	return nil
}

func (p Params) samplesPerBit() float64 {
	return float64(p.SampleRate) / float64(p.BaudRate)
}

func (p Params) amplitude() float64 {
	if p.Amplitude == 0 {
		return 0.8
	}
	return p.Amplitude
}

// boundary returns the first sample index of bit i.
func (p Params) boundary(i int) int {
	return int(math.Round(float64(i) * p.samplesPerBit()))
}

// DecodeError reports why a WAV could not be demodulated.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("waveform: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("waveform: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func frameBits(payloadLen int) int {
	return (preambleLen + 2 + 2 + payloadLen + 4) * 8
}

// EstimateWavSize returns the WAV size in bytes EncodeToWav produces for a
// payload of byteLen bytes.
func EstimateWavSize(byteLen int, p Params) int {
	if p.BaudRate <= 0 || p.SampleRate <= 0 {
		return 0
	}
	return headerLen + 2*p.boundary(frameBits(byteLen))
}

func frame(data []byte) []byte {
	out := make([]byte, 0, preambleLen+8+len(data))
	for range preambleLen {
		out = append(out, preambleByte)
	}
	out = append(out, syncByte, syncByte)
	body := binary.BigEndian.AppendUint16(nil, uint16(len(data)))
	body = append(body, data...)
	out = append(out, body...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
}

// EncodeToWav modulates data into a WAV file.
func EncodeToWav(data []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("waveform: payload of %d bytes exceeds %d", len(data), MaxPayload)
	}

	fr := frame(data)
	nbits := len(fr) * 8
	samples := make([]int, 0, p.boundary(nbits))
	amp := p.amplitude() * fullScale
	phase := 0.0
	for i := 0; i < nbits; i++ {
		f := p.SpaceHz
		if fr[i/8]&(0x80>>(i%8)) != 0 {
			f = p.MarkHz
		}
		step := 2 * math.Pi * f / float64(p.SampleRate)
		for n := p.boundary(i); n < p.boundary(i+1); n++ {
			samples = append(samples, int(math.Round(amp*math.Sin(phase))))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, p.SampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: p.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("waveform: write pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("waveform: finalize wav: %w", err)
	}
	return ws.Bytes(), nil
}

// DecodeFromWav demodulates the first valid frame in a WAV produced with p.
// The sample rate is taken from the WAV header.
func DecodeFromWav(wavBytes []byte, p Params) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &DecodeError{Reason: fmt.Sprintf("malformed container: %v", r)}
		}
	}()

	samples, rate, err := readPCM(wavBytes)
	if err != nil {
		return nil, err
	}
	p.SampleRate = rate
	if err := p.Validate(); err != nil {
		return nil, &DecodeError{Reason: "unusable profile", Err: err}
	}

	var energy float64
	clipped := 0
	for _, s := range samples {
		v := math.Abs(float64(s))
		energy += v * v
		if v >= fullScale {
			clipped++
		}
	}
	if len(samples) == 0 || math.Sqrt(energy/float64(len(samples))) < 0.01*fullScale {
		return nil, &DecodeError{Reason: "no carrier"}
	}

	spb := p.samplesPerBit()
	step := max(1, int(spb/4))
	for off := 0; off < int(spb) && off < len(samples); off += step {
		bits := demodulate(samples[off:], p)
		if data, ok := findFrame(bits); ok {
			return data, nil
		}
	}
	reason := "no valid frame"
	if float64(clipped) > 0.25*float64(len(samples)) {
		reason = "no valid frame (signal clipped)"
	}
	return nil, &DecodeError{Reason: reason}
}

func readPCM(wavBytes []byte) ([]int, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, &DecodeError{Reason: "read pcm", Err: err}
	}
	if dec.NumChans != 1 || dec.BitDepth != bitDepth {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported format: %d channels, %d bits", dec.NumChans, dec.BitDepth)}
	}
	if dec.SampleRate == 0 {
		return nil, 0, &DecodeError{Reason: "missing sample rate", Err: errors.New("zero sample rate")}
	}
	return buf.Data, int(dec.SampleRate), nil
}

// demodulate returns one hard bit decision per bit window by comparing
// non-coherent tone energy at the mark and space frequencies.
func demodulate(samples []int, p Params) []byte {
	var bits []byte
	for i := 0; ; i++ {
		a, b := p.boundary(i), p.boundary(i+1)
		if b > len(samples) {
			break
		}
		mark := toneEnergy(samples[a:b], a, p.MarkHz, p.SampleRate)
		space := toneEnergy(samples[a:b], a, p.SpaceHz, p.SampleRate)
		if mark > space {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}
	return bits
}

func toneEnergy(window []int, start int, freq float64, rate int) float64 {
	w := 2 * math.Pi * freq / float64(rate)
	var re, im float64
	for n, s := range window {
		x := float64(s)
		arg := w * float64(start+n)
		re += x * math.Cos(arg)
		im += x * math.Sin(arg)
	}
	return re*re + im*im
}

func readByte(bits []byte, at int) byte {
	var b byte
	for i := 0; i < 8; i++ {
		b = b<<1 | bits[at+i]
	}
	return b
}

// findFrame scans for a sync word and returns the first payload whose CRC
// verifies.
func findFrame(bits []byte) ([]byte, bool) {
	for i := 0; i+16+16+32 <= len(bits); i++ {
		if readByte(bits, i) != syncByte || readByte(bits, i+8) != syncByte {
			continue
		}
		if i >= 8 && readByte(bits, i-8) != preambleByte {
			continue
		}
		at := i + 16
		n := int(readByte(bits, at))<<8 | int(readByte(bits, at+8))
		end := at + 16 + n*8 + 32
		if end > len(bits) {
			continue
		}
		body := make([]byte, 2+n)
		for k := range body {
			body[k] = readByte(bits, at+k*8)
		}
		var sum [4]byte
		for k := range sum {
			sum[k] = readByte(bits, at+(2+n+k)*8)
		}
		if crc32.ChecksumIEEE(body) == binary.BigEndian.Uint32(sum[:]) {
			return body[2:], true
		}
	}
	return nil, false
}
