// Package fec implements the Reed-Solomon forward error correction used by the
// TPC transport.
//
// A payload is framed as length (u32 BE) || data || CRC-32 (u32 BE), split
// into blocks of 255-p data symbols and each block is systematically encoded
// with p parity symbols over GF(256). The final block is shortened. Each block
// corrects up to p/2 corrupted symbols; the CRC trailer rejects
// miscorrections.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

const (
	// BlockSize is the symbol length of a full codeword block.
	BlockSize = 255
	// DefaultParity is the parity length used when none is configured.
	DefaultParity = 16
	// MinParity and MaxParity bound the accepted parity length.
	MinParity = 2
	MaxParity = 128

	headerLen  = 4
	trailerLen = 4
)

// ErrUncorrectable is matched by every *ReedSolomonError.
var ErrUncorrectable = errors.New("fec: uncorrectable codeword")

// ReedSolomonError reports a decode failure. Block is -1 when the failure
// concerns the reassembled message rather than a single block.
type ReedSolomonError struct {
	Block  int
	Reason string
}

func (e *ReedSolomonError) Error() string {
	if e.Block < 0 {
		return fmt.Sprintf("fec: %s", e.Reason)
	}
	return fmt.Sprintf("fec: block %d: %s", e.Block, e.Reason)
}

func (e *ReedSolomonError) Unwrap() error { return ErrUncorrectable }

// Codec encodes and decodes with a fixed parity length. It is immutable and
// safe for concurrent use.
type Codec struct {
	parity int
	gen    []byte
}

var (
	codecMu    sync.Mutex
	codecCache = map[int]*Codec{}
)

// NewCodec returns a codec with parity symbols per block.
func NewCodec(parity int) (*Codec, error) {
	if parity < MinParity || parity > MaxParity {
		return nil, fmt.Errorf("fec: parity length %d outside [%d, %d]", parity, MinParity, MaxParity)
	}
	codecMu.Lock()
	defer codecMu.Unlock()
	if c, ok := codecCache[parity]; ok {
		return c, nil
	}
	c := &Codec{parity: parity, gen: generator(parity)}
	codecCache[parity] = c
	return c, nil
}

// Encode is NewCodec(parity).Encode(data).
func Encode(data []byte, parity int) ([]byte, error) {
	c, err := NewCodec(parity)
	if err != nil {
		return nil, err
	}
	return c.Encode(data), nil
}

// Decode is NewCodec(parity).Decode(codeword).
func Decode(codeword []byte, parity int) ([]byte, error) {
	c, err := NewCodec(parity)
	if err != nil {
		return nil, err
	}
	return c.Decode(codeword)
}

// Parity returns the parity length.
func (c *Codec) Parity() int { return c.parity }

// EncodedLen returns the codeword length for n data bytes.
func (c *Codec) EncodedLen(n int) int {
	msg := n + headerLen + trailerLen
	k := BlockSize - c.parity
	blocks := (msg + k - 1) / k
	return msg + blocks*c.parity
}

// Encode returns the codeword for data. Encoding is deterministic.
func (c *Codec) Encode(data []byte) []byte {
	msg := make([]byte, headerLen, len(data)+headerLen+trailerLen)
	binary.BigEndian.PutUint32(msg, uint32(len(data)))
	msg = append(msg, data...)
	msg = binary.BigEndian.AppendUint32(msg, crc32.ChecksumIEEE(msg))

	k := BlockSize - c.parity
	out := make([]byte, 0, c.EncodedLen(len(data)))
	for off := 0; off < len(msg); off += k {
		end := min(off+k, len(msg))
		out = append(out, c.encodeBlock(msg[off:end])...)
	}
	return out
}

func (c *Codec) encodeBlock(data []byte) []byte {
	buf := make([]byte, len(data)+c.parity)
	copy(buf, data)
	for i := 0; i < len(data); i++ {
		coef := buf[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(c.gen); j++ {
			buf[i+j] ^= gfMul(c.gen[j], coef)
		}
	}
	copy(buf, data)
	return buf
}

// Decode corrects and returns the data carried by codeword.
func (c *Codec) Decode(codeword []byte) ([]byte, error) {
	if len(codeword) == 0 {
		return nil, &ReedSolomonError{Block: -1, Reason: "empty codeword"}
	}
	msg := make([]byte, 0, len(codeword))
	for off, block := 0, 0; off < len(codeword); off, block = off+BlockSize, block+1 {
		end := min(off+BlockSize, len(codeword))
		if end-off <= c.parity {
			return nil, &ReedSolomonError{Block: block, Reason: "truncated block"}
		}
		fixed, err := c.correctBlock(codeword[off:end])
		if err != nil {
			return nil, &ReedSolomonError{Block: block, Reason: err.Error()}
		}
		msg = append(msg, fixed[:len(fixed)-c.parity]...)
	}

	if len(msg) < headerLen+trailerLen {
		return nil, &ReedSolomonError{Block: -1, Reason: "message too short"}
	}
	n := int(binary.BigEndian.Uint32(msg))
	if n != len(msg)-headerLen-trailerLen {
		return nil, &ReedSolomonError{Block: -1, Reason: "length mismatch"}
	}
	body := msg[:headerLen+n]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(msg[headerLen+n:]) {
		return nil, &ReedSolomonError{Block: -1, Reason: "checksum mismatch"}
	}
	return append([]byte(nil), body[headerLen:]...), nil
}

func (c *Codec) syndromes(block []byte) ([]byte, bool) {
	s := make([]byte, c.parity)
	clean := true
	for i := range s {
		s[i] = polyEval(block, gfPowAlpha(i))
		if s[i] != 0 {
			clean = false
		}
	}
	return s, clean
}

// correctBlock returns a corrected copy of block.
func (c *Codec) correctBlock(block []byte) ([]byte, error) {
	synd, clean := c.syndromes(block)
	if clean {
		return block, nil
	}

	locator, degree := berlekampMassey(synd)
	if 2*degree > c.parity {
		return nil, errors.New("too many errors")
	}

	n := len(block)
	positions := make([]int, 0, degree)
	locators := make([]byte, 0, degree)
	for j := 0; j < n; j++ {
		e := n - 1 - j
		if evalLow(locator, gfPowAlpha(-e)) == 0 {
			positions = append(positions, j)
			locators = append(locators, gfPowAlpha(e))
		}
	}
	if len(positions) != degree {
		return nil, errors.New("error locator roots do not match degree")
	}

	magnitudes, ok := solveMagnitudes(locators, synd)
	if !ok {
		return nil, errors.New("singular error system")
	}

	fixed := append([]byte(nil), block...)
	for i, j := range positions {
		fixed[j] ^= magnitudes[i]
	}
	if _, clean := c.syndromes(fixed); !clean {
		return nil, errors.New("residual syndrome after correction")
	}
	return fixed, nil
}

// berlekampMassey returns the error locator polynomial (lowest degree first)
// and its degree.
func berlekampMassey(synd []byte) ([]byte, int) {
	cur := []byte{1}
	prev := []byte{1}
	l, m := 0, 1
	b := byte(1)

	for n := range synd {
		d := synd[n]
		for i := 1; i <= l && i < len(cur); i++ {
			d ^= gfMul(cur[i], synd[n-i])
		}
		if d == 0 {
			m++
			continue
		}
		coef := gfDiv(d, b)
		next := make([]byte, max(len(cur), len(prev)+m))
		copy(next, cur)
		for i, p := range prev {
			next[i+m] ^= gfMul(coef, p)
		}
		if 2*l <= n {
			prev = cur
			l = n + 1 - l
			b = d
			m = 1
		} else {
			m++
		}
		cur = next
	}
	for len(cur) < l+1 {
		cur = append(cur, 0)
	}
	return cur[:l+1], l
}

// evalLow evaluates a lowest-degree-first polynomial at x.
func evalLow(p []byte, x byte) byte {
	var y byte
	for i := len(p) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ p[i]
	}
	return y
}

// solveMagnitudes solves S_i = sum_k Y_k X_k^i for i < len(xs) by Gaussian
// elimination.
func solveMagnitudes(xs, synd []byte) ([]byte, bool) {
	size := len(xs)
	rows := make([][]byte, size)
	for i := range rows {
		row := make([]byte, size+1)
		for k, x := range xs {
			pow := byte(1)
			for range i {
				pow = gfMul(pow, x)
			}
			row[k] = pow
		}
		row[size] = synd[i]
		rows[i] = row
	}

	for col := 0; col < size; col++ {
		pivot := -1
		for r := col; r < size; r++ {
			if rows[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, false
		}
		rows[col], rows[pivot] = rows[pivot], rows[col]

		inv := gfInv(rows[col][col])
		for k := col; k <= size; k++ {
			rows[col][k] = gfMul(rows[col][k], inv)
		}
		for r := 0; r < size; r++ {
			if r == col || rows[r][col] == 0 {
				continue
			}
			f := rows[r][col]
			for k := col; k <= size; k++ {
				rows[r][k] ^= gfMul(f, rows[col][k])
			}
		}
	}

	out := make([]byte, size)
	for i := range out {
		out[i] = rows[i][size]
	}
	return out, true
}
