package tpc

import (
	"fmt"

	"github.com/clawtalk/clawtalk/pkg/tpc/fec"
)

// Carrier frame: "TP" | version | parity | RS codeword of the envelope JSON.
const (
	frameMagic     = "TP"
	frameVersion   = 1
	frameHeaderLen = 4
)

func encodeFrame(envelope []byte, parity int) ([]byte, error) {
	codec, err := fec.NewCodec(parity)
	if err != nil {
		return nil, err
	}
	cw := codec.Encode(envelope)
	out := make([]byte, 0, frameHeaderLen+len(cw))
	out = append(out, frameMagic...)
	out = append(out, frameVersion, byte(parity))
	return append(out, cw...), nil
}

func decodeFrame(b []byte) ([]byte, error) {
	if len(b) < frameHeaderLen || string(b[:2]) != frameMagic {
		return nil, fmt.Errorf("tpc: not a TPC frame")
	}
	if b[2] != frameVersion {
		return nil, fmt.Errorf("tpc: unsupported frame version %d", b[2])
	}
	return fec.Decode(b[frameHeaderLen:], int(b[3]))
}
