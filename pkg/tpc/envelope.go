package tpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// EnvelopeVersion is the envelope format emitted by this package.
const EnvelopeVersion = 1

// Envelope is the signed unit carried by TPC. On the carrier it travels
// inside a Reed-Solomon protected frame.
type Envelope struct {
	Version   int    `json:"v"`
	Nonce     string `json:"nonce"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	KeyID     string `json:"kid"`
	Mode      Mode   `json:"mode"`
	Payload   []byte `json:"payload"`
	Signature string `json:"sig,omitempty"`
}

// signingBytes returns the RFC 8785 canonical form of the envelope without
// its signature.
func (e *Envelope) signingBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign sets the HMAC-SHA256 signature.
func (e *Envelope) Sign(key []byte) error {
	b, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("tpc: canonicalize envelope: %w", err)
	}
	e.Signature = base64.RawURLEncoding.EncodeToString(mac(key, b))
	return nil
}

// Verify reports whether the signature matches key.
func (e *Envelope) Verify(key []byte) bool {
	sig, err := base64.RawURLEncoding.DecodeString(e.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	b, err := e.signingBytes()
	if err != nil {
		return false
	}
	return hmac.Equal(sig, mac(key, b))
}

// MarshalEnvelope encodes e as JSON.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes and sanity-checks an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("tpc: decode envelope: %w", err)
	}
	switch {
	case e.Version != EnvelopeVersion:
		return nil, fmt.Errorf("tpc: unsupported envelope version %d", e.Version)
	case e.Nonce == "" || e.KeyID == "" || e.Signature == "":
		return nil, fmt.Errorf("tpc: envelope missing nonce, key id or signature")
	case e.Sender == "" || e.Recipient == "":
		return nil, fmt.Errorf("tpc: envelope missing sender or recipient")
	}
	return &e, nil
}
