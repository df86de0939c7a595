package tpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtalk/clawtalk/pkg/tpc/fec"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Version:   EnvelopeVersion,
		Nonce:     "6f1c5c1e-55d4-4c0e-9d55-1a3e4b7c9a01",
		CreatedAt: 1767268800000,
		Sender:    "alice",
		Recipient: "bob",
		KeyID:     "k7",
		Mode:      ModeFile,
		Payload:   []byte("CT/1 REQ web_search q=\"golang\""),
	}
}

func TestEnvelope_SignVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env := sampleEnvelope()
	require.NoError(t, env.Sign(key))
	assert.NotEmpty(t, env.Signature)
	assert.True(t, env.Verify(key))
	assert.False(t, env.Verify([]byte("another key another key another!")))

	tampered := *env
	tampered.Recipient = "mallory"
	assert.False(t, tampered.Verify(key))

	tampered = *env
	tampered.Payload = []byte("CT/1 REQ exec cmd=\"rm -rf /\"")
	assert.False(t, tampered.Verify(key))

	tampered = *env
	tampered.Signature = "!!not base64!!"
	assert.False(t, tampered.Verify(key))
}

func TestEnvelope_SignatureIndependentOfKeyOrder(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	env := sampleEnvelope()
	require.NoError(t, env.Sign(key))

	raw, err := MarshalEnvelope(env)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	// map marshaling sorts keys, which differs from the struct field order.
	reordered, err := json.Marshal(generic)
	require.NoError(t, err)

	back, err := UnmarshalEnvelope(reordered)
	require.NoError(t, err)
	assert.True(t, back.Verify(key))
}

func TestUnmarshalEnvelope_Rejects(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte("{"))
	assert.Error(t, err)

	env := sampleEnvelope()
	env.Signature = "x"
	env.Version = 2
	raw, _ := MarshalEnvelope(env)
	_, err = UnmarshalEnvelope(raw)
	assert.ErrorContains(t, err, "version")

	env = sampleEnvelope()
	raw, _ = MarshalEnvelope(env)
	_, err = UnmarshalEnvelope(raw)
	assert.ErrorContains(t, err, "signature")
}

func TestFrame_RoundTripAndCorrection(t *testing.T) {
	data := []byte(`{"v":1,"payload":"aGVsbG8="}`)
	framed, err := encodeFrame(data, 8)
	require.NoError(t, err)
	assert.Equal(t, "TP", string(framed[:2]))

	framed[frameHeaderLen+3] ^= 0xFF
	framed[frameHeaderLen+9] ^= 0x55
	got, err := decodeFrame(framed)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = decodeFrame([]byte("XX\x01\x08"))
	assert.Error(t, err)
	_, err = decodeFrame([]byte("TP\x09\x08"))
	assert.ErrorContains(t, err, "version")

	for i := frameHeaderLen; i < frameHeaderLen+10; i++ {
		framed[i] ^= 0xA5
	}
	_, err = decodeFrame(framed)
	var rsErr *fec.ReedSolomonError
	assert.ErrorAs(t, err, &rsErr)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Mode: "carrier-pigeon"}.Validate())
	assert.Error(t, Config{ParityLen: 1}.Validate())
	assert.Error(t, Config{ParityLen: 200}.Validate())
	assert.Error(t, Config{Mode: ModeAcoustic, Profile: "subsonic"}.Validate())
	assert.NoError(t, Config{Mode: ModeAcoustic, Profile: "robust"}.Validate())
}
