package tpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/tpc/deaddrop"
	"github.com/clawtalk/clawtalk/pkg/tpc/waveform"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// Receipt describes an envelope handed to the carrier.
type Receipt struct {
	Nonce  string
	KeyID  string
	Mode   Mode
	Bytes  int
	SentAt time.Time
}

// Delivery is a verified inbound envelope.
type Delivery struct {
	Envelope *Envelope
	Payload  []byte
	// Message is the parsed payload, or nil when it is not CT wire text.
	Message *wire.Message
}

// SendMessage serializes msg and sends it from one agent to another.
func (r *Runtime) SendMessage(ctx context.Context, from, to string, msg *wire.Message) (*Receipt, error) {
	return r.Send(ctx, from, to, []byte(wire.Serialize(msg)))
}

// Send signs payload into an envelope and hands it to the carrier. The
// sender's rate limit is checked before any transport work, and carrier
// failures count against the circuit breaker.
func (r *Runtime) Send(ctx context.Context, from, to string, payload []byte) (*Receipt, error) {
	s, err := r.session("send")
	if err != nil {
		return nil, err
	}
	if !deaddrop.ValidRecipient(from) || !deaddrop.ValidRecipient(to) {
		return nil, fmt.Errorf("tpc: invalid agent name %q -> %q", from, to)
	}
	if err := s.limiter.Check(ctx, from); err != nil {
		_ = r.audit.Record(audit.WithActor(ctx, from), audit.EventReject, "send", to,
			map[string]any{"reason": "rate_limited"})
		return nil, err
	}

	kid, key := s.keys.SigningKey()
	now := r.clock()
	env := &Envelope{
		Version:   EnvelopeVersion,
		Nonce:     uuid.NewString(),
		CreatedAt: now.UnixMilli(),
		Sender:    from,
		Recipient: to,
		KeyID:     kid,
		Mode:      s.cfg.Mode,
		Payload:   payload,
	}
	if err := env.Sign(key); err != nil {
		return nil, err
	}
	raw, err := MarshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("tpc: encode envelope: %w", err)
	}
	framed, err := encodeFrame(raw, s.cfg.ParityLen)
	if err != nil {
		return nil, fmt.Errorf("tpc: frame envelope: %w", err)
	}

	err = r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.transmit(ctx, s, to, framed)
	})
	if err != nil {
		r.logger.WarnContext(ctx, "tpc send failed", "to", to, "error", err)
		return nil, fmt.Errorf("tpc: send to %s: %w", to, err)
	}

	_ = r.audit.Record(audit.WithActor(ctx, from), audit.EventSend, "send", to, map[string]any{
		"nonce": env.Nonce, "kid": kid, "mode": string(s.cfg.Mode), "bytes": len(framed),
	})
	return &Receipt{Nonce: env.Nonce, KeyID: kid, Mode: s.cfg.Mode, Bytes: len(framed), SentAt: now}, nil
}

func (r *Runtime) transmit(ctx context.Context, s *session, to string, framed []byte) error {
	if s.cfg.Mode != ModeAcoustic {
		_, err := s.drop.Put(ctx, to, "tpc", framed)
		return err
	}
	if len(framed) > waveform.MaxPayload {
		return fmt.Errorf("tpc: envelope of %d bytes exceeds acoustic frame limit %d", len(framed), waveform.MaxPayload)
	}
	wav, err := waveform.EncodeToWav(framed, s.carrier.params)
	if err != nil {
		return err
	}
	return s.carrier.link.Transmit(ctx, to, wav)
}

// Receive waits for the next envelope addressed to recipient. It gives up
// with ErrTimeout after MaxMessageAge or the ctx deadline, whichever is
// first, and with a NotInitializedError if the runtime shuts down.
func (r *Runtime) Receive(ctx context.Context, recipient string) (*Delivery, error) {
	s, err := r.session("receive")
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxMessageAge)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	framed, err := r.fetch(waitCtx, s, recipient, true)
	if err != nil {
		switch {
		case r.ctx.Err() != nil:
			return nil, &NotInitializedError{Op: "receive", State: StateClosed}
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w waiting for %s", ErrTimeout, recipient)
		}
		return nil, err
	}
	return r.open(ctx, s, recipient, framed)
}

// TryReceive returns the next pending envelope for recipient without
// waiting. It returns nil, nil when nothing is pending.
func (r *Runtime) TryReceive(ctx context.Context, recipient string) (*Delivery, error) {
	s, err := r.session("receive")
	if err != nil {
		return nil, err
	}
	framed, err := r.fetch(ctx, s, recipient, false)
	if errors.Is(err, deaddrop.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.open(ctx, s, recipient, framed)
}

// fetch returns the next framed envelope from the carrier.
func (r *Runtime) fetch(ctx context.Context, s *session, recipient string, wait bool) ([]byte, error) {
	if s.cfg.Mode != ModeAcoustic {
		var (
			msg *deaddrop.Message
			err error
		)
		if wait {
			msg, err = s.drop.Poll(ctx, recipient, s.cfg.PollInterval)
		} else {
			msg, err = s.drop.Take(ctx, recipient)
		}
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	}

	var wav []byte
	switch link := s.carrier.link.(type) {
	case *waveform.DeadDropLink:
		if wait {
			data, err := link.Receive(ctx, recipient)
			if err != nil {
				return nil, err
			}
			wav = data
		} else {
			msg, err := link.Drop.Take(ctx, recipient)
			if err != nil {
				return nil, err
			}
			wav = msg.Data
		}
	default:
		if !wait {
			return nil, fmt.Errorf("tpc: %T does not support non-blocking receive", link)
		}
		data, err := link.Receive(ctx, recipient)
		if err != nil {
			return nil, err
		}
		wav = data
	}

	framed, err := waveform.DecodeFromWav(wav, s.carrier.params)
	if err != nil {
		return nil, r.reject(ctx, s, recipient, wav, err)
	}
	return framed, nil
}

// open verifies a framed envelope and returns its payload.
func (r *Runtime) open(ctx context.Context, s *session, recipient string, framed []byte) (*Delivery, error) {
	raw, err := decodeFrame(framed)
	if err != nil {
		return nil, r.reject(ctx, s, recipient, framed, err)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{Kind: SecurityMalformed, Err: err})
	}
	if env.Recipient != recipient {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{
			Kind: SecurityMalformed, Detail: fmt.Sprintf("addressed to %s", env.Recipient),
		})
	}

	maxAge := s.cfg.MaxMessageAge
	age := r.clock().Sub(time.UnixMilli(env.CreatedAt))
	if age > maxAge || age < -maxAge {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{
			Kind: SecurityExpired, Detail: fmt.Sprintf("age %s outside %s", age.Round(time.Millisecond), maxAge),
		})
	}

	key, err := s.keys.VerificationKey(env.KeyID)
	if err != nil {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{Kind: SecuritySignature, Err: err})
	}
	if !env.Verify(key) {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{Kind: SecuritySignature, Detail: "signature mismatch"})
	}

	// The envelope stays acceptable until CreatedAt+maxAge, which for a
	// sender clock running ahead is later than now+maxAge.
	ttl := maxAge
	if age < 0 {
		ttl -= age
	}
	fresh, err := s.nonces.CheckAndStore(ctx, env.Nonce, ttl)
	if err != nil {
		return nil, r.reject(ctx, s, recipient, framed, fmt.Errorf("tpc: nonce store: %w", err))
	}
	if !fresh {
		return nil, r.reject(ctx, s, recipient, framed, &SecurityError{Kind: SecurityReplay, Detail: "nonce " + env.Nonce})
	}

	d := &Delivery{Envelope: env, Payload: env.Payload}
	if msg, err := wire.Parse(string(env.Payload)); err == nil {
		d.Message = msg
	}
	_ = r.audit.Record(audit.WithActor(ctx, recipient), audit.EventReceive, "receive", env.Sender, map[string]any{
		"nonce": env.Nonce, "kid": env.KeyID, "mode": string(env.Mode),
	})
	return d, nil
}

// reject quarantines data, audits the rejection and returns cause.
func (r *Runtime) reject(ctx context.Context, s *session, recipient string, data []byte, cause error) error {
	meta := map[string]any{"reason": cause.Error()}
	var se *SecurityError
	if errors.As(cause, &se) {
		meta["kind"] = string(se.Kind)
	}
	if s.quarantine != nil {
		digest, err := s.quarantine.Put(ctx, data)
		if err != nil {
			r.logger.WarnContext(ctx, "quarantine failed", "error", err)
		} else {
			meta["quarantine"] = digest
		}
	}
	r.logger.WarnContext(ctx, "tpc envelope rejected", "recipient", recipient, "error", cause)
	_ = r.audit.Record(audit.WithActor(ctx, recipient), audit.EventReject, "receive", recipient, meta)
	return cause
}
