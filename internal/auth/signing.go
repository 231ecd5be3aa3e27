// ABOUTME: HMAC-SHA256 signing of canonical JSON payloads and timestamped envelopes
// ABOUTME: Envelope verification enforces clock skew tolerance and optional replay rejection

package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-coordinator/internal/dedupe"
)

// DefaultSignatureTolerance bounds envelope timestamp skew in both directions.
const DefaultSignatureTolerance = 300 * time.Second

// Headers carrying a detached envelope on A2A HTTP requests.
const (
	HeaderAgent     = "X-A2A-Agent"
	HeaderTimestamp = "X-A2A-Timestamp"
	HeaderSignature = "X-A2A-Signature"
)

// Envelope errors
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrMissingAgent     = errors.New("missing agent")
	ErrTimestampSkew    = errors.New("timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrReplayed         = errors.New("envelope already accepted")
)

// Envelope is a signed, timestamped wrapper around a payload.
type Envelope struct {
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
	Agent     string         `json:"agent"`
	Signature string         `json:"signature"`
}

func (e Envelope) signedContent() map[string]any {
	return map[string]any{
		"payload":   e.Payload,
		"timestamp": e.Timestamp,
		"agent":     e.Agent,
	}
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	Key       []byte
	Tolerance time.Duration
	// Replay, when set, rejects envelopes whose signature was already accepted.
	Replay *dedupe.Window
	Now    func() time.Time
}

// Signer signs and verifies payloads and envelopes.
type Signer struct {
	key       []byte
	tolerance time.Duration
	replay    *dedupe.Window
	now       func() time.Time
}

// NewSigner creates a signer.
func NewSigner(cfg SignerConfig) *Signer {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Signer{key: cfg.Key, tolerance: tolerance, replay: cfg.Replay, now: now}
}

// Tolerance returns the accepted timestamp skew.
func (s *Signer) Tolerance() time.Duration {
	return s.tolerance
}

// Canonicalize renders v as JSON with object keys sorted at every depth.
// Structs and maps holding the same data produce identical bytes.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return out, nil
}

// Sign returns the hex HMAC-SHA256 of payload's canonical form.
func (s *Signer) Sign(payload any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches payload. Malformed input is a
// mismatch.
func (s *Signer) Verify(payload any, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	want, err := s.Sign(payload)
	if err != nil {
		return false
	}
	wantBytes, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantBytes)
}

// BuildEnvelope stamps payload with the current time and agent, then signs it.
func (s *Signer) BuildEnvelope(payload map[string]any, agent string) (Envelope, error) {
	env := Envelope{
		Payload:   payload,
		Timestamp: s.now().Unix(),
		Agent:     agent,
	}
	sig, err := s.Sign(env.signedContent())
	if err != nil {
		return Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// VerifyEnvelope checks an envelope and returns the agent that signed it.
func (s *Signer) VerifyEnvelope(env Envelope) (string, error) {
	if env.Signature == "" {
		return "", ErrMissingSignature
	}
	if env.Timestamp == 0 {
		return "", ErrMissingTimestamp
	}
	if env.Agent == "" {
		return "", ErrMissingAgent
	}

	skew := s.now().Sub(time.Unix(env.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return "", fmt.Errorf("%w: skew %s", ErrTimestampSkew, skew.Round(time.Second))
	}

	if !s.Verify(env.signedContent(), env.Signature) {
		return "", ErrBadSignature
	}
	if s.replay != nil && !s.replay.Observe(env.Signature) {
		return "", ErrReplayed
	}
	return env.Agent, nil
}

// SignRequest builds an envelope over payload and writes it into h as
// detached headers.
func (s *Signer) SignRequest(h http.Header, payload map[string]any, agent string) error {
	env, err := s.BuildEnvelope(payload, agent)
	if err != nil {
		return err
	}
	h.Set(HeaderAgent, env.Agent)
	h.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp, 10))
	h.Set(HeaderSignature, env.Signature)
	return nil
}

// EnvelopeFromRequest reassembles a detached envelope from headers and the
// decoded request payload.
func EnvelopeFromRequest(h http.Header, payload map[string]any) Envelope {
	ts, _ := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	return Envelope{
		Payload:   payload,
		Timestamp: ts,
		Agent:     h.Get(HeaderAgent),
		Signature: h.Get(HeaderSignature),
	}
}
