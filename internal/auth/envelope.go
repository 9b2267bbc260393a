package auth

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// EnvelopeFormat is the only supported sealed-envelope version.
const EnvelopeFormat = 1

// Envelope is the tagged ciphertext container stored at the trust root.
// PK is the 32-byte ephemeral public key of the sealer; Data is the NaCl
// box ciphertext. Byte fields travel base64-encoded in JSON.
type Envelope struct {
	Format int          `json:"format"`
	Body   EnvelopeBody `json:"body"`
}

// EnvelopeBody carries the box parameters.
type EnvelopeBody struct {
	PK    []byte `json:"pk"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
	Epoch uint64 `json:"epoch,omitempty"`
}

// Marshal re-encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// ParseEnvelope decodes and validates an envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Format != EnvelopeFormat {
		return nil, fmt.Errorf("unsupported envelope format %d", env.Format)
	}
	if len(env.Body.PK) != 32 {
		return nil, fmt.Errorf("envelope public key must be 32 bytes, got %d", len(env.Body.PK))
	}
	if len(env.Body.Nonce) != 24 {
		return nil, fmt.Errorf("envelope nonce must be 24 bytes, got %d", len(env.Body.Nonce))
	}
	if len(env.Body.Data) == 0 {
		return nil, fmt.Errorf("envelope data is empty")
	}
	return &env, nil
}

// SealEnvelope encrypts plaintext for a recipient public key. Used by
// tests and provisioning tooling; the gateway itself only opens envelopes.
func SealEnvelope(plaintext []byte, recipientPK, senderSK *[32]byte, senderPK *[32]byte, nonce *[24]byte) ([]byte, error) {
	data := box.Seal(nil, plaintext, nonce, recipientPK, senderSK)
	env := Envelope{
		Format: EnvelopeFormat,
		Body: EnvelopeBody{
			PK:    senderPK[:],
			Nonce: nonce[:],
			Data:  data,
		},
	}
	return json.Marshal(env)
}
