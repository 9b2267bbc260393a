package auth

// Package auth implements per-caller authorization and key release.
//
// Responsibilities:
//   - Check delegate and model permissions against an external trust root
//   - Fetch the caller's provider key as a sealed envelope and decrypt it
//     in-process with the gateway's private key
//   - Emit usage receipts after successful upstream responses; receipt
//     failures never fail the user response
//
// Every request performs the full permission chain; nothing is cached, and
// every failure is fail-closed.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
)

// TrustRoot is the external authorization collaborator.
type TrustRoot interface {
	// IsDelegatePermitted reports whether delegate may act for owner.
	IsDelegatePermitted(ctx context.Context, owner, delegate string) (bool, error)

	// IsModelPermitted reports whether owner may use a provider model.
	IsModelPermitted(ctx context.Context, owner, providerID, modelID string) (bool, error)

	// GetSecretCiphertext fetches the sealed provider key for an owner.
	GetSecretCiphertext(ctx context.Context, owner, providerID string) (*SecretCiphertext, error)

	// EmitUsageReceipt records token usage with the trust root.
	EmitUsageReceipt(ctx context.Context, receipt Receipt) error
}

// SecretCiphertext is the trust root's sealed-key record.
type SecretCiphertext struct {
	Ciphertext    []byte
	SecretVersion int
	KeyVersion    int
	Exists        bool
}

// Receipt is the usage attestation sent back to the trust root.
type Receipt struct {
	RequestHash      string
	Owner            string
	Delegate         string
	ProviderID       string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
}

// Identity is the authenticated caller of one request.
type Identity struct {
	Owner    string
	Delegate string
}

type identityKey struct{}

// WithIdentity attaches the caller identity to a request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequestHash derives the receipt's request hash from the request id.
func RequestHash(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return hex.EncodeToString(sum[:])
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// DelegateNotPermittedError maps to HTTP 403.
type DelegateNotPermittedError struct {
	Owner    string
	Delegate string
}

func (e *DelegateNotPermittedError) Error() string {
	return fmt.Sprintf("delegate %q is not permitted to act for owner %q", e.Delegate, e.Owner)
}

// ModelNotAllowedError maps to HTTP 403.
type ModelNotAllowedError struct {
	Owner    string
	Provider string
	Model    string
}

func (e *ModelNotAllowedError) Error() string {
	return fmt.Sprintf("owner %q may not use model %q on provider %q", e.Owner, e.Model, e.Provider)
}

// SecretNotFoundError maps to HTTP 404.
type SecretNotFoundError struct {
	Owner    string
	Provider string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("no secret stored for owner %q and provider %q", e.Owner, e.Provider)
}

// DecryptionFailedError maps to HTTP 500.
type DecryptionFailedError struct {
	Reason string
}

func (e *DecryptionFailedError) Error() string {
	return "secret decryption failed: " + e.Reason
}

// TrustRootUnavailableError maps to HTTP 503.
type TrustRootUnavailableError struct {
	Err error
}

func (e *TrustRootUnavailableError) Error() string {
	return fmt.Sprintf("trust root unavailable: %v", e.Err)
}

func (e *TrustRootUnavailableError) Unwrap() error { return e.Err }

// ─── Authorizer ──────────────────────────────────────────────────────────────

// Authorizer runs the permission chain and releases provider keys. It
// implements the provider key-source contract.
type Authorizer struct {
	root       TrustRoot
	privateKey *[32]byte
	logger     *zap.Logger
}

// NewAuthorizer creates an authorizer with the gateway's curve25519
// private key.
func NewAuthorizer(root TrustRoot, privateKey *[32]byte, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{root: root, privateKey: privateKey, logger: logger}
}

// ParsePrivateKey decodes a hex-encoded 32-byte private key.
func ParsePrivateKey(encoded string) (*[32]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Authorize runs the delegate and model checks for one request.
func (a *Authorizer) Authorize(ctx context.Context, id Identity, providerID, modelID string) error {
	if id.Owner != id.Delegate {
		permitted, err := a.root.IsDelegatePermitted(ctx, id.Owner, id.Delegate)
		if err != nil {
			return &TrustRootUnavailableError{Err: err}
		}
		if !permitted {
			return &DelegateNotPermittedError{Owner: id.Owner, Delegate: id.Delegate}
		}
	}

	permitted, err := a.root.IsModelPermitted(ctx, id.Owner, providerID, modelID)
	if err != nil {
		return &TrustRootUnavailableError{Err: err}
	}
	if !permitted {
		return &ModelNotAllowedError{Owner: id.Owner, Provider: providerID, Model: modelID}
	}
	return nil
}

// APIKey implements the provider key-source contract: it fetches and
// decrypts the owner's sealed key for a provider. The caller identity must
// be on the context.
func (a *Authorizer) APIKey(ctx context.Context, providerID string) (string, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", &DelegateNotPermittedError{}
	}

	secret, err := a.root.GetSecretCiphertext(ctx, id.Owner, providerID)
	if err != nil {
		return "", &TrustRootUnavailableError{Err: err}
	}
	if secret == nil || !secret.Exists {
		return "", &SecretNotFoundError{Owner: id.Owner, Provider: providerID}
	}

	key, err := a.decrypt(secret.Ciphertext)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (a *Authorizer) decrypt(ciphertext []byte) (string, error) {
	if a.privateKey == nil {
		return "", &DecryptionFailedError{Reason: "no private key configured"}
	}
	env, err := ParseEnvelope(ciphertext)
	if err != nil {
		return "", &DecryptionFailedError{Reason: err.Error()}
	}

	var pk [32]byte
	copy(pk[:], env.Body.PK)
	var nonce [24]byte
	copy(nonce[:], env.Body.Nonce)

	plaintext, ok := box.Open(nil, env.Body.Data, &nonce, &pk, a.privateKey)
	if !ok {
		return "", &DecryptionFailedError{Reason: "envelope did not open"}
	}
	return string(plaintext), nil
}

// ReportUsage emits a usage receipt. Failures are logged and swallowed.
func (a *Authorizer) ReportUsage(ctx context.Context, requestID, providerID, modelID string, promptTokens, completionTokens int) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return
	}
	receipt := Receipt{
		RequestHash:      RequestHash(requestID),
		Owner:            id.Owner,
		Delegate:         id.Delegate,
		ProviderID:       providerID,
		ModelID:          modelID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	if err := a.root.EmitUsageReceipt(ctx, receipt); err != nil {
		a.logger.Warn("usage receipt emission failed",
			zap.String("owner", id.Owner),
			zap.String("provider", providerID),
			zap.Error(err))
	}
}
