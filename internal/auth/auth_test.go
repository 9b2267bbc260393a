package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
)

// fakeRoot records calls and returns scripted answers.
type fakeRoot struct {
	delegateOK bool
	modelOK    bool
	secret     *SecretCiphertext
	rootErr    error

	delegateCalls int
	modelCalls    int
	secretCalls   int
	receipts      []Receipt
	receiptErr    error
}

func (f *fakeRoot) IsDelegatePermitted(_ context.Context, _, _ string) (bool, error) {
	f.delegateCalls++
	return f.delegateOK, f.rootErr
}

func (f *fakeRoot) IsModelPermitted(_ context.Context, _, _, _ string) (bool, error) {
	f.modelCalls++
	return f.modelOK, f.rootErr
}

func (f *fakeRoot) GetSecretCiphertext(_ context.Context, _, _ string) (*SecretCiphertext, error) {
	f.secretCalls++
	return f.secret, f.rootErr
}

func (f *fakeRoot) EmitUsageReceipt(_ context.Context, r Receipt) error {
	f.receipts = append(f.receipts, r)
	return f.receiptErr
}

// sealKey generates a gateway keypair and an envelope holding apiKey.
func sealKey(t *testing.T, apiKey string) (*[32]byte, []byte) {
	t.Helper()
	gatewayPK, gatewaySK, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	senderPK, senderSK, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		t.Fatal(err)
	}
	env, err := SealEnvelope([]byte(apiKey), gatewayPK, senderSK, senderPK, &nonce)
	if err != nil {
		t.Fatal(err)
	}
	return gatewaySK, env
}

func TestAuthorizeOwnerActsForSelf(t *testing.T) {
	root := &fakeRoot{modelOK: true}
	a := NewAuthorizer(root, nil, zap.NewNop())

	id := Identity{Owner: "alice", Delegate: "alice"}
	if err := a.Authorize(context.Background(), id, "openai", "gpt-4o"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if root.delegateCalls != 0 {
		t.Error("delegate check ran for owner==delegate")
	}
	if root.modelCalls != 1 {
		t.Errorf("model checks = %d, want 1", root.modelCalls)
	}
}

func TestAuthorizeDelegateDenied(t *testing.T) {
	root := &fakeRoot{delegateOK: false, modelOK: true}
	a := NewAuthorizer(root, nil, zap.NewNop())

	id := Identity{Owner: "alice", Delegate: "mallory"}
	err := a.Authorize(context.Background(), id, "openai", "gpt-4o")
	var denied *DelegateNotPermittedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *DelegateNotPermittedError", err)
	}
	// Fail-closed: the chain stops before the model check.
	if root.modelCalls != 0 {
		t.Errorf("model checks = %d after delegate denial", root.modelCalls)
	}
}

func TestAuthorizeModelDenied(t *testing.T) {
	root := &fakeRoot{delegateOK: true, modelOK: false}
	a := NewAuthorizer(root, nil, zap.NewNop())

	err := a.Authorize(context.Background(), Identity{Owner: "alice", Delegate: "bob"}, "openai", "gpt-4o")
	var denied *ModelNotAllowedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *ModelNotAllowedError", err)
	}
}

func TestAuthorizeTrustRootUnavailable(t *testing.T) {
	root := &fakeRoot{rootErr: errors.New("connection refused")}
	a := NewAuthorizer(root, nil, zap.NewNop())

	err := a.Authorize(context.Background(), Identity{Owner: "alice", Delegate: "bob"}, "openai", "gpt-4o")
	var unavailable *TrustRootUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want *TrustRootUnavailableError", err)
	}
}

func TestAPIKeyDecryptsEnvelope(t *testing.T) {
	gatewaySK, env := sealKey(t, "sk-sealed")
	root := &fakeRoot{secret: &SecretCiphertext{Ciphertext: env, Exists: true, SecretVersion: 3}}
	a := NewAuthorizer(root, gatewaySK, zap.NewNop())

	ctx := WithIdentity(context.Background(), Identity{Owner: "alice", Delegate: "alice"})
	key, err := a.APIKey(ctx, "openai")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-sealed" {
		t.Errorf("key = %q", key)
	}
}

func TestAPIKeySecretNotFound(t *testing.T) {
	root := &fakeRoot{secret: &SecretCiphertext{Exists: false}}
	a := NewAuthorizer(root, nil, zap.NewNop())

	ctx := WithIdentity(context.Background(), Identity{Owner: "alice", Delegate: "alice"})
	_, err := a.APIKey(ctx, "openai")
	var notFound *SecretNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want *SecretNotFoundError", err)
	}
}

func TestAPIKeyDecryptionFailure(t *testing.T) {
	gatewaySK, env := sealKey(t, "sk-sealed")

	// Flip a ciphertext byte so the box no longer opens.
	parsed, err := ParseEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	parsed.Body.Data[0] ^= 0xff
	tampered, err := parsed.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	root := &fakeRoot{secret: &SecretCiphertext{Ciphertext: tampered, Exists: true}}
	a := NewAuthorizer(root, gatewaySK, zap.NewNop())

	ctx := WithIdentity(context.Background(), Identity{Owner: "alice", Delegate: "alice"})
	_, err = a.APIKey(ctx, "openai")
	var failed *DecryptionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want *DecryptionFailedError", err)
	}
}

func TestParseEnvelopeRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "nope"},
		{"wrong format", `{"format":2,"body":{"pk":"","nonce":"","data":""}}`},
		{"short pk", `{"format":1,"body":{"pk":"QUFB","nonce":"QUFB","data":"QUFB"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.raw)); err == nil {
				t.Error("bad envelope parsed")
			}
		})
	}
}

func TestReportUsageSwallowsFailures(t *testing.T) {
	root := &fakeRoot{receiptErr: errors.New("chain congested")}
	a := NewAuthorizer(root, nil, zap.NewNop())

	ctx := WithIdentity(context.Background(), Identity{Owner: "alice", Delegate: "bob"})
	a.ReportUsage(ctx, "req-1", "openai", "gpt-4o", 100, 20)

	if len(root.receipts) != 1 {
		t.Fatalf("receipts = %d", len(root.receipts))
	}
	r := root.receipts[0]
	if r.Owner != "alice" || r.Delegate != "bob" || r.PromptTokens != 100 || r.CompletionTokens != 20 {
		t.Errorf("receipt = %+v", r)
	}
	if r.RequestHash != RequestHash("req-1") {
		t.Errorf("request hash = %q", r.RequestHash)
	}
}

func TestParsePrivateKey(t *testing.T) {
	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Error("invalid hex accepted")
	}
	if _, err := ParsePrivateKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
	key, err := ParsePrivateKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if key[31] != 0x1f {
		t.Errorf("key tail = %x", key[31])
	}
}
