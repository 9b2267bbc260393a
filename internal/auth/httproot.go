package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTrustRoot talks to a remote trust root over HTTP/JSON. It implements
// TrustRoot; transport failures surface as plain errors and are wrapped
// into TrustRootUnavailable by the authorizer.
type HTTPTrustRoot struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTrustRoot creates a client for the trust root at baseURL.
func NewHTTPTrustRoot(baseURL string) *HTTPTrustRoot {
	return &HTTPTrustRoot{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type permittedResponse struct {
	Permitted bool `json:"permitted"`
}

type secretResponse struct {
	Ciphertext    []byte `json:"ciphertext"`
	SecretVersion int    `json:"secret_version"`
	KeyVersion    int    `json:"key_version"`
}

// IsDelegatePermitted asks whether delegate may act for owner.
func (h *HTTPTrustRoot) IsDelegatePermitted(ctx context.Context, owner, delegate string) (bool, error) {
	var out permittedResponse
	path := fmt.Sprintf("/v1/delegates/%s/%s", url.PathEscape(owner), url.PathEscape(delegate))
	if err := h.get(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Permitted, nil
}

// IsModelPermitted asks whether owner may use a provider model.
func (h *HTTPTrustRoot) IsModelPermitted(ctx context.Context, owner, providerID, modelID string) (bool, error) {
	var out permittedResponse
	path := fmt.Sprintf("/v1/permissions/%s/%s/%s",
		url.PathEscape(owner), url.PathEscape(providerID), url.PathEscape(modelID))
	if err := h.get(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Permitted, nil
}

// GetSecretCiphertext fetches the sealed provider key for an owner. A 404
// is not an error: it reports a non-existent secret.
func (h *HTTPTrustRoot) GetSecretCiphertext(ctx context.Context, owner, providerID string) (*SecretCiphertext, error) {
	path := fmt.Sprintf("/v1/secrets/%s/%s", url.PathEscape(owner), url.PathEscape(providerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &SecretCiphertext{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trust root returned status %d", resp.StatusCode)
	}

	var out secretResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode secret response: %w", err)
	}
	return &SecretCiphertext{
		Ciphertext:    out.Ciphertext,
		SecretVersion: out.SecretVersion,
		KeyVersion:    out.KeyVersion,
		Exists:        true,
	}, nil
}

// EmitUsageReceipt posts a usage receipt to the trust root.
func (h *HTTPTrustRoot) EmitUsageReceipt(ctx context.Context, receipt Receipt) error {
	body, err := json.Marshal(map[string]any{
		"request_hash":      receipt.RequestHash,
		"owner":             receipt.Owner,
		"delegate":          receipt.Delegate,
		"provider":          receipt.ProviderID,
		"model":             receipt.ModelID,
		"prompt_tokens":     receipt.PromptTokens,
		"completion_tokens": receipt.CompletionTokens,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/receipts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trust root returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPTrustRoot) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trust root returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode trust root response: %w", err)
	}
	return nil
}
