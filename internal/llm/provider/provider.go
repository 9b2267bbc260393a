package provider

// Package provider implements the upstream API clients.
//
// Responsibilities:
//   - Implement the AIProvider contract for every supported upstream
//     (OpenAI, Anthropic, OpenRouter, xAI, Z.AI, Google, Ollama, custom
//     OpenAI-compatible endpoints)
//   - Apply per-provider authentication headers
//   - Translate canonical requests/responses through the dialect adapter;
//     Google's wire shape is provider-specific and translated in-client
//   - Surface upstream failures as typed errors without retrying
//
// API keys come from an injected KeySource so the authorization adapter can
// supply per-caller keys when enabled; the default source reads the
// conventional *_API_KEY environment variables.

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// Provider ids.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderXAI        = "xai"
	ProviderZAI        = "zai"
	ProviderGoogle     = "google"
	ProviderOllama     = "ollama"
	ProviderCustom     = "custom"
)

// DefaultTimeout bounds non-streaming upstream calls. Streaming requests
// rely on context cancellation instead.
const DefaultTimeout = 30 * time.Second

// AIProvider is the contract every upstream client implements.
type AIProvider interface {
	// Name returns the provider id.
	Name() string

	// IsConfigured reports whether the provider can be dispatched to: its
	// credential is resolvable (or not required).
	IsConfigured(ctx context.Context) bool

	// ChatCompletion performs a non-streaming completion.
	ChatCompletion(ctx context.Context, req *types.Request) (*types.Response, error)

	// GetStreamingResponse performs a streaming completion and returns the
	// raw upstream body for the streaming pipeline to consume.
	GetStreamingResponse(ctx context.Context, req *types.Request) (io.ReadCloser, error)
}

// StreamTranslating is implemented by providers that know the wire dialect
// of their own upstream stream; the pipeline uses their translator instead
// of looking one up by provider id.
type StreamTranslating interface {
	NewStreamTranslator(logger *zap.Logger) stream.Translator
}

// KeySource resolves the API key for a provider. Implementations include
// the environment source below and the authorization adapter.
type KeySource interface {
	APIKey(ctx context.Context, providerID string) (string, error)
}

// envKeyNames maps provider ids to their conventional environment
// variables.
var envKeyNames = map[string]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
	ProviderOpenRouter: "OPENROUTER_API_KEY",
	ProviderXAI:        "XAI_API_KEY",
	ProviderZAI:        "ZAI_API_KEY",
	ProviderGoogle:     "GEMINI_API_KEY",
	ProviderCustom:     "CUSTOM_API_KEY",
}

// EnvKeySource reads provider keys from the environment.
type EnvKeySource struct{}

// APIKey implements KeySource.
func (EnvKeySource) APIKey(_ context.Context, providerID string) (string, error) {
	name, ok := envKeyNames[providerID]
	if !ok {
		return "", &AuthMissingError{Provider: providerID}
	}
	key := os.Getenv(name)
	if key == "" {
		return "", &AuthMissingError{Provider: providerID}
	}
	return key, nil
}

// AuthMissingError reports an unresolvable provider credential. Mapped to
// HTTP 401 at the ingress layer.
type AuthMissingError struct {
	Provider string
}

func (e *AuthMissingError) Error() string {
	return fmt.Sprintf("no API key available for provider %q", e.Provider)
}

// Error wraps an upstream non-2xx response. Mapped to HTTP 502 at the
// ingress layer, except 429 which passes through.
type Error struct {
	Provider string
	Status   int
	Body     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: upstream status %d: %s", e.Provider, e.Status, e.Body)
}

// NoProviderError reports that no configured provider can serve a model.
// Mapped to HTTP 502 at the ingress layer.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no configured provider for model %q", e.Model)
}
