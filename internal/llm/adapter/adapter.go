package adapter

// Package adapter translates between the wire dialects and the canonical
// schema.
//
// Responsibilities:
//   - Parse each supported dialect's request shape into a canonical Request
//   - Render canonical Responses back into each dialect
//   - Render canonical Requests into each provider's wire shape
//   - Translate streaming events in both directions, assembling multi-chunk
//     tool calls on the way in
//
// Supported dialects: OpenAI Chat Completions ("openai"), Anthropic
// Messages ("anthropic"), OpenAI Responses ("openai_responses"). The
// Google Gemini wire shape is not a general dialect; its translation lives
// inside the Google provider client.

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// Format names.
const (
	FormatOpenAI    = "openai"
	FormatAnthropic = "anthropic"
	FormatResponses = "openai_responses"
)

// FormatAdapter is the bidirectional translation contract for one dialect.
// Implementations are stateless; per-stream state lives in the translator
// and encoder values they create.
type FormatAdapter interface {
	// Name returns the format name the adapter registers under.
	Name() string

	// ClientToCanonical parses an inbound request body.
	ClientToCanonical(body []byte) (*types.Request, error)

	// CanonicalToClient renders a canonical response for the caller.
	CanonicalToClient(resp *types.Response) ([]byte, error)

	// CanonicalToProvider renders a canonical request for the upstream.
	CanonicalToProvider(req *types.Request) ([]byte, error)

	// ProviderToCanonical parses an upstream response body.
	ProviderToCanonical(body []byte) (*types.Response, error)

	// NewStreamTranslator creates the stateful upstream-to-canonical
	// translator for one streaming request.
	NewStreamTranslator(logger *zap.Logger) stream.Translator

	// NewStreamEncoder creates the canonical-to-caller encoder for one
	// streaming request. The model name appears in dialect framing.
	NewStreamEncoder(model string) stream.Encoder
}

// NotRegisteredError reports a lookup of an unknown format or provider
// binding. Mapped to HTTP 404 at the ingress layer.
type NotRegisteredError struct {
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("format %q not registered", e.Name)
}

// Registry maps format names to adapters and provider names to formats.
// Registration happens at process startup; lookups afterwards are
// read-only, so no locking is needed.
type Registry struct {
	formats   map[string]FormatAdapter
	providers map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		formats:   make(map[string]FormatAdapter),
		providers: make(map[string]string),
	}
}

// NewDefaultRegistry registers the three dialects and the standard
// provider-to-format bindings.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFormat(NewOpenAIAdapter())
	r.RegisterFormat(NewAnthropicAdapter())
	r.RegisterFormat(NewResponsesAdapter())

	r.BindProvider("openai", FormatOpenAI)
	r.BindProvider("openrouter", FormatOpenAI)
	r.BindProvider("xai", FormatOpenAI)
	r.BindProvider("zai", FormatOpenAI)
	r.BindProvider("ollama", FormatOpenAI)
	r.BindProvider("custom", FormatOpenAI)
	r.BindProvider("anthropic", FormatAnthropic)
	return r
}

// RegisterFormat adds an adapter under its own name.
func (r *Registry) RegisterFormat(a FormatAdapter) {
	r.formats[a.Name()] = a
}

// BindProvider maps a provider name to a format name.
func (r *Registry) BindProvider(provider, format string) {
	r.providers[provider] = format
}

// Format resolves a format name.
func (r *Registry) Format(name string) (FormatAdapter, error) {
	a, ok := r.formats[name]
	if !ok {
		return nil, &NotRegisteredError{Name: name}
	}
	return a, nil
}

// ForProvider resolves the adapter a provider speaks.
func (r *Registry) ForProvider(provider string) (FormatAdapter, error) {
	format, ok := r.providers[provider]
	if !ok {
		return nil, &NotRegisteredError{Name: provider}
	}
	return r.Format(format)
}
