package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// Production endpoints.
const (
	openaiBaseURL     = "https://api.openai.com/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
	xaiBaseURL        = "https://api.x.ai/v1"
	zaiBaseURL        = "https://api.z.ai/api/paas/v4"
	anthropicBaseURL  = "https://api.anthropic.com/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
)

// anthropicAPIVersion is the pinned Messages API version header.
const anthropicAPIVersion = "2023-06-01"

// Deps are the shared collaborator handles for client construction.
type Deps struct {
	Keys    KeySource
	Logger  *zap.Logger
	Timeout time.Duration
}

func (d Deps) normalize() Deps {
	if d.Keys == nil {
		d.Keys = EnvKeySource{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	return d
}

// Client is an HTTP upstream speaking one of the general dialects. The
// format adapter renders the canonical request and parses the response.
type Client struct {
	id          string
	baseURL     string
	path        string
	format      adapter.FormatAdapter
	setAuth     func(r *http.Request, key string)
	keyOptional bool

	keys       KeySource
	httpClient *http.Client
	// streaming uses a client without timeout; cancellation comes from ctx
	streamClient *http.Client
	logger       *zap.Logger
}

func newClient(id, baseURL, path string, format adapter.FormatAdapter, deps Deps) *Client {
	deps = deps.normalize()
	return &Client{
		id:           id,
		baseURL:      baseURL,
		path:         path,
		format:       format,
		keys:         deps.Keys,
		httpClient:   &http.Client{Timeout: deps.Timeout},
		streamClient: &http.Client{},
		logger:       deps.Logger.With(zap.String("provider", id)),
		setAuth: func(r *http.Request, key string) {
			r.Header.Set("Authorization", "Bearer "+key)
		},
	}
}

// NewOpenAIClient creates the api.openai.com Chat Completions client.
func NewOpenAIClient(deps Deps) *Client {
	return newClient(ProviderOpenAI, openaiBaseURL, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
}

// NewOpenAIResponsesClient creates the api.openai.com Responses client,
// used when the inbound request arrived on the Responses endpoint.
func NewOpenAIResponsesClient(deps Deps) *Client {
	return newClient(ProviderOpenAI, openaiBaseURL, "/responses", adapter.NewResponsesAdapter(), deps)
}

// NewOpenRouterClient creates the OpenRouter client.
func NewOpenRouterClient(deps Deps) *Client {
	return newClient(ProviderOpenRouter, openrouterBaseURL, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
}

// NewXAIClient creates the xAI client.
func NewXAIClient(deps Deps) *Client {
	return newClient(ProviderXAI, xaiBaseURL, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
}

// NewZAIClient creates the Z.AI client.
func NewZAIClient(deps Deps) *Client {
	return newClient(ProviderZAI, zaiBaseURL, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
}

// NewAnthropicClient creates the Messages API client.
func NewAnthropicClient(deps Deps) *Client {
	c := newClient(ProviderAnthropic, anthropicBaseURL, "/messages", adapter.NewAnthropicAdapter(), deps)
	c.setAuth = func(r *http.Request, key string) {
		r.Header.Set("x-api-key", key)
		r.Header.Set("anthropic-version", anthropicAPIVersion)
	}
	return c
}

// NewOllamaClient creates a client for a local Ollama daemon, which needs
// no credential. OLLAMA_BASE_URL overrides the default address.
func NewOllamaClient(deps Deps) *Client {
	base := os.Getenv("OLLAMA_BASE_URL")
	if base == "" {
		base = ollamaBaseURL
	}
	c := newClient(ProviderOllama, base, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
	c.keyOptional = true
	return c
}

// NewCustomClient creates a client for an arbitrary OpenAI-compatible
// endpoint. An empty base URL leaves the provider unconfigured.
func NewCustomClient(baseURL string, deps Deps) *Client {
	c := newClient(ProviderCustom, baseURL, "/chat/completions", adapter.NewOpenAIAdapter(), deps)
	c.keyOptional = true
	return c
}

// Name implements AIProvider.
func (c *Client) Name() string { return c.id }

// SetBaseURL overrides the upstream base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// IsConfigured implements AIProvider.
func (c *Client) IsConfigured(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	if c.keyOptional {
		return true
	}
	_, err := c.keys.APIKey(ctx, c.id)
	return err == nil
}

// ChatCompletion implements AIProvider.
func (c *Client) ChatCompletion(ctx context.Context, req *types.Request) (*types.Response, error) {
	httpResp, err := c.do(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.id, err)
	}
	return c.format.ProviderToCanonical(body)
}

// GetStreamingResponse implements AIProvider. The caller owns the returned
// body.
func (c *Client) GetStreamingResponse(ctx context.Context, req *types.Request) (io.ReadCloser, error) {
	httpResp, err := c.do(ctx, c.streamClient, req)
	if err != nil {
		return nil, err
	}
	return httpResp.Body, nil
}

// NewStreamTranslator implements StreamTranslating: the client's stream is
// translated with the dialect it speaks upstream, which for OpenAI differs
// between the Chat Completions and Responses clients.
func (c *Client) NewStreamTranslator(logger *zap.Logger) stream.Translator {
	return c.format.NewStreamTranslator(logger)
}

// do renders, sends and checks one upstream request. Non-2xx responses are
// drained into a typed error.
func (c *Client) do(ctx context.Context, httpClient *http.Client, req *types.Request) (*http.Response, error) {
	payload, err := c.format.CanonicalToProvider(req)
	if err != nil {
		return nil, fmt.Errorf("render %s request: %w", c.id, err)
	}
	marshalIndentedForLog(c.logger, payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	key, err := c.keys.APIKey(ctx, c.id)
	if err != nil {
		if !c.keyOptional {
			return nil, err
		}
	} else {
		c.setAuth(httpReq, key)
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.id, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		c.logger.Warn("upstream error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("model", req.Model))
		return nil, &Error{Provider: c.id, Status: httpResp.StatusCode, Body: string(body)}
	}
	return httpResp, nil
}

// marshalIndentedForLog pretty-prints a request payload at debug level
// without forcing the allocation when the level is off.
func marshalIndentedForLog(logger *zap.Logger, payload []byte) {
	if ce := logger.Check(zap.DebugLevel, "upstream request"); ce != nil {
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err == nil {
			ce.Write(zap.String("payload", buf.String()))
		}
	}
}
