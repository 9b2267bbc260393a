package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleClient speaks the Gemini generateContent API. Its wire shape
// (contents with user/model roles, systemInstruction, generationConfig) is
// provider-specific, so translation lives here rather than in a dialect
// adapter.
type GoogleClient struct {
	baseURL string

	keys         KeySource
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewGoogleClient creates the Gemini client.
func NewGoogleClient(deps Deps) *GoogleClient {
	deps = deps.normalize()
	return &GoogleClient{
		baseURL:      googleBaseURL,
		keys:         deps.Keys,
		httpClient:   &http.Client{Timeout: deps.Timeout},
		streamClient: &http.Client{},
		logger:       deps.Logger.With(zap.String("provider", ProviderGoogle)),
	}
}

// Name implements AIProvider.
func (c *GoogleClient) Name() string { return ProviderGoogle }

// SetBaseURL overrides the upstream base URL. Used in tests.
func (c *GoogleClient) SetBaseURL(url string) { c.baseURL = url }

// IsConfigured implements AIProvider.
func (c *GoogleClient) IsConfigured(ctx context.Context) bool {
	_, err := c.keys.APIKey(ctx, ProviderGoogle)
	return err == nil
}

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user | model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string             `json:"text,omitempty"`
	InlineData       *geminiInlineData  `json:"inlineData,omitempty"`
	FunctionCall     *geminiFnCall      `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResponse  `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFnResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations"`
}

type geminiFnDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ─── Operations ──────────────────────────────────────────────────────────────

// ChatCompletion implements AIProvider.
func (c *GoogleClient) ChatCompletion(ctx context.Context, req *types.Request) (*types.Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpResp, err := c.do(ctx, c.httpClient, url, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read google response: %w", err)
	}
	return geminiToCanonical(body, req.Model)
}

// GetStreamingResponse implements AIProvider, using the SSE variant of
// streamGenerateContent.
func (c *GoogleClient) GetStreamingResponse(ctx context.Context, req *types.Request) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
	httpResp, err := c.do(ctx, c.streamClient, url, req)
	if err != nil {
		return nil, err
	}
	return httpResp.Body, nil
}

// NewStreamTranslator implements StreamTranslating.
func (c *GoogleClient) NewStreamTranslator(logger *zap.Logger) stream.Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &geminiStreamTranslator{logger: logger}
}

func (c *GoogleClient) do(ctx context.Context, httpClient *http.Client, url string, req *types.Request) (*http.Response, error) {
	payload, err := canonicalToGemini(req)
	if err != nil {
		return nil, fmt.Errorf("render google request: %w", err)
	}
	marshalIndentedForLog(c.logger, payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create google request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	key, err := c.keys.APIKey(ctx, ProviderGoogle)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", key)

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google request failed: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		c.logger.Warn("upstream error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("model", req.Model))
		return nil, &Error{Provider: ProviderGoogle, Status: httpResp.StatusCode, Body: string(body)}
	}
	return httpResp, nil
}

// ─── Translation ─────────────────────────────────────────────────────────────

func canonicalToGemini(req *types.Request) ([]byte, error) {
	wire := geminiRequest{}

	if req.System != nil {
		text := req.System.Text
		for _, p := range req.System.Parts {
			if p.Type == types.PartText {
				text += p.Text
			}
		}
		if text != "" {
			wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
		}
	}

	for _, m := range req.Messages {
		content, ok := canonicalMessageToGemini(m)
		if ok {
			wire.Contents = append(wire.Contents, content)
		}
	}

	if g := req.Generation; g != nil {
		cfg := &geminiGenConfig{
			Temperature:     g.Temperature,
			TopP:            g.TopP,
			TopK:            g.TopK,
			MaxOutputTokens: g.MaxTokens,
		}
		cfg.StopSequences = append(cfg.StopSequences, g.Stop...)
		cfg.StopSequences = append(cfg.StopSequences, g.StopSequences...)
		wire.GenerationConfig = cfg
	}

	if len(req.Tools) > 0 {
		group := geminiToolGroup{}
		for _, t := range req.Tools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, geminiFnDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		wire.Tools = []geminiToolGroup{group}
	}

	return json.Marshal(wire)
}

func canonicalMessageToGemini(m types.Message) (geminiContent, bool) {
	role := "user"
	if m.Role == types.RoleAssistant {
		role = "model"
	}
	content := geminiContent{Role: role}

	switch m.Role {
	case types.RoleTool:
		var response map[string]any
		if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
			response = map[string]any{"output": m.TextContent()}
		}
		content.Parts = append(content.Parts, geminiPart{
			FunctionResponse: &geminiFnResponse{Name: m.ToolCallID, Response: response},
		})
		return content, true

	case types.RoleSystem:
		content.Parts = append(content.Parts, geminiPart{Text: m.TextContent()})
		return content, len(m.Content) > 0 || len(m.Parts) > 0
	}

	if m.IsText() {
		if m.Content != "" {
			content.Parts = append(content.Parts, geminiPart{Text: m.Content})
		}
	} else {
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				content.Parts = append(content.Parts, geminiPart{Text: p.Text})
			case types.PartImage, types.PartAudio, types.PartVideo, types.PartDocument:
				if p.Source == nil || p.Source.Kind != types.SourceBase64 {
					continue
				}
				content.Parts = append(content.Parts, geminiPart{
					InlineData: &geminiInlineData{
						MimeType: p.Source.MediaType,
						Data:     p.Source.Data,
					},
				})
			}
		}
	}

	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		content.Parts = append(content.Parts, geminiPart{
			FunctionCall: &geminiFnCall{Name: tc.Function.Name, Args: args},
		})
	}

	return content, len(content.Parts) > 0
}

func geminiToCanonical(body []byte, model string) (*types.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse google response: %w", err)
	}

	resp := &types.Response{SchemaVersion: types.SchemaVersion, Model: model}
	for i, cand := range wire.Candidates {
		choice := types.Choice{
			Index:        i,
			FinishReason: geminiFinishToCanonical(cand.FinishReason),
		}
		choice.Message.Role = types.RoleAssistant
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				choice.Message.Parts = append(choice.Message.Parts, types.ContentPart{
					Type: types.PartText,
					Text: p.Text,
				})
			}
			if p.FunctionCall != nil {
				args, _ := json.Marshal(p.FunctionCall.Args)
				choice.ToolCalls = append(choice.ToolCalls, types.ToolCall{
					ID:   p.FunctionCall.Name,
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					},
				})
			}
		}
		if len(choice.ToolCalls) > 0 {
			choice.FinishReason = types.FinishToolCalls
		}
		resp.Choices = append(resp.Choices, choice)
	}
	if wire.UsageMetadata != nil {
		resp.Usage = &types.Usage{
			InputTokens:      wire.UsageMetadata.PromptTokenCount,
			OutputTokens:     wire.UsageMetadata.CandidatesTokenCount,
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

func geminiFinishToCanonical(reason string) string {
	switch reason {
	case "STOP", "":
		return types.FinishStop
	case "MAX_TOKENS":
		return types.FinishMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// geminiStreamTranslator turns streamGenerateContent SSE payloads into
// canonical events. Each payload is a full geminiResponse fragment.
type geminiStreamTranslator struct {
	logger   *zap.Logger
	started  bool
	finished bool
	usage    *geminiUsage
}

func (t *geminiStreamTranslator) Translate(payload string) ([]types.StreamEvent, error) {
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, fmt.Errorf("parse google chunk: %w", err)
	}

	var events []types.StreamEvent
	if !t.started {
		t.started = true
		events = append(events, types.StreamEvent{Type: types.EventMessageStart})
	}
	if chunk.UsageMetadata != nil {
		t.usage = chunk.UsageMetadata
	}

	for _, cand := range chunk.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				events = append(events, types.StreamEvent{
					Type:  types.EventContentDelta,
					Part:  types.DeltaText,
					Value: p.Text,
				})
			}
			if p.FunctionCall != nil {
				args, _ := json.Marshal(p.FunctionCall.Args)
				events = append(events, types.StreamEvent{
					Type:          types.EventToolCall,
					ToolCallID:    p.FunctionCall.Name,
					ToolCallName:  p.FunctionCall.Name,
					ArgumentsJSON: string(args),
				})
			}
		}
		if cand.FinishReason != "" && !t.finished {
			t.finished = true
			events = append(events, types.StreamEvent{
				Type:         types.EventComplete,
				FinishReason: geminiFinishToCanonical(cand.FinishReason),
			})
			if t.usage != nil {
				events = append(events, types.StreamEvent{
					Type: types.EventUsage,
					Usage: &types.Usage{
						InputTokens:      t.usage.PromptTokenCount,
						OutputTokens:     t.usage.CandidatesTokenCount,
						PromptTokens:     t.usage.PromptTokenCount,
						CompletionTokens: t.usage.CandidatesTokenCount,
						TotalTokens:      t.usage.TotalTokenCount,
					},
				})
			}
		}
	}
	return events, nil
}

func (t *geminiStreamTranslator) Done() []types.StreamEvent {
	if t.finished {
		return nil
	}
	t.finished = true
	return []types.StreamEvent{{Type: types.EventComplete, FinishReason: types.FinishStop}}
}
