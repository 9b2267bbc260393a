package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type oaRequest struct {
	Model               string             `json:"model"`
	Messages            []oaMessage        `json:"messages"`
	MaxTokens           *int               `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int               `json:"max_completion_tokens,omitempty"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	N                   *int               `json:"n,omitempty"`
	Stop                json.RawMessage    `json:"stop,omitempty"`
	Seed                *int64             `json:"seed,omitempty"`
	FrequencyPenalty    *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64           `json:"presence_penalty,omitempty"`
	Logprobs            *bool              `json:"logprobs,omitempty"`
	TopLogprobs         *int               `json:"top_logprobs,omitempty"`
	LogitBias           map[string]float64 `json:"logit_bias,omitempty"`
	Tools               []oaTool           `json:"tools,omitempty"`
	ToolChoice          json.RawMessage    `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool              `json:"parallel_tool_calls,omitempty"`
	Functions           []oaFunctionDef    `json:"functions,omitempty"`
	FunctionCall        json.RawMessage    `json:"function_call,omitempty"`
	ResponseFormat      *oaResponseFormat  `json:"response_format,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *oaStreamOptions   `json:"stream_options,omitempty"`
	ServiceTier         string             `json:"service_tier,omitempty"`
	ReasoningEffort     string             `json:"reasoning_effort,omitempty"`
	Modalities          []string           `json:"modalities,omitempty"`
	Audio               *oaAudioConfig     `json:"audio,omitempty"`
	User                string             `json:"user,omitempty"`
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall    `json:"tool_calls,omitempty"`
}

type oaContentPart struct {
	Type       string        `json:"type"`
	Text       string        `json:"text,omitempty"`
	ImageURL   *oaImageURL   `json:"image_url,omitempty"`
	InputAudio *oaInputAudio `json:"input_audio,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type oaTool struct {
	Type     string        `json:"type"`
	Function oaFunctionDef `json:"function"`
}

type oaFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type oaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function oaToolCallFunction `json:"function"`
}

type oaToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaAudioConfig struct {
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

type oaResponse struct {
	ID                string     `json:"id"`
	Object            string     `json:"object"`
	Created           int64      `json:"created"`
	Model             string     `json:"model"`
	Choices           []oaChoice `json:"choices"`
	Usage             *oaUsage   `json:"usage,omitempty"`
	SystemFingerprint string     `json:"system_fingerprint,omitempty"`
}

type oaChoice struct {
	Index        int             `json:"index"`
	Message      oaRespMessage   `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

type oaRespMessage struct {
	Role      string       `json:"role"`
	Content   *string      `json:"content"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

// ─── Adapter ─────────────────────────────────────────────────────────────────

// OpenAIAdapter is the Chat Completions dialect.
type OpenAIAdapter struct{}

// NewOpenAIAdapter creates the Chat Completions adapter.
func NewOpenAIAdapter() *OpenAIAdapter { return &OpenAIAdapter{} }

func (a *OpenAIAdapter) Name() string { return FormatOpenAI }

// ClientToCanonical parses a Chat Completions request. The first
// system-role message becomes the canonical system prompt; later system
// messages keep their role.
func (a *OpenAIAdapter) ClientToCanonical(body []byte) (*types.Request, error) {
	var wire oaRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse openai request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("openai request: model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("openai request: messages must be non-empty")
	}

	req := &types.Request{
		SchemaVersion: types.SchemaVersion,
		Model:         wire.Model,
		Stream:        wire.Stream,
		ServiceTier:   wire.ServiceTier,
		User:          wire.User,
	}

	systemSeen := false
	for _, m := range wire.Messages {
		if m.Role == types.RoleSystem && !systemSeen {
			systemSeen = true
			text, parts, err := parseOAContent(m.Content)
			if err != nil {
				return nil, err
			}
			sys := &types.SystemPrompt{Text: text}
			if len(parts) > 0 {
				sys.Parts = parts
				sys.Text = ""
			}
			req.System = sys
			continue
		}
		msg, err := oaMessageToCanonical(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	req.Generation = oaGeneration(&wire)
	if err := validateGeneration(req.Generation); err != nil {
		return nil, err
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, types.Tool{
			Type:     "function",
			Function: oaFunctionToCanonical(t.Function),
		})
	}
	tc, err := parseOAToolChoice(wire.ToolChoice)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = tc
	req.ParallelToolCalls = wire.ParallelToolCalls

	for _, f := range wire.Functions {
		req.Functions = append(req.Functions, oaFunctionToCanonical(f))
	}
	if len(wire.FunctionCall) > 0 {
		var fc any
		if err := json.Unmarshal(wire.FunctionCall, &fc); err == nil {
			req.FunctionCall = fc
		}
	}

	if wire.ResponseFormat != nil {
		req.ResponseFormat = &types.ResponseFormat{Type: wire.ResponseFormat.Type}
		if wire.ResponseFormat.JSONSchema != nil {
			js := wire.ResponseFormat.JSONSchema
			req.ResponseFormat.JSONSchema = &types.JSONSchemaFormat{
				Name:        js.Name,
				Description: js.Description,
				Schema:      js.Schema,
				Strict:      js.Strict,
			}
		}
	}
	if wire.StreamOptions != nil {
		req.StreamOptions = &types.StreamOptions{IncludeUsage: wire.StreamOptions.IncludeUsage}
	}
	req.ReasoningEffort = wire.ReasoningEffort
	req.Modalities = wire.Modalities
	if wire.Audio != nil {
		req.Audio = &types.AudioConfig{Voice: wire.Audio.Voice, Format: wire.Audio.Format}
	}
	return req, nil
}

// CanonicalToProvider renders a canonical request for an OpenAI-compatible
// upstream.
func (a *OpenAIAdapter) CanonicalToProvider(req *types.Request) ([]byte, error) {
	wire := oaRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		ServiceTier:     req.ServiceTier,
		ReasoningEffort: req.ReasoningEffort,
		Modalities:      req.Modalities,
		User:            req.User,
	}

	if req.System != nil {
		text := req.System.Text
		if text == "" {
			for _, p := range req.System.Parts {
				if p.Type == types.PartText {
					text += p.Text
				}
			}
		}
		content, _ := json.Marshal(text)
		wire.Messages = append(wire.Messages, oaMessage{Role: types.RoleSystem, Content: content})
	}

	for _, m := range req.Messages {
		om, err := canonicalMessageToOA(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, om)
	}

	if g := req.Generation; g != nil {
		wire.MaxTokens = g.MaxTokens
		wire.Temperature = g.Temperature
		wire.TopP = g.TopP
		wire.N = g.N
		wire.Seed = g.Seed
		wire.FrequencyPenalty = g.FrequencyPenalty
		wire.PresencePenalty = g.PresencePenalty
		wire.Logprobs = g.Logprobs
		wire.TopLogprobs = g.TopLogprobs
		wire.LogitBias = g.LogitBias
		if stops := mergeStops(g); len(stops) > 0 {
			raw, _ := json.Marshal(stops)
			wire.Stop = raw
		}
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, oaTool{Type: "function", Function: canonicalFunctionToOA(t.Function)})
	}
	if raw := encodeOAToolChoice(req.ToolChoice); raw != nil {
		wire.ToolChoice = raw
	}
	wire.ParallelToolCalls = req.ParallelToolCalls

	for _, f := range req.Functions {
		wire.Functions = append(wire.Functions, canonicalFunctionToOA(f))
	}
	if req.FunctionCall != nil {
		raw, _ := json.Marshal(req.FunctionCall)
		wire.FunctionCall = raw
	}

	if rf := req.ResponseFormat; rf != nil {
		wire.ResponseFormat = &oaResponseFormat{Type: normalizeResponseFormatType(rf.Type)}
		if rf.JSONSchema != nil {
			wire.ResponseFormat.JSONSchema = &oaJSONSchema{
				Name:        rf.JSONSchema.Name,
				Description: rf.JSONSchema.Description,
				Schema:      rf.JSONSchema.Schema,
				Strict:      rf.JSONSchema.Strict,
			}
		}
	}
	if req.StreamOptions != nil {
		wire.StreamOptions = &oaStreamOptions{IncludeUsage: req.StreamOptions.IncludeUsage}
	}
	if req.Audio != nil {
		wire.Audio = &oaAudioConfig{Voice: req.Audio.Voice, Format: req.Audio.Format}
	}

	return marshalWithProviderParams(wire, req.ProviderParams[FormatOpenAI])
}

// ProviderToCanonical parses an OpenAI-compatible completion response.
func (a *OpenAIAdapter) ProviderToCanonical(body []byte) (*types.Response, error) {
	var wire oaResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	resp := &types.Response{
		SchemaVersion:     types.SchemaVersion,
		ID:                wire.ID,
		Model:             wire.Model,
		Created:           wire.Created,
		SystemFingerprint: wire.SystemFingerprint,
	}
	for _, c := range wire.Choices {
		choice := types.Choice{
			Index:        c.Index,
			FinishReason: oaFinishToCanonical(c.FinishReason),
		}
		choice.Message.Role = types.RoleAssistant
		if c.Message.Content != nil && *c.Message.Content != "" {
			choice.Message.Parts = append(choice.Message.Parts, types.ContentPart{
				Type: types.PartText,
				Text: *c.Message.Content,
			})
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, types.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if len(c.Logprobs) > 0 && string(c.Logprobs) != "null" {
			var lp any
			if err := json.Unmarshal(c.Logprobs, &lp); err == nil {
				choice.Logprobs = lp
			}
		}
		resp.Choices = append(resp.Choices, choice)
	}
	if wire.Usage != nil {
		resp.Usage = oaUsageToCanonical(wire.Usage)
	}
	return resp, nil
}

// CanonicalToClient renders a canonical response in Chat Completions shape.
func (a *OpenAIAdapter) CanonicalToClient(resp *types.Response) ([]byte, error) {
	wire := oaResponse{
		ID:                resp.ID,
		Object:            "chat.completion",
		Created:           resp.Created,
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
	}
	if wire.ID == "" {
		wire.ID = "chatcmpl-" + uuid.NewString()
	}
	if wire.Created == 0 {
		wire.Created = time.Now().Unix()
	}

	for _, c := range resp.Choices {
		text := c.Message.Text()
		oc := oaChoice{
			Index:        c.Index,
			FinishReason: canonicalFinishToOA(c.FinishReason),
			Message: oaRespMessage{
				Role:    types.RoleAssistant,
				Content: &text,
			},
		}
		for _, tc := range c.ToolCalls {
			oc.Message.ToolCalls = append(oc.Message.ToolCalls, oaToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		wire.Choices = append(wire.Choices, oc)
	}
	if resp.Usage != nil {
		wire.Usage = &oaUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(wire)
}

// ─── Conversion helpers ──────────────────────────────────────────────────────

// parseOAContent handles the string-or-part-list content union.
func parseOAContent(raw json.RawMessage) (string, []types.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}
	var parts []oaContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("openai content is neither string nor part list: %w", err)
	}

	var out []types.ContentPart
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, types.ContentPart{Type: types.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			out = append(out, imagePartFromURL(p.ImageURL.URL))
		case "input_audio":
			if p.InputAudio == nil {
				continue
			}
			out = append(out, types.ContentPart{
				Type: types.PartAudio,
				Source: &types.MediaSource{
					Kind:      types.SourceBase64,
					MediaType: "audio/" + p.InputAudio.Format,
					Data:      p.InputAudio.Data,
				},
			})
		}
		// Unknown part types are dropped.
	}
	return "", out, nil
}

// imagePartFromURL maps a data URL to an inline base64 source, anything
// else to a URL source.
func imagePartFromURL(url string) types.ContentPart {
	part := types.ContentPart{Type: types.PartImage}
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if meta, data, found := strings.Cut(rest, ","); found {
			mediaType := strings.TrimSuffix(meta, ";base64")
			part.Source = &types.MediaSource{
				Kind:      types.SourceBase64,
				MediaType: mediaType,
				Data:      data,
			}
			return part
		}
	}
	part.Source = &types.MediaSource{Kind: types.SourceURL, URL: url}
	return part
}

func oaMessageToCanonical(m oaMessage) (types.Message, error) {
	text, parts, err := parseOAContent(m.Content)
	if err != nil {
		return types.Message{}, err
	}
	msg := types.Message{
		Role:       m.Role,
		Content:    text,
		Parts:      parts,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: types.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg, nil
}

func canonicalMessageToOA(m types.Message) (oaMessage, error) {
	om := oaMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		om.ToolCalls = append(om.ToolCalls, oaToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: oaToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if m.IsText() {
		if m.Content != "" || len(om.ToolCalls) == 0 {
			raw, _ := json.Marshal(m.Content)
			om.Content = raw
		}
		return om, nil
	}

	var parts []oaContentPart
	for _, p := range m.Parts {
		switch p.Type {
		case types.PartText:
			parts = append(parts, oaContentPart{Type: "text", Text: p.Text})
		case types.PartImage:
			if p.Source == nil {
				continue
			}
			url := p.Source.URL
			if p.Source.Kind == types.SourceBase64 {
				url = "data:" + p.Source.MediaType + ";base64," + p.Source.Data
			}
			parts = append(parts, oaContentPart{Type: "image_url", ImageURL: &oaImageURL{URL: url}})
		case types.PartAudio:
			if p.Source == nil || p.Source.Kind != types.SourceBase64 {
				continue
			}
			parts = append(parts, oaContentPart{
				Type: "input_audio",
				InputAudio: &oaInputAudio{
					Data:   p.Source.Data,
					Format: strings.TrimPrefix(p.Source.MediaType, "audio/"),
				},
			})
		case types.PartToolResult:
			// No tool_result part in this dialect: flatten to text.
			parts = append(parts, oaContentPart{Type: "text", Text: flattenToolResult(p)})
		}
		// Video and document parts have no representation and are dropped.
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return om, err
	}
	om.Content = raw
	return om, nil
}

// flattenToolResult renders a tool_result part as plain text,
// JSON-stringifying structured content.
func flattenToolResult(p types.ContentPart) string {
	if p.Content != "" {
		return p.Content
	}
	if len(p.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, sub := range p.Parts {
		if sub.Type == types.PartText {
			sb.WriteString(sub.Text)
		}
	}
	if sb.Len() > 0 {
		return sb.String()
	}
	raw, _ := json.Marshal(p.Parts)
	return string(raw)
}

func oaGeneration(wire *oaRequest) *types.Generation {
	g := &types.Generation{
		MaxTokens:        wire.MaxTokens,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		N:                wire.N,
		Seed:             wire.Seed,
		FrequencyPenalty: wire.FrequencyPenalty,
		PresencePenalty:  wire.PresencePenalty,
		Logprobs:         wire.Logprobs,
		TopLogprobs:      wire.TopLogprobs,
		LogitBias:        wire.LogitBias,
	}
	if g.MaxTokens == nil {
		g.MaxTokens = wire.MaxCompletionTokens
	}
	g.Stop = parseStop(wire.Stop)
	return g
}

// parseStop normalizes the string-or-list stop union into a list.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func mergeStops(g *types.Generation) []string {
	stops := append([]string{}, g.Stop...)
	stops = append(stops, g.StopSequences...)
	return stops
}

func validateGeneration(g *types.Generation) error {
	if g == nil {
		return nil
	}
	if len(g.StopSequences) > types.MaxStopSequences {
		return fmt.Errorf("stop_sequences exceeds %d entries", types.MaxStopSequences)
	}
	return nil
}

func oaFunctionToCanonical(f oaFunctionDef) types.FunctionDef {
	return types.FunctionDef{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  f.Parameters,
		Strict:      f.Strict,
	}
}

func canonicalFunctionToOA(f types.FunctionDef) oaFunctionDef {
	return oaFunctionDef{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  f.Parameters,
		Strict:      f.Strict,
	}
}

func parseOAToolChoice(raw json.RawMessage) (*types.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &types.ToolChoice{Mode: types.ToolChoiceAuto}, nil
		case "none":
			return &types.ToolChoice{Mode: types.ToolChoiceNone}, nil
		case "required":
			return &types.ToolChoice{Mode: types.ToolChoiceRequired}, nil
		default:
			return nil, fmt.Errorf("unknown tool_choice %q", mode)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse tool_choice: %w", err)
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return nil, fmt.Errorf("unsupported tool_choice object type %q", obj.Type)
	}
	return &types.ToolChoice{Mode: types.ToolChoiceFunction, Name: obj.Function.Name}, nil
}

// encodeOAToolChoice renders the canonical tool choice for this dialect.
// "any" has no native form here; "required" is its closest equivalent.
func encodeOAToolChoice(tc *types.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case types.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case types.ToolChoiceRequired, types.ToolChoiceAny:
		return json.RawMessage(`"required"`)
	case types.ToolChoiceFunction:
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return raw
	}
	return nil
}

// normalizeResponseFormatType folds the canonical "json" alias into the
// dialect's "json_object".
func normalizeResponseFormatType(t string) string {
	if t == "json" {
		return "json_object"
	}
	return t
}

func oaFinishToCanonical(reason string) string {
	switch reason {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishMaxTokens
	case "tool_calls":
		return types.FinishToolCalls
	case "content_filter":
		return types.FinishContentFilter
	case "function_call":
		return types.FinishFunctionCall
	default:
		return reason
	}
}

func canonicalFinishToOA(reason string) string {
	switch reason {
	case types.FinishStop, types.FinishStopSequence:
		return "stop"
	case types.FinishMaxTokens:
		return "length"
	case types.FinishToolCalls, types.FinishToolCall:
		return "tool_calls"
	case types.FinishContentFilter:
		return "content_filter"
	case types.FinishFunctionCall:
		return "function_call"
	default:
		return "stop"
	}
}

func oaUsageToCanonical(u *oaUsage) *types.Usage {
	out := &types.Usage{
		InputTokens:      u.PromptTokens,
		OutputTokens:     u.CompletionTokens,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

// marshalWithProviderParams marshals the wire struct, then overlays opaque
// provider params preserved from a previous conversion.
func marshalWithProviderParams(wire any, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return raw, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range params {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ─── Streaming ───────────────────────────────────────────────────────────────

type oaStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int       `json:"index"`
		Delta        oaDelta   `json:"delta"`
		FinishReason *string   `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage,omitempty"`
}

type oaDelta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

// openaiStreamTranslator turns Chat Completions SSE chunks into canonical
// events. One value per stream.
type openaiStreamTranslator struct {
	assembler *stream.ToolAssembler
	logger    *zap.Logger
	started   bool
	finished  bool
}

// NewStreamTranslator implements FormatAdapter.
func (a *OpenAIAdapter) NewStreamTranslator(logger *zap.Logger) stream.Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &openaiStreamTranslator{assembler: stream.NewToolAssembler(), logger: logger}
}

func (t *openaiStreamTranslator) Translate(payload string) ([]types.StreamEvent, error) {
	var chunk oaStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, fmt.Errorf("parse openai chunk: %w", err)
	}

	var events []types.StreamEvent
	for _, c := range chunk.Choices {
		if c.Delta.Role != "" && !t.started {
			t.started = true
			events = append(events, types.StreamEvent{
				Type:  types.EventMessageStart,
				ID:    chunk.ID,
				Model: chunk.Model,
			})
		}
		if c.Delta.Content != "" {
			events = append(events, types.StreamEvent{
				Type:  types.EventContentDelta,
				Part:  types.DeltaText,
				Value: c.Delta.Content,
			})
		}
		for _, tc := range c.Delta.ToolCalls {
			t.assembler.Merge(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			events = append(events, types.StreamEvent{
				Type:         types.EventContentDelta,
				Part:         types.DeltaToolCall,
				Value:        tc.Function.Arguments,
				ToolIndex:    tc.Index,
				FunctionName: t.assembler.Name(tc.Index),
			})
		}
		if c.FinishReason != nil && *c.FinishReason != "" && !t.finished {
			t.finished = true
			t.assembler.CompleteAll()
			events = append(events, t.assembler.Flush()...)
			events = append(events, types.StreamEvent{
				Type:         types.EventComplete,
				FinishReason: oaStreamFinishToCanonical(*c.FinishReason),
			})
		}
	}
	if chunk.Usage != nil {
		events = append(events, types.StreamEvent{
			Type:  types.EventUsage,
			Usage: oaUsageToCanonical(chunk.Usage),
		})
	}
	return events, nil
}

func (t *openaiStreamTranslator) Done() []types.StreamEvent {
	if t.finished {
		return nil
	}
	t.finished = true
	t.assembler.CompleteAll()
	events := t.assembler.Flush()
	return append(events, types.StreamEvent{
		Type:         types.EventComplete,
		FinishReason: types.FinishStop,
	})
}

func oaStreamFinishToCanonical(reason string) string {
	switch reason {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishMaxTokens
	case "tool_calls", "function_call":
		return types.FinishToolCall
	case "content_filter":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// openaiStreamEncoder renders canonical events as Chat Completions chunks.
type openaiStreamEncoder struct {
	model   string
	id      string
	created int64
}

// NewStreamEncoder implements FormatAdapter.
func (a *OpenAIAdapter) NewStreamEncoder(model string) stream.Encoder {
	return &openaiStreamEncoder{
		model:   model,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

func (e *openaiStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		return e.chunk(map[string]any{"role": "assistant"}, nil)

	case types.EventContentDelta:
		switch ev.Part {
		case types.DeltaText:
			return e.chunk(map[string]any{"content": ev.Value}, nil)
		case types.DeltaToolCall:
			call := map[string]any{
				"index":    ev.ToolIndex,
				"type":     "function",
				"function": map[string]any{"arguments": ev.Value},
			}
			if ev.FunctionName != "" {
				call["function"].(map[string]any)["name"] = ev.FunctionName
			}
			return e.chunk(map[string]any{"tool_calls": []any{call}}, nil)
		default:
			// Citations have no representation in this dialect.
			return nil, nil
		}

	case types.EventToolCall:
		// Tool calls were already streamed as deltas.
		return nil, nil

	case types.EventUsage:
		if ev.Usage == nil {
			return nil, nil
		}
		body := map[string]any{
			"id":      e.id,
			"object":  "chat.completion.chunk",
			"created": e.created,
			"model":   e.model,
			"choices": []any{},
			"usage": map[string]int{
				"prompt_tokens":     ev.Usage.PromptTokens,
				"completion_tokens": ev.Usage.CompletionTokens,
				"total_tokens":      ev.Usage.TotalTokens,
			},
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil

	case types.EventComplete:
		reason := canonicalFinishToOA(ev.FinishReason)
		payloads, err := e.chunk(map[string]any{}, &reason)
		if err != nil {
			return nil, err
		}
		return append(payloads, []byte(stream.DoneMarker)), nil
	}
	return nil, nil
}

// Finish implements stream.Encoder. Chat Completions closes at the
// complete event; nothing is deferred.
func (e *openaiStreamEncoder) Finish() ([][]byte, error) { return nil, nil }

func (e *openaiStreamEncoder) chunk(delta map[string]any, finishReason *string) ([][]byte, error) {
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": finishReason,
	}
	body := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{choice},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}
