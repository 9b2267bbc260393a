package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type rspRequest struct {
	Model              string          `json:"model"`
	Input              json.RawMessage `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	MaxOutputTokens    *int            `json:"max_output_tokens,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"top_p,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	Tools              []rspTool       `json:"tools,omitempty"`
	ToolChoice         json.RawMessage `json:"tool_choice,omitempty"`
	ParallelToolCalls  *bool           `json:"parallel_tool_calls,omitempty"`
	Text               *rspTextFormat  `json:"text,omitempty"`
	Reasoning          *rspReasoning   `json:"reasoning,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	User               string          `json:"user,omitempty"`
}

// rspTool is flat: name and parameters sit beside type, unlike the nested
// Chat Completions shape.
type rspTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type rspTextFormat struct {
	Format *struct {
		Type        string         `json:"type"`
		Name        string         `json:"name,omitempty"`
		Description string         `json:"description,omitempty"`
		Schema      map[string]any `json:"schema,omitempty"`
		Strict      *bool          `json:"strict,omitempty"`
	} `json:"format,omitempty"`
}

type rspReasoning struct {
	Effort string `json:"effort,omitempty"`
}

// rspItem covers the input/output item union: messages, function calls and
// function call outputs.
type rspItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call / function_call_output
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
}

type rspContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Data     string `json:"data,omitempty"`
	Format   string `json:"format,omitempty"`
}

type rspResponse struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	CreatedAt int64     `json:"created_at"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	Output    []rspItem `json:"output"`
	Usage     *rspUsage `json:"usage,omitempty"`
}

type rspUsage struct {
	InputTokens        int `json:"input_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ─── Adapter ─────────────────────────────────────────────────────────────────

// ResponsesAdapter is the OpenAI Responses dialect.
type ResponsesAdapter struct{}

// NewResponsesAdapter creates the Responses adapter.
func NewResponsesAdapter() *ResponsesAdapter { return &ResponsesAdapter{} }

func (a *ResponsesAdapter) Name() string { return FormatResponses }

// ClientToCanonical parses a Responses request. Instructions become the
// system prompt; function_call and function_call_output items become
// assistant tool calls and tool-role messages.
func (a *ResponsesAdapter) ClientToCanonical(body []byte) (*types.Request, error) {
	var wire rspRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse responses request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("responses request: model is required")
	}

	req := &types.Request{
		SchemaVersion: types.SchemaVersion,
		Model:         wire.Model,
		Stream:        wire.Stream,
		User:          wire.User,
	}
	if wire.Instructions != "" {
		req.System = &types.SystemPrompt{Text: wire.Instructions}
	}

	msgs, err := parseRspInput(wire.Input)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("responses request: input must be non-empty")
	}
	req.Messages = msgs

	req.Generation = &types.Generation{
		MaxTokens:   wire.MaxOutputTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue // hosted tools (web_search etc.) are not forwarded
		}
		req.Tools = append(req.Tools, types.Tool{
			Type: "function",
			Function: types.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			},
		})
	}
	tc, err := parseRspToolChoice(wire.ToolChoice)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = tc
	req.ParallelToolCalls = wire.ParallelToolCalls

	if wire.Text != nil && wire.Text.Format != nil {
		f := wire.Text.Format
		req.ResponseFormat = &types.ResponseFormat{Type: f.Type}
		if f.Type == "json_schema" {
			req.ResponseFormat.JSONSchema = &types.JSONSchemaFormat{
				Name:        f.Name,
				Description: f.Description,
				Schema:      f.Schema,
				Strict:      f.Strict,
			}
		}
	}
	if wire.Reasoning != nil {
		req.ReasoningEffort = wire.Reasoning.Effort
	}
	return req, nil
}

// CanonicalToProvider renders a canonical request for a Responses upstream.
func (a *ResponsesAdapter) CanonicalToProvider(req *types.Request) ([]byte, error) {
	wire := rspRequest{
		Model:  req.Model,
		Stream: req.Stream,
		User:   req.User,
	}
	if req.System != nil {
		wire.Instructions = req.System.Text
		for _, p := range req.System.Parts {
			if p.Type == types.PartText {
				wire.Instructions += p.Text
			}
		}
	}

	var items []rspItem
	for _, m := range req.Messages {
		items = append(items, canonicalMessageToRsp(m)...)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	wire.Input = raw

	if g := req.Generation; g != nil {
		wire.MaxOutputTokens = g.MaxTokens
		wire.Temperature = g.Temperature
		wire.TopP = g.TopP
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, rspTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		})
	}
	if raw := encodeRspToolChoice(req.ToolChoice); raw != nil {
		wire.ToolChoice = raw
	}
	wire.ParallelToolCalls = req.ParallelToolCalls
	if req.ReasoningEffort != "" {
		wire.Reasoning = &rspReasoning{Effort: req.ReasoningEffort}
	}

	return marshalWithProviderParams(wire, req.ProviderParams[FormatResponses])
}

// ProviderToCanonical parses a Responses API response.
func (a *ResponsesAdapter) ProviderToCanonical(body []byte) (*types.Response, error) {
	var wire rspResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse responses response: %w", err)
	}

	choice := types.Choice{FinishReason: types.FinishStop}
	choice.Message.Role = types.RoleAssistant
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			var parts []rspContentPart
			if err := json.Unmarshal(item.Content, &parts); err == nil {
				for _, p := range parts {
					if p.Type == "output_text" || p.Type == "text" {
						choice.Message.Parts = append(choice.Message.Parts, types.ContentPart{
							Type: types.PartText,
							Text: p.Text,
						})
					}
				}
			}
		case "function_call":
			choice.ToolCalls = append(choice.ToolCalls, types.ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	if len(choice.ToolCalls) > 0 {
		choice.FinishReason = types.FinishToolCalls
	} else if wire.Status == "incomplete" {
		choice.FinishReason = types.FinishMaxTokens
	}

	resp := &types.Response{
		SchemaVersion: types.SchemaVersion,
		ID:            wire.ID,
		Model:         wire.Model,
		Created:       wire.CreatedAt,
		Choices:       []types.Choice{choice},
	}
	if wire.Usage != nil {
		resp.Usage = rspUsageToCanonical(wire.Usage)
	}
	return resp, nil
}

// CanonicalToClient renders a canonical response in Responses shape, taking
// the first choice.
func (a *ResponsesAdapter) CanonicalToClient(resp *types.Response) ([]byte, error) {
	wire := rspResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     resp.Model,
		Status:    "completed",
		Output:    []rspItem{},
	}
	if wire.ID == "" {
		wire.ID = "resp_" + uuid.NewString()
	}
	if wire.CreatedAt == 0 {
		wire.CreatedAt = time.Now().Unix()
	}

	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.FinishReason == types.FinishMaxTokens {
			wire.Status = "incomplete"
		}
		if text := c.Message.Text(); text != "" {
			parts, _ := json.Marshal([]rspContentPart{{Type: "output_text", Text: text}})
			wire.Output = append(wire.Output, rspItem{
				Type:    "message",
				Role:    types.RoleAssistant,
				Status:  "completed",
				Content: parts,
			})
		}
		for _, tc := range c.ToolCalls {
			wire.Output = append(wire.Output, rspItem{
				Type:      "function_call",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Status:    "completed",
			})
		}
	}
	if resp.Usage != nil {
		wire.Usage = &rspUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(wire)
}

// ─── Conversion helpers ──────────────────────────────────────────────────────

// parseRspInput handles the string-or-item-list input union.
func parseRspInput(raw json.RawMessage) ([]types.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []types.Message{{Role: types.RoleUser, Content: text}}, nil
	}
	var items []rspItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("responses input is neither string nor item list: %w", err)
	}

	var out []types.Message
	for _, item := range items {
		switch {
		case item.Type == "function_call":
			out = append(out, types.Message{
				Role: types.RoleAssistant,
				ToolCalls: []types.ToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})
		case item.Type == "function_call_output":
			out = append(out, types.Message{
				Role:       types.RoleTool,
				ToolCallID: item.CallID,
				Content:    item.Output,
			})
		case item.Type == "message" || item.Type == "":
			msg, err := rspMessageToCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func rspMessageToCanonical(item rspItem) (types.Message, error) {
	msg := types.Message{Role: item.Role}
	if msg.Role == "" {
		msg.Role = types.RoleUser
	}
	var text string
	if err := json.Unmarshal(item.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}
	var parts []rspContentPart
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return msg, fmt.Errorf("responses message content is neither string nor part list: %w", err)
	}
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			msg.Parts = append(msg.Parts, types.ContentPart{Type: types.PartText, Text: p.Text})
		case "input_image":
			msg.Parts = append(msg.Parts, imagePartFromURL(p.ImageURL))
		case "input_audio":
			msg.Parts = append(msg.Parts, types.ContentPart{
				Type: types.PartAudio,
				Source: &types.MediaSource{
					Kind:      types.SourceBase64,
					MediaType: "audio/" + p.Format,
					Data:      p.Data,
				},
			})
		}
	}
	return msg, nil
}

func canonicalMessageToRsp(m types.Message) []rspItem {
	if m.Role == types.RoleTool {
		return []rspItem{{
			Type:   "function_call_output",
			CallID: m.ToolCallID,
			Output: m.TextContent(),
		}}
	}

	var items []rspItem
	if m.IsText() {
		if m.Content != "" || len(m.ToolCalls) == 0 {
			raw, _ := json.Marshal(m.Content)
			items = append(items, rspItem{Type: "message", Role: m.Role, Content: raw})
		}
	} else {
		var parts []rspContentPart
		textType := "input_text"
		if m.Role == types.RoleAssistant {
			textType = "output_text"
		}
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				parts = append(parts, rspContentPart{Type: textType, Text: p.Text})
			case types.PartImage:
				if p.Source == nil {
					continue
				}
				url := p.Source.URL
				if p.Source.Kind == types.SourceBase64 {
					url = "data:" + p.Source.MediaType + ";base64," + p.Source.Data
				}
				parts = append(parts, rspContentPart{Type: "input_image", ImageURL: url})
			case types.PartToolResult:
				parts = append(parts, rspContentPart{Type: textType, Text: flattenToolResult(p)})
			}
		}
		if len(parts) > 0 {
			raw, _ := json.Marshal(parts)
			items = append(items, rspItem{Type: "message", Role: m.Role, Content: raw})
		}
	}

	for _, tc := range m.ToolCalls {
		items = append(items, rspItem{
			Type:      "function_call",
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return items
}

func parseRspToolChoice(raw json.RawMessage) (*types.ToolChoice, error) {
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
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse tool_choice: %w", err)
	}
	if obj.Type != "function" || obj.Name == "" {
		return nil, fmt.Errorf("unsupported tool_choice object type %q", obj.Type)
	}
	return &types.ToolChoice{Mode: types.ToolChoiceFunction, Name: obj.Name}, nil
}

func encodeRspToolChoice(tc *types.ToolChoice) json.RawMessage {
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
		raw, _ := json.Marshal(map[string]string{"type": "function", "name": tc.Name})
		return raw
	}
	return nil
}

func rspUsageToCanonical(u *rspUsage) *types.Usage {
	out := &types.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		out.CacheReadTokens = u.InputTokensDetails.CachedTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

// ─── Streaming ───────────────────────────────────────────────────────────────

type rspStreamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	Response *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"response,omitempty"`
	Item *struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item,omitempty"`
	OutputIndex int `json:"output_index"`
}

// responsesStreamTranslator turns Responses SSE events into canonical
// events. The final usage object may span chunks; the cross-chunk parser
// accumulates payload text until it is balanced.
type responsesStreamTranslator struct {
	assembler *stream.ToolAssembler
	usage     *stream.ResponsesUsageParser
	logger    *zap.Logger
	finished  bool
}

// NewStreamTranslator implements FormatAdapter.
func (a *ResponsesAdapter) NewStreamTranslator(logger *zap.Logger) stream.Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &responsesStreamTranslator{
		assembler: stream.NewToolAssembler(),
		usage:     &stream.ResponsesUsageParser{},
		logger:    logger,
	}
}

func (t *responsesStreamTranslator) Translate(payload string) ([]types.StreamEvent, error) {
	extracted := t.usage.Feed(payload)

	var ev rspStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("parse responses event: %w", err)
	}

	var events []types.StreamEvent
	switch ev.Type {
	case "response.created":
		out := types.StreamEvent{Type: types.EventMessageStart}
		if ev.Response != nil {
			out.ID = ev.Response.ID
			out.Model = ev.Response.Model
		}
		events = append(events, out)

	case "response.output_item.added":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			t.assembler.Start(ev.OutputIndex, ev.Item.CallID, ev.Item.Name)
		}

	case "response.output_text.delta":
		events = append(events, types.StreamEvent{
			Type:  types.EventContentDelta,
			Part:  types.DeltaText,
			Value: ev.Delta,
		})

	case "response.function_call_arguments.delta":
		t.assembler.Append(ev.OutputIndex, ev.Delta)
		events = append(events, types.StreamEvent{
			Type:         types.EventContentDelta,
			Part:         types.DeltaToolCall,
			Value:        ev.Delta,
			ToolIndex:    ev.OutputIndex,
			FunctionName: t.assembler.Name(ev.OutputIndex),
		})

	case "response.output_item.done":
		t.assembler.Complete(ev.OutputIndex)

	case "response.completed":
		if !t.finished {
			t.finished = true
			t.assembler.CompleteAll()
			calls := t.assembler.Flush()
			reason := types.FinishStop
			if len(calls) > 0 {
				reason = types.FinishToolCall
			}
			events = append(events, calls...)
			events = append(events, types.StreamEvent{
				Type:         types.EventComplete,
				FinishReason: reason,
			})
		}
	}

	if extracted != nil {
		events = append(events, types.StreamEvent{
			Type: types.EventUsage,
			Usage: &types.Usage{
				InputTokens:      extracted.InputTokens,
				OutputTokens:     extracted.OutputTokens,
				PromptTokens:     extracted.InputTokens,
				CompletionTokens: extracted.OutputTokens,
				CacheReadTokens:  extracted.CachedTokens,
				TotalTokens:      extracted.InputTokens + extracted.OutputTokens,
			},
		})
	}
	return events, nil
}

func (t *responsesStreamTranslator) Done() []types.StreamEvent {
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

// responsesStreamEncoder renders canonical events as Responses SSE
// payloads. The response.completed frame carries usage, which arrives after
// complete in the canonical order, so it is deferred.
type responsesStreamEncoder struct {
	model string
	id    string

	toolOpen  map[int]string // canonical tool index → call_id
	pending   bool
	completed bool
}

// NewStreamEncoder implements FormatAdapter.
func (a *ResponsesAdapter) NewStreamEncoder(model string) stream.Encoder {
	return &responsesStreamEncoder{
		model:    model,
		id:       "resp_" + uuid.NewString(),
		toolOpen: make(map[int]string),
	}
}

func (e *responsesStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		return payloadsJSON(map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":     e.id,
				"object": "response",
				"model":  e.model,
				"status": "in_progress",
			},
		})

	case types.EventContentDelta:
		switch ev.Part {
		case types.DeltaText:
			return payloadsJSON(map[string]any{
				"type":  "response.output_text.delta",
				"delta": ev.Value,
			})
		case types.DeltaToolCall:
			var out []map[string]any
			if _, open := e.toolOpen[ev.ToolIndex]; !open {
				callID := "call_" + uuid.NewString()
				e.toolOpen[ev.ToolIndex] = callID
				out = append(out, map[string]any{
					"type":         "response.output_item.added",
					"output_index": ev.ToolIndex,
					"item": map[string]any{
						"type":    "function_call",
						"call_id": callID,
						"name":    ev.FunctionName,
					},
				})
			}
			out = append(out, map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": ev.ToolIndex,
				"delta":        ev.Value,
			})
			return payloadsJSONList(out)
		}
		return nil, nil

	case types.EventToolCall:
		return payloadsJSON(map[string]any{
			"type": "response.output_item.done",
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   ev.ToolCallID,
				"name":      ev.ToolCallName,
				"arguments": ev.ArgumentsJSON,
				"status":    "completed",
			},
		})

	case types.EventComplete:
		e.pending = true
		return nil, nil

	case types.EventUsage:
		if !e.pending || e.completed {
			return nil, nil
		}
		return e.close(ev.Usage)
	}
	return nil, nil
}

// Finish implements stream.Encoder: emits response.completed when no usage
// event followed the complete event.
func (e *responsesStreamEncoder) Finish() ([][]byte, error) {
	if e.completed || !e.pending {
		return nil, nil
	}
	return e.close(nil)
}

func (e *responsesStreamEncoder) close(usage *types.Usage) ([][]byte, error) {
	e.completed = true
	response := map[string]any{
		"id":     e.id,
		"object": "response",
		"model":  e.model,
		"status": "completed",
	}
	if usage != nil {
		response["usage"] = map[string]any{
			"input_tokens": usage.InputTokens,
			"input_tokens_details": map[string]int{
				"cached_tokens": usage.CacheReadTokens,
			},
			"output_tokens": usage.OutputTokens,
			"total_tokens":  usage.TotalTokens,
		}
	}
	return payloadsJSON(map[string]any{
		"type":     "response.completed",
		"response": response,
	})
}
