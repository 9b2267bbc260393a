package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// defaultAnthropicMaxTokens applies when the caller's dialect has no
// required max_tokens field. The Messages API rejects requests without one.
const defaultAnthropicMaxTokens = 4096

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type antRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []antMessage    `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Metadata      *antMetadata    `json:"metadata,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []antTool       `json:"tools,omitempty"`
	ToolChoice    *antToolChoice  `json:"tool_choice,omitempty"`
	Thinking      *antThinking    `json:"thinking,omitempty"`
}

type antMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type antBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image / document
	Source *antSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type antSource struct {
	Type      string `json:"type"` // base64 | url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type antMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type antToolChoice struct {
	Type string `json:"type"` // auto | any | tool | none
	Name string `json:"name,omitempty"`
}

type antThinking struct {
	Type         string `json:"type"` // enabled | disabled
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

type antResponse struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Model        string     `json:"model"`
	Content      []antBlock `json:"content"`
	StopReason   string     `json:"stop_reason,omitempty"`
	StopSequence *string    `json:"stop_sequence,omitempty"`
	Usage        *antUsage  `json:"usage,omitempty"`
}

type antUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ─── Adapter ─────────────────────────────────────────────────────────────────

// AnthropicAdapter is the Messages dialect.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates the Messages adapter.
func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Name() string { return FormatAnthropic }

// ClientToCanonical parses a Messages request. User messages containing
// tool_result blocks split: each tool_result becomes its own tool-role
// message, remaining blocks stay a user message, preserving order.
func (a *AnthropicAdapter) ClientToCanonical(body []byte) (*types.Request, error) {
	var wire antRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse anthropic request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("anthropic request: model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("anthropic request: messages must be non-empty")
	}

	req := &types.Request{
		SchemaVersion: types.SchemaVersion,
		Model:         wire.Model,
		Stream:        wire.Stream,
	}
	if wire.Metadata != nil {
		req.User = wire.Metadata.UserID
	}

	if len(wire.System) > 0 {
		sys, err := parseAntSystem(wire.System)
		if err != nil {
			return nil, err
		}
		req.System = sys
	}

	for _, m := range wire.Messages {
		msgs, err := antMessageToCanonical(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	g := &types.Generation{
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		StopSequences: wire.StopSequences,
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		g.MaxTokens = &mt
	}
	if err := validateGeneration(g); err != nil {
		return nil, err
	}
	req.Generation = g

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, types.Tool{
			Type: "function",
			Function: types.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if wire.ToolChoice != nil {
		tc, err := antToolChoiceToCanonical(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}
	if wire.Thinking != nil {
		enabled := wire.Thinking.Type == "enabled"
		req.Thinking = &types.Thinking{Enabled: &enabled, Budget: wire.Thinking.BudgetTokens}
	}
	return req, nil
}

// CanonicalToProvider renders a canonical request for the Messages API.
// URL-sourced images have no inline representation and are dropped; a
// missing max_tokens gets the dialect default.
func (a *AnthropicAdapter) CanonicalToProvider(req *types.Request) ([]byte, error) {
	wire := antRequest{
		Model:     req.Model,
		MaxTokens: defaultAnthropicMaxTokens,
		Stream:    req.Stream,
	}
	if req.User != "" {
		wire.Metadata = &antMetadata{UserID: req.User}
	}

	if req.System != nil {
		text := req.System.Text
		for _, p := range req.System.Parts {
			if p.Type == types.PartText {
				text += p.Text
			}
		}
		if text != "" {
			raw, _ := json.Marshal(text)
			wire.System = raw
		}
	}

	for _, m := range req.Messages {
		am, ok, err := canonicalMessageToAnt(m)
		if err != nil {
			return nil, err
		}
		if ok {
			wire.Messages = appendAntMessage(wire.Messages, am)
		}
	}

	if g := req.Generation; g != nil {
		if g.MaxTokens != nil && *g.MaxTokens > 0 {
			wire.MaxTokens = *g.MaxTokens
		}
		wire.Temperature = g.Temperature
		wire.TopP = g.TopP
		wire.TopK = g.TopK
		wire.StopSequences = mergeStops(g)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, antTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	wire.ToolChoice = canonicalToolChoiceToAnt(req.ToolChoice)

	if th := req.Thinking; th != nil && th.Enabled != nil {
		mode := "disabled"
		if *th.Enabled {
			mode = "enabled"
		}
		wire.Thinking = &antThinking{Type: mode, BudgetTokens: th.Budget}
	}

	return marshalWithProviderParams(wire, req.ProviderParams[FormatAnthropic])
}

// ProviderToCanonical parses a Messages API response into a single-choice
// canonical response.
func (a *AnthropicAdapter) ProviderToCanonical(body []byte) (*types.Response, error) {
	var wire antResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	choice := types.Choice{FinishReason: antStopToCanonical(wire.StopReason)}
	choice.Message.Role = types.RoleAssistant
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			choice.Message.Parts = append(choice.Message.Parts, types.ContentPart{
				Type: types.PartText,
				Text: b.Text,
			})
		case "tool_use":
			choice.ToolCalls = append(choice.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}

	resp := &types.Response{
		SchemaVersion: types.SchemaVersion,
		ID:            wire.ID,
		Model:         wire.Model,
		Choices:       []types.Choice{choice},
	}
	if wire.Usage != nil {
		resp.Usage = antUsageToCanonical(wire.Usage)
	}
	return resp, nil
}

// CanonicalToClient renders a canonical response in Messages shape, taking
// the first choice.
func (a *AnthropicAdapter) CanonicalToClient(resp *types.Response) ([]byte, error) {
	wire := antResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  types.RoleAssistant,
		Model: resp.Model,
	}
	if wire.ID == "" {
		wire.ID = "msg_" + uuid.NewString()
	}

	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		wire.StopReason = canonicalFinishToAnt(c.FinishReason)
		for _, p := range c.Message.Parts {
			if p.Type == types.PartText {
				wire.Content = append(wire.Content, antBlock{Type: "text", Text: p.Text})
			}
		}
		for _, tc := range c.ToolCalls {
			input := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(input) {
				input, _ = json.Marshal(tc.Function.Arguments)
			}
			wire.Content = append(wire.Content, antBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
	}
	if wire.Content == nil {
		wire.Content = []antBlock{}
	}
	if resp.Usage != nil {
		wire.Usage = &antUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheWriteTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
		}
	}
	return json.Marshal(wire)
}

// ─── Conversion helpers ──────────────────────────────────────────────────────

func parseAntSystem(raw json.RawMessage) (*types.SystemPrompt, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &types.SystemPrompt{Text: text}, nil
	}
	var blocks []antBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("anthropic system is neither string nor block list: %w", err)
	}
	sys := &types.SystemPrompt{}
	for _, b := range blocks {
		if b.Type == "text" {
			sys.Parts = append(sys.Parts, types.ContentPart{Type: types.PartText, Text: b.Text})
		}
	}
	return sys, nil
}

// antMessageToCanonical converts one wire message, splitting out
// tool_result blocks into tool-role messages.
func antMessageToCanonical(m antMessage) ([]types.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []types.Message{{Role: m.Role, Content: text}}, nil
	}
	var blocks []antBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("anthropic content is neither string nor block list: %w", err)
	}

	var out []types.Message
	current := types.Message{Role: m.Role}
	flush := func() {
		if len(current.Parts) > 0 || len(current.ToolCalls) > 0 {
			out = append(out, current)
			current = types.Message{Role: m.Role}
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			current.Parts = append(current.Parts, types.ContentPart{Type: types.PartText, Text: b.Text})
		case "image", "document":
			part, ok := antMediaToCanonical(b)
			if ok {
				current.Parts = append(current.Parts, part)
			}
		case "tool_use":
			current.ToolCalls = append(current.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case "tool_result":
			flush()
			out = append(out, antToolResultToCanonical(b))
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, types.Message{Role: m.Role})
	}
	return out, nil
}

func antMediaToCanonical(b antBlock) (types.ContentPart, bool) {
	if b.Source == nil {
		return types.ContentPart{}, false
	}
	partType := types.PartImage
	if b.Type == "document" {
		partType = types.PartDocument
	}
	src := &types.MediaSource{MediaType: b.Source.MediaType}
	switch b.Source.Type {
	case "base64":
		src.Kind = types.SourceBase64
		src.Data = b.Source.Data
	case "url":
		src.Kind = types.SourceURL
		src.URL = b.Source.URL
	default:
		return types.ContentPart{}, false
	}
	return types.ContentPart{Type: partType, Source: src}, true
}

func antToolResultToCanonical(b antBlock) types.Message {
	msg := types.Message{Role: types.RoleTool, ToolCallID: b.ToolUseID}
	if len(b.Content) == 0 {
		return msg
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		msg.Content = text
		return msg
	}
	var blocks []antBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		for _, sub := range blocks {
			if sub.Type == "text" {
				msg.Parts = append(msg.Parts, types.ContentPart{Type: types.PartText, Text: sub.Text})
			}
		}
		return msg
	}
	msg.Content = string(b.Content)
	return msg
}

// canonicalMessageToAnt renders one canonical message. The second return is
// false when the message has no representable content in this dialect.
func canonicalMessageToAnt(m types.Message) (antMessage, bool, error) {
	switch m.Role {
	case types.RoleTool:
		block := antBlock{Type: "tool_result", ToolUseID: m.ToolCallID}
		text := m.TextContent()
		if text != "" {
			raw, _ := json.Marshal(text)
			block.Content = raw
		}
		raw, err := json.Marshal([]antBlock{block})
		if err != nil {
			return antMessage{}, false, err
		}
		return antMessage{Role: types.RoleUser, Content: raw}, true, nil

	case types.RoleSystem:
		// A system turn past the extracted prompt becomes a user turn.
		raw, _ := json.Marshal(m.TextContent())
		return antMessage{Role: types.RoleUser, Content: raw}, true, nil
	}

	var blocks []antBlock
	if m.IsText() {
		if m.Content != "" {
			blocks = append(blocks, antBlock{Type: "text", Text: m.Content})
		}
	} else {
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				blocks = append(blocks, antBlock{Type: "text", Text: p.Text})
			case types.PartImage, types.PartDocument:
				if p.Source == nil || p.Source.Kind != types.SourceBase64 {
					continue // URL media is not inlined here
				}
				blockType := "image"
				if p.Type == types.PartDocument {
					blockType = "document"
				}
				blocks = append(blocks, antBlock{
					Type: blockType,
					Source: &antSource{
						Type:      "base64",
						MediaType: p.Source.MediaType,
						Data:      p.Source.Data,
					},
				})
			case types.PartToolResult:
				sub := antBlock{Type: "tool_result", ToolUseID: p.ToolUseID, IsError: p.IsError}
				if p.Content != "" {
					raw, _ := json.Marshal(p.Content)
					sub.Content = raw
				}
				blocks = append(blocks, sub)
			}
			// Audio and video have no block type in this dialect.
		}
	}

	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input, _ = json.Marshal(tc.Function.Arguments)
		}
		blocks = append(blocks, antBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	if len(blocks) == 0 {
		return antMessage{}, false, nil
	}
	if len(blocks) == 1 && blocks[0].Type == "text" {
		raw, _ := json.Marshal(blocks[0].Text)
		return antMessage{Role: m.Role, Content: raw}, true, nil
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return antMessage{}, false, err
	}
	return antMessage{Role: m.Role, Content: raw}, true, nil
}

// appendAntMessage merges consecutive same-role messages, which the
// Messages API requires for the user/assistant alternation.
func appendAntMessage(msgs []antMessage, m antMessage) []antMessage {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != m.Role {
		return append(msgs, m)
	}
	last := &msgs[len(msgs)-1]
	merged, err := mergeAntContent(last.Content, m.Content)
	if err != nil {
		return append(msgs, m)
	}
	last.Content = merged
	return msgs
}

func mergeAntContent(a, b json.RawMessage) (json.RawMessage, error) {
	blocks, err := antContentBlocks(a)
	if err != nil {
		return nil, err
	}
	more, err := antContentBlocks(b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(append(blocks, more...))
}

func antContentBlocks(raw json.RawMessage) ([]antBlock, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []antBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []antBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func antToolChoiceToCanonical(tc *antToolChoice) (*types.ToolChoice, error) {
	switch tc.Type {
	case "auto":
		return &types.ToolChoice{Mode: types.ToolChoiceAuto}, nil
	case "any":
		return &types.ToolChoice{Mode: types.ToolChoiceAny}, nil
	case "none":
		return &types.ToolChoice{Mode: types.ToolChoiceNone}, nil
	case "tool":
		if tc.Name == "" {
			return nil, fmt.Errorf("tool_choice type tool requires a name")
		}
		return &types.ToolChoice{Mode: types.ToolChoiceFunction, Name: tc.Name}, nil
	default:
		return nil, fmt.Errorf("unknown tool_choice type %q", tc.Type)
	}
}

// canonicalToolChoiceToAnt maps canonical modes to the Messages dialect.
// "none" has no wire form and is left unset.
func canonicalToolChoiceToAnt(tc *types.ToolChoice) *antToolChoice {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return &antToolChoice{Type: "auto"}
	case types.ToolChoiceAny, types.ToolChoiceRequired:
		return &antToolChoice{Type: "any"}
	case types.ToolChoiceFunction:
		return &antToolChoice{Type: "tool", Name: tc.Name}
	}
	return nil
}

func antStopToCanonical(reason string) string {
	switch reason {
	case "end_turn":
		return types.FinishStop
	case "max_tokens":
		return types.FinishMaxTokens
	case "stop_sequence":
		return types.FinishStopSequence
	case "tool_use":
		return types.FinishToolCalls
	default:
		return reason
	}
}

func canonicalFinishToAnt(reason string) string {
	switch reason {
	case types.FinishStop, types.FinishContentFilter:
		return "end_turn"
	case types.FinishMaxTokens:
		return "max_tokens"
	case types.FinishStopSequence:
		return "stop_sequence"
	case types.FinishToolCalls, types.FinishToolCall, types.FinishFunctionCall:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func antUsageToCanonical(u *antUsage) *types.Usage {
	out := &types.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
	out.TotalTokens = out.InputTokens + out.OutputTokens
	return out
}

// ─── Streaming ───────────────────────────────────────────────────────────────

type antStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage *antUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string          `json:"type"`
		Text        string          `json:"text"`
		PartialJSON string          `json:"partial_json"`
		Citation    json.RawMessage `json:"citation"`
		StopReason  string          `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *antUsage `json:"usage,omitempty"`
}

// anthropicStreamTranslator turns Messages SSE events into canonical
// events. One value per stream.
type anthropicStreamTranslator struct {
	assembler   *stream.ToolAssembler
	logger      *zap.Logger
	inputTokens int
	finished    bool
}

// NewStreamTranslator implements FormatAdapter.
func (a *AnthropicAdapter) NewStreamTranslator(logger *zap.Logger) stream.Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &anthropicStreamTranslator{assembler: stream.NewToolAssembler(), logger: logger}
}

func (t *anthropicStreamTranslator) Translate(payload string) ([]types.StreamEvent, error) {
	var ev antStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("parse anthropic event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		out := types.StreamEvent{Type: types.EventMessageStart}
		if ev.Message != nil {
			out.ID = ev.Message.ID
			out.Model = ev.Message.Model
			if ev.Message.Usage != nil {
				out.InputTokens = ev.Message.Usage.InputTokens
				t.inputTokens = ev.Message.Usage.InputTokens
			}
		}
		return []types.StreamEvent{out}, nil

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			t.assembler.Start(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name)
		}
		return nil, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []types.StreamEvent{{
				Type:  types.EventContentDelta,
				Part:  types.DeltaText,
				Value: ev.Delta.Text,
			}}, nil
		case "input_json_delta":
			t.assembler.Append(ev.Index, ev.Delta.PartialJSON)
			return []types.StreamEvent{{
				Type:         types.EventContentDelta,
				Part:         types.DeltaToolCall,
				Value:        ev.Delta.PartialJSON,
				ToolIndex:    ev.Index,
				FunctionName: t.assembler.Name(ev.Index),
			}}, nil
		case "citations_delta":
			return []types.StreamEvent{{
				Type:  types.EventContentDelta,
				Part:  types.DeltaCitations,
				Value: string(ev.Delta.Citation),
			}}, nil
		}
		return nil, nil

	case "content_block_stop":
		t.assembler.Complete(ev.Index)
		return nil, nil

	case "message_delta":
		if ev.Delta == nil || ev.Delta.StopReason == "" || t.finished {
			return nil, nil
		}
		t.finished = true
		events := t.assembler.Flush()
		events = append(events, types.StreamEvent{
			Type:         types.EventComplete,
			FinishReason: antStreamStopToCanonical(ev.Delta.StopReason),
		})
		if ev.Usage != nil {
			usage := &types.Usage{
				InputTokens:      t.inputTokens,
				OutputTokens:     ev.Usage.OutputTokens,
				PromptTokens:     t.inputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				CacheReadTokens:  ev.Usage.CacheReadInputTokens,
				CacheWriteTokens: ev.Usage.CacheCreationInputTokens,
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			events = append(events, types.StreamEvent{Type: types.EventUsage, Usage: usage})
		}
		return events, nil

	case "message_stop", "ping":
		return nil, nil
	}
	return nil, nil
}

func (t *anthropicStreamTranslator) Done() []types.StreamEvent {
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

func antStreamStopToCanonical(reason string) string {
	switch reason {
	case "end_turn":
		return types.FinishStop
	case "max_tokens":
		return types.FinishMaxTokens
	case "stop_sequence":
		return types.FinishStopSequence
	case "tool_use":
		return types.FinishToolCall
	default:
		return types.FinishStop
	}
}

// anthropicStreamEncoder renders canonical events as Messages SSE payloads.
// Usage arrives after complete in the canonical order, so the closing
// message_delta and message_stop are deferred until usage or stream end.
type anthropicStreamEncoder struct {
	model string
	id    string

	nextIndex int
	openType  string // "" | "text" | "tool_use"
	toolIndex int    // canonical tool index of the open tool block

	pendingStop string
	stopped     bool
}

// NewStreamEncoder implements FormatAdapter.
func (a *AnthropicAdapter) NewStreamEncoder(model string) stream.Encoder {
	return &anthropicStreamEncoder{model: model, id: "msg_" + uuid.NewString()}
}

func (e *anthropicStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		return payloadsJSON(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      e.id,
				"type":    "message",
				"role":    "assistant",
				"model":   e.model,
				"content": []any{},
				"usage":   map[string]int{"input_tokens": ev.InputTokens, "output_tokens": 0},
			},
		})

	case types.EventContentDelta:
		switch ev.Part {
		case types.DeltaText:
			var out []map[string]any
			if e.openType != "text" {
				out = append(out, e.closeBlock()...)
				out = append(out, map[string]any{
					"type":          "content_block_start",
					"index":         e.nextIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				})
				e.openType = "text"
			}
			out = append(out, map[string]any{
				"type":  "content_block_delta",
				"index": e.nextIndex,
				"delta": map[string]any{"type": "text_delta", "text": ev.Value},
			})
			return payloadsJSONList(out)

		case types.DeltaToolCall:
			var out []map[string]any
			if e.openType != "tool_use" || e.toolIndex != ev.ToolIndex {
				out = append(out, e.closeBlock()...)
				out = append(out, map[string]any{
					"type":  "content_block_start",
					"index": e.nextIndex,
					"content_block": map[string]any{
						"type": "tool_use",
						"id":   "toolu_" + uuid.NewString(),
						"name": ev.FunctionName,
					},
				})
				e.openType = "tool_use"
				e.toolIndex = ev.ToolIndex
			}
			out = append(out, map[string]any{
				"type":  "content_block_delta",
				"index": e.nextIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Value},
			})
			return payloadsJSONList(out)
		}
		return nil, nil

	case types.EventToolCall:
		// The call already streamed as input_json_delta frames.
		return nil, nil

	case types.EventComplete:
		out := e.closeBlock()
		e.pendingStop = canonicalFinishToAnt(ev.FinishReason)
		return payloadsJSONList(out)

	case types.EventUsage:
		if e.pendingStop == "" || e.stopped {
			return nil, nil
		}
		usage := map[string]int{"output_tokens": 0}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				usage["input_tokens"] = ev.Usage.InputTokens
			}
		}
		return e.close(usage)
	}
	return nil, nil
}

// Finish implements stream.Encoder: closes the message when no usage event
// followed the complete event.
func (e *anthropicStreamEncoder) Finish() ([][]byte, error) {
	if e.stopped {
		return nil, nil
	}
	if e.pendingStop == "" {
		e.pendingStop = "end_turn"
	}
	return e.close(map[string]int{"output_tokens": 0})
}

func (e *anthropicStreamEncoder) close(usage map[string]int) ([][]byte, error) {
	e.stopped = true
	return payloadsJSONList([]map[string]any{
		{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": e.pendingStop},
			"usage": usage,
		},
		{"type": "message_stop"},
	})
}

// closeBlock emits the content_block_stop for an open block and advances
// the block index.
func (e *anthropicStreamEncoder) closeBlock() []map[string]any {
	if e.openType == "" {
		return nil
	}
	out := []map[string]any{{
		"type":  "content_block_stop",
		"index": e.nextIndex,
	}}
	e.openType = ""
	e.nextIndex++
	return out
}

func payloadsJSON(body map[string]any) ([][]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func payloadsJSONList(bodies []map[string]any) ([][]byte, error) {
	var out [][]byte
	for _, body := range bodies {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
