package types

// Package types defines the canonical, dialect-neutral request/response/event
// schema used inside the gateway.
//
// Responsibilities:
//   - Represent chat requests as a superset of every supported wire dialect
//     (OpenAI Chat Completions, OpenAI Responses, Anthropic Messages)
//   - Represent responses and streaming events in a single tagged-union form
//   - Carry tool definitions, tool calls and multimodal content blocks
//   - Stay free of any provider- or dialect-specific JSON tags: the wire
//     shapes live in the format adapters, not here
//
// Lifecycle:
//   - A Request is built once by the ingress adapter and is read-only after
//     construction.
//   - A Response is built from the upstream payload and consumed once by the
//     egress adapter.
//   - StreamEvents are produced in upstream arrival order and consumed by a
//     single downstream writer.

// SchemaVersion tags canonical records so stored payloads can be migrated.
const SchemaVersion = "v1"

// Roles used in canonical messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ─── Request ─────────────────────────────────────────────────────────────────

// Request is the canonical chat-completion request.
type Request struct {
	SchemaVersion string
	Model         string
	Messages      []Message

	// System holds the system prompt extracted from the inbound dialect.
	// Either Text or Parts is set, never both.
	System *SystemPrompt

	Generation *Generation

	Tools             []Tool
	ToolChoice        *ToolChoice
	ParallelToolCalls *bool

	// Legacy OpenAI function-calling fields, preserved for round-tripping.
	Functions    []FunctionDef
	FunctionCall any

	ResponseFormat *ResponseFormat

	Stream        bool
	StreamOptions *StreamOptions

	ServiceTier     string
	ReasoningEffort string // low | medium | high | minimal
	Modalities      []string
	Audio           *AudioConfig
	Thinking        *Thinking
	User            string

	// ProviderParams carries dialect-specific fields that have no canonical
	// representation, keyed by format name. They are re-attached when
	// converting back to that format and dropped otherwise.
	ProviderParams map[string]map[string]any

	Meta map[string]any
}

// SystemPrompt is a system instruction: plain text or a list of parts.
type SystemPrompt struct {
	Text  string
	Parts []ContentPart
}

// Generation groups sampling and length parameters.
type Generation struct {
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	TopK             *int
	Stop             []string // normalized: a single string becomes one entry
	StopSequences    []string // capped at MaxStopSequences by validation
	Seed             *int64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	N                *int
	Logprobs         *bool
	TopLogprobs      *int
	LogitBias        map[string]float64 // token-id string → bias
}

// MaxStopSequences caps the stop_sequences list.
const MaxStopSequences = 64

// StreamOptions mirrors OpenAI stream_options.
type StreamOptions struct {
	IncludeUsage bool
}

// AudioConfig selects output voice and format when audio modality is on.
type AudioConfig struct {
	Voice  string
	Format string
}

// Thinking configures extended reasoning where the provider supports it.
type Thinking struct {
	Enabled          *bool
	Budget           *int
	Summary          string
	Content          string
	EncryptedContent string
}

// ─── Messages and content ────────────────────────────────────────────────────

// Message is one conversation turn. Content and Parts are mutually
// exclusive: a message carries either plain text or a non-empty part list.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// IsText reports whether the message carries plain string content.
func (m *Message) IsText() bool { return len(m.Parts) == 0 }

// TextContent flattens the message to text, concatenating text parts.
func (m *Message) TextContent() string {
	if m.IsText() {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// PartType discriminates ContentPart variants.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartAudio      PartType = "audio"
	PartVideo      PartType = "video"
	PartDocument   PartType = "document"
	PartToolResult PartType = "tool_result"
)

// ContentPart is a flat tagged union over the content-block variants.
// Media parts (image/audio/video/document) carry Source; tool_result parts
// carry ToolUseID plus either Content or Parts.
type ContentPart struct {
	Type PartType

	// text
	Text string

	// image / audio / video / document
	Source *MediaSource

	// tool_result
	ToolUseID string
	Content   string
	Parts     []ContentPart
	IsError   bool
}

// SourceKind discriminates media source variants.
type SourceKind string

const (
	SourceBase64 SourceKind = "base64"
	SourceURL    SourceKind = "url"
)

// MediaSource points at media content either inline (base64) or by URL.
type MediaSource struct {
	Kind      SourceKind
	MediaType string // e.g. image/png, audio/mp3, application/pdf
	Data      string // base64 payload when Kind == SourceBase64
	URL       string // when Kind == SourceURL
}

// ─── Tools ───────────────────────────────────────────────────────────────────

// Tool is a function-typed tool definition.
type Tool struct {
	Type     string // always "function"
	Function FunctionDef
}

// FunctionDef describes a callable function.
type FunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Strict      *bool
}

// ToolChoiceMode enumerates tool-choice behaviors.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAny      ToolChoiceMode = "any"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects how the model may use tools. Name is set only when
// Mode == ToolChoiceFunction.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a fully-formed function invocation emitted by the model.
type ToolCall struct {
	ID       string
	Type     string // "function"
	Function ToolCallFunction
}

// ToolCallFunction carries the function name and raw JSON arguments.
type ToolCallFunction struct {
	Name      string
	Arguments string // JSON string
}

// ─── Response format ─────────────────────────────────────────────────────────

// ResponseFormat constrains model output. Type is one of "text", "json",
// "json_object" or "json_schema"; JSONSchema is set only for the latter.
type ResponseFormat struct {
	Type       string
	JSONSchema *JSONSchemaFormat
}

// JSONSchemaFormat is the schema payload for structured output.
type JSONSchemaFormat struct {
	Name        string
	Description string
	Schema      map[string]any
	Strict      *bool
}

// ─── Response ────────────────────────────────────────────────────────────────

// Canonical finish reasons.
const (
	FinishStop          = "stop"
	FinishMaxTokens     = "max_tokens"
	FinishStopSequence  = "stop_sequence"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishFunctionCall  = "function_call"
	FinishError         = "error"
)

// Response is the canonical non-streaming completion result.
type Response struct {
	SchemaVersion     string
	ID                string
	Model             string
	Created           int64
	Choices           []Choice
	Usage             *Usage
	SystemFingerprint string
}

// Choice is one completion alternative.
type Choice struct {
	Index        int
	Message      AssistantTurn
	FinishReason string
	ToolCalls    []ToolCall
	Logprobs     any
}

// AssistantTurn is the assistant message inside a choice.
type AssistantTurn struct {
	Role  string
	Parts []ContentPart
}

// Text concatenates the text parts of the turn.
func (a *AssistantTurn) Text() string {
	var out string
	for _, p := range a.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Usage carries token counters. Prompt/Completion aliases mirror the OpenAI
// naming; Input/Output mirror Anthropic. Adapters fill both.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
	TotalTokens      int
}

// ─── Stream events ───────────────────────────────────────────────────────────

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventContentDelta EventType = "content_delta"
	EventToolCall     EventType = "tool_call"
	EventUsage        EventType = "usage"
	EventComplete     EventType = "complete"
)

// DeltaPart identifies what a content_delta carries.
type DeltaPart string

const (
	DeltaText      DeltaPart = "text"
	DeltaToolCall  DeltaPart = "tool_call"
	DeltaCitations DeltaPart = "citations"
)

// FinishToolCall is the stream-level finish reason for assembled tool
// calls. Response-level mapping uses FinishToolCalls; the event stream uses
// the singular form.
const FinishToolCall = "tool_call"

// StreamEvent is the canonical streaming event. Exactly the fields for the
// given Type are populated; see the constants above.
type StreamEvent struct {
	Type EventType

	// message_start
	ID          string
	Model       string
	InputTokens int

	// content_delta
	Part         DeltaPart
	Value        string
	ToolIndex    int
	FunctionName string

	// tool_call — emitted once per fully assembled call at finish
	ToolCallID    string
	ToolCallName  string
	ArgumentsJSON string

	// usage
	Usage *Usage

	// complete — always the last event of a stream
	FinishReason string
}
