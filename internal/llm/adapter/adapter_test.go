package adapter

import (
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

func TestOpenAIToAnthropicTranslation(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 64,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		]
	}`)

	req, err := NewOpenAIAdapter().ClientToCanonical(body)
	if err != nil {
		t.Fatalf("ClientToCanonical: %v", err)
	}
	if req.System == nil || req.System.Text != "be terse" {
		t.Fatalf("system = %+v, want \"be terse\"", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hi" {
		t.Fatalf("messages = %+v", req.Messages)
	}

	out, err := NewAnthropicAdapter().CanonicalToProvider(req)
	if err != nil {
		t.Fatalf("CanonicalToProvider: %v", err)
	}
	var wire struct {
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatalf("unmarshal provider request: %v", err)
	}
	if wire.System != "be terse" {
		t.Errorf("system = %q", wire.System)
	}
	if wire.MaxTokens != 64 {
		t.Errorf("max_tokens = %d, want 64", wire.MaxTokens)
	}
	if len(wire.Messages) != 1 || wire.Messages[0].Role != "user" || wire.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", wire.Messages)
	}
}

func TestAnthropicStreamOneToolCall(t *testing.T) {
	payloads := []string{
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":10,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"NYC\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		`{"type":"message_stop"}`,
	}

	tr := NewAnthropicAdapter().NewStreamTranslator(zap.NewNop())
	var events []types.StreamEvent
	for _, p := range payloads {
		out, err := tr.Translate(p)
		if err != nil {
			t.Fatalf("Translate(%q): %v", p, err)
		}
		events = append(events, out...)
	}
	events = append(events, tr.Done()...)

	wantTypes := []types.EventType{
		types.EventMessageStart,
		types.EventContentDelta,
		types.EventContentDelta,
		types.EventToolCall,
		types.EventComplete,
		types.EventUsage,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events %+v, want %d", len(events), events, len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event[%d].Type = %s, want %s", i, events[i].Type, want)
		}
	}

	if events[0].InputTokens != 10 || events[0].ID != "msg_1" {
		t.Errorf("message_start = %+v", events[0])
	}
	if events[1].Value != `{"city":` || events[1].ToolIndex != 0 || events[1].FunctionName != "get_weather" {
		t.Errorf("first delta = %+v", events[1])
	}
	tc := events[3]
	if tc.ToolCallID != "t1" || tc.ToolCallName != "get_weather" || tc.ArgumentsJSON != `{"city":"NYC"}` {
		t.Errorf("tool_call = %+v", tc)
	}
	if events[4].FinishReason != types.FinishToolCall {
		t.Errorf("finish_reason = %q, want tool_call", events[4].FinishReason)
	}
	if events[5].Usage == nil || events[5].Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", events[5].Usage)
	}
}

func TestOpenAIStreamToolCallAssembly(t *testing.T) {
	payloads := []string{
		`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"b","function":{"name":"beta","arguments":"{\"y\":"}}]},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"a","function":{"name":"alpha","arguments":"{\"x\":1}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"2}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	tr := NewOpenAIAdapter().NewStreamTranslator(zap.NewNop())
	var events []types.StreamEvent
	for _, p := range payloads {
		out, err := tr.Translate(p)
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		events = append(events, out...)
	}
	events = append(events, tr.Done()...)

	var calls []types.StreamEvent
	var complete *types.StreamEvent
	for i := range events {
		switch events[i].Type {
		case types.EventToolCall:
			calls = append(calls, events[i])
		case types.EventComplete:
			if complete != nil {
				t.Fatal("multiple complete events")
			}
			complete = &events[i]
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool_call events, want 2", len(calls))
	}
	if calls[0].ToolCallID != "a" || calls[0].ArgumentsJSON != `{"x":1}` {
		t.Errorf("call[0] = %+v", calls[0])
	}
	if calls[1].ToolCallID != "b" || calls[1].ArgumentsJSON != `{"y":2}` {
		t.Errorf("call[1] = %+v", calls[1])
	}
	if complete == nil || complete.FinishReason != types.FinishToolCall {
		t.Errorf("complete = %+v", complete)
	}
}

func TestOpenAIContentParts(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "look"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}},
			{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}},
			{"type": "input_audio", "input_audio": {"data": "BBBB", "format": "wav"}}
		]}]
	}`)

	req, err := NewOpenAIAdapter().ClientToCanonical(body)
	if err != nil {
		t.Fatalf("ClientToCanonical: %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 4 {
		t.Fatalf("got %d parts", len(parts))
	}
	if parts[1].Source.Kind != types.SourceBase64 || parts[1].Source.MediaType != "image/png" || parts[1].Source.Data != "AAAA" {
		t.Errorf("data-url image = %+v", parts[1].Source)
	}
	if parts[2].Source.Kind != types.SourceURL || parts[2].Source.URL != "https://example.com/cat.png" {
		t.Errorf("plain-url image = %+v", parts[2].Source)
	}
	if parts[3].Type != types.PartAudio || parts[3].Source.MediaType != "audio/wav" {
		t.Errorf("audio = %+v", parts[3])
	}
}

func TestAnthropicDropsURLImages(t *testing.T) {
	req := &types.Request{
		SchemaVersion: types.SchemaVersion,
		Model:         "claude-3-5-sonnet-20241022",
		Messages: []types.Message{{
			Role: "user",
			Parts: []types.ContentPart{
				{Type: types.PartText, Text: "see"},
				{Type: types.PartImage, Source: &types.MediaSource{Kind: types.SourceURL, URL: "https://example.com/a.png"}},
				{Type: types.PartImage, Source: &types.MediaSource{Kind: types.SourceBase64, MediaType: "image/png", Data: "AAAA"}},
			},
		}},
	}
	out, err := NewAnthropicAdapter().CanonicalToProvider(req)
	if err != nil {
		t.Fatalf("CanonicalToProvider: %v", err)
	}
	var wire struct {
		Messages []struct {
			Content []struct {
				Type string `json:"type"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire.Messages[0].Content) != 2 {
		t.Fatalf("blocks = %+v, want text + one base64 image", wire.Messages[0].Content)
	}
}

func TestToolChoiceMappings(t *testing.T) {
	tests := []struct {
		name      string
		choice    *types.ToolChoice
		wantOA    string
		wantAnt   string // "" means unset
	}{
		{"auto", &types.ToolChoice{Mode: types.ToolChoiceAuto}, `"auto"`, "auto"},
		{"required", &types.ToolChoice{Mode: types.ToolChoiceRequired}, `"required"`, "any"},
		{"any", &types.ToolChoice{Mode: types.ToolChoiceAny}, `"required"`, "any"},
		{"none", &types.ToolChoice{Mode: types.ToolChoiceNone}, `"none"`, ""},
		{"function", &types.ToolChoice{Mode: types.ToolChoiceFunction, Name: "f"},
			`{"type":"function","function":{"name":"f"}}`, "tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(encodeOAToolChoice(tt.choice)); got != tt.wantOA {
				t.Errorf("openai = %s, want %s", got, tt.wantOA)
			}
			ant := canonicalToolChoiceToAnt(tt.choice)
			if tt.wantAnt == "" {
				if ant != nil {
					t.Errorf("anthropic = %+v, want unset", ant)
				}
				return
			}
			if ant == nil || ant.Type != tt.wantAnt {
				t.Errorf("anthropic = %+v, want type %q", ant, tt.wantAnt)
			}
		})
	}
}

func TestAnthropicToolResultSplits(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": [
			{"type": "tool_result", "tool_use_id": "t1", "content": "sunny"},
			{"type": "text", "text": "and now?"}
		]}]
	}`)
	req, err := NewAnthropicAdapter().ClientToCanonical(body)
	if err != nil {
		t.Fatalf("ClientToCanonical: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v, want tool + user", req.Messages)
	}
	if req.Messages[0].Role != types.RoleTool || req.Messages[0].ToolCallID != "t1" || req.Messages[0].Content != "sunny" {
		t.Errorf("tool message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" {
		t.Errorf("second message role = %q", req.Messages[1].Role)
	}
}

func TestCanonicalToolMessageToAnthropic(t *testing.T) {
	req := &types.Request{
		SchemaVersion: types.SchemaVersion,
		Model:         "claude-3-5-sonnet-20241022",
		Messages: []types.Message{
			{Role: types.RoleTool, ToolCallID: "t1", Content: "sunny"},
		},
	}
	out, err := NewAnthropicAdapter().CanonicalToProvider(req)
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		MaxTokens int `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string `json:"type"`
				ToolUseID string `json:"tool_use_id"`
				Content   string `json:"content"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", wire.MaxTokens, defaultAnthropicMaxTokens)
	}
	m := wire.Messages[0]
	if m.Role != "user" || len(m.Content) != 1 || m.Content[0].Type != "tool_result" {
		t.Fatalf("message = %+v", m)
	}
	if m.Content[0].ToolUseID != "t1" || m.Content[0].Content != "sunny" {
		t.Errorf("tool_result = %+v", m.Content[0])
	}
}

func TestOpenAIResponseRoundTrip(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1700000000,
		"model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hey",
			"tool_calls": [{"id": "a", "type": "function", "function": {"name": "f", "arguments": "{}"}}]},
			"finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12,
			"prompt_tokens_details": {"cached_tokens": 2}}
	}`)
	a := NewOpenAIAdapter()
	resp, err := a.ProviderToCanonical(body)
	if err != nil {
		t.Fatalf("ProviderToCanonical: %v", err)
	}
	if resp.Choices[0].FinishReason != types.FinishToolCalls {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.CacheReadTokens != 2 {
		t.Errorf("cache read = %d", resp.Usage.CacheReadTokens)
	}

	out, err := a.CanonicalToClient(resp)
	if err != nil {
		t.Fatalf("CanonicalToClient: %v", err)
	}
	var wire oaResponse
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", wire.Choices[0].FinishReason)
	}
	if *wire.Choices[0].Message.Content != "hey" {
		t.Errorf("content = %q", *wire.Choices[0].Message.Content)
	}
	if len(wire.Choices[0].Message.ToolCalls) != 1 {
		t.Errorf("tool_calls = %+v", wire.Choices[0].Message.ToolCalls)
	}
}

func TestAnthropicResponseToOpenAIClient(t *testing.T) {
	body := []byte(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"model": "claude-3-5-sonnet-20241022",
		"content": [{"type": "text", "text": "hi there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 9, "output_tokens": 4}
	}`)
	resp, err := NewAnthropicAdapter().ProviderToCanonical(body)
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewOpenAIAdapter().CanonicalToClient(resp)
	if err != nil {
		t.Fatal(err)
	}
	var wire oaResponse
	if err := json.Unmarshal(out, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", wire.Choices[0].FinishReason)
	}
	if *wire.Choices[0].Message.Content != "hi there" {
		t.Errorf("content = %q", *wire.Choices[0].Message.Content)
	}
	if wire.Usage.PromptTokens != 9 || wire.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", wire.Usage)
	}
}

func TestResponsesRequestParsing(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"instructions": "be helpful",
		"input": [
			{"type": "message", "role": "user", "content": "hi"},
			{"type": "function_call", "call_id": "c1", "name": "f", "arguments": "{}"},
			{"type": "function_call_output", "call_id": "c1", "output": "42"}
		],
		"tools": [{"type": "function", "name": "f", "parameters": {"type": "object"}}],
		"max_output_tokens": 128
	}`)
	req, err := NewResponsesAdapter().ClientToCanonical(body)
	if err != nil {
		t.Fatalf("ClientToCanonical: %v", err)
	}
	if req.System == nil || req.System.Text != "be helpful" {
		t.Errorf("system = %+v", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if len(req.Messages[1].ToolCalls) != 1 || req.Messages[1].ToolCalls[0].ID != "c1" {
		t.Errorf("function_call message = %+v", req.Messages[1])
	}
	if req.Messages[2].Role != types.RoleTool || req.Messages[2].Content != "42" {
		t.Errorf("function_call_output message = %+v", req.Messages[2])
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "f" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.Generation.MaxTokens == nil || *req.Generation.MaxTokens != 128 {
		t.Errorf("max tokens = %+v", req.Generation.MaxTokens)
	}
}

func TestResponsesStreamUsageAndCompletion(t *testing.T) {
	payloads := []string{
		`{"type":"response.created","response":{"id":"resp_1","model":"gpt-4o"}}`,
		`{"type":"response.output_text.delta","delta":"hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.completed","response":{"usage":{"input_tokens":100,"input_tokens_details":{"cached_tokens":30},"output_tokens":50}}}`,
	}
	tr := NewResponsesAdapter().NewStreamTranslator(zap.NewNop())
	var events []types.StreamEvent
	for _, p := range payloads {
		out, err := tr.Translate(p)
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		events = append(events, out...)
	}
	events = append(events, tr.Done()...)

	wantTypes := []types.EventType{
		types.EventMessageStart,
		types.EventContentDelta,
		types.EventContentDelta,
		types.EventComplete,
		types.EventUsage,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %+v", events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}
	u := events[4].Usage
	if u.InputTokens != 100 || u.CacheReadTokens != 30 || u.OutputTokens != 50 {
		t.Errorf("usage = %+v", u)
	}
}

func TestOpenAIStreamEncoderTerminatesWithDone(t *testing.T) {
	e := NewOpenAIAdapter().NewStreamEncoder("gpt-4o")
	payloads, err := e.Encode(types.StreamEvent{Type: types.EventComplete, FinishReason: types.FinishToolCall})
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want chunk + [DONE]", len(payloads))
	}
	if !strings.Contains(string(payloads[0]), `"finish_reason":"tool_calls"`) {
		t.Errorf("finish chunk = %s", payloads[0])
	}
	if string(payloads[1]) != "[DONE]" {
		t.Errorf("terminator = %s", payloads[1])
	}
}

func TestAnthropicStreamEncoderDefersMessageStop(t *testing.T) {
	e := NewAnthropicAdapter().NewStreamEncoder("claude-3-5-sonnet-20241022")

	if _, err := e.Encode(types.StreamEvent{Type: types.EventMessageStart, InputTokens: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Encode(types.StreamEvent{Type: types.EventContentDelta, Part: types.DeltaText, Value: "hi"}); err != nil {
		t.Fatal(err)
	}

	// complete closes the block but holds message_delta for usage.
	payloads, err := e.Encode(types.StreamEvent{Type: types.EventComplete, FinishReason: types.FinishStop})
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 1 || !strings.Contains(string(payloads[0]), "content_block_stop") {
		t.Fatalf("complete payloads = %s", payloads)
	}

	payloads, err = e.Encode(types.StreamEvent{
		Type:  types.EventUsage,
		Usage: &types.Usage{InputTokens: 10, OutputTokens: 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 {
		t.Fatalf("usage payloads = %s", payloads)
	}
	if !strings.Contains(string(payloads[0]), `"stop_reason":"end_turn"`) ||
		!strings.Contains(string(payloads[0]), `"output_tokens":20`) {
		t.Errorf("message_delta = %s", payloads[0])
	}
	if !strings.Contains(string(payloads[1]), "message_stop") {
		t.Errorf("terminator = %s", payloads[1])
	}

	// Nothing left to flush.
	if rest, _ := e.Finish(); len(rest) != 0 {
		t.Errorf("Finish emitted %s", rest)
	}
}

func TestAnthropicStreamEncoderFinishWithoutUsage(t *testing.T) {
	e := NewAnthropicAdapter().NewStreamEncoder("claude-3-5-sonnet-20241022")
	if _, err := e.Encode(types.StreamEvent{Type: types.EventComplete, FinishReason: types.FinishStop}); err != nil {
		t.Fatal(err)
	}
	payloads, err := e.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 || !strings.Contains(string(payloads[1]), "message_stop") {
		t.Fatalf("Finish payloads = %s", payloads)
	}
}

func TestRegistryLookups(t *testing.T) {
	r := NewDefaultRegistry()

	for provider, want := range map[string]string{
		"openai":     FormatOpenAI,
		"openrouter": FormatOpenAI,
		"xai":        FormatOpenAI,
		"anthropic":  FormatAnthropic,
	} {
		a, err := r.ForProvider(provider)
		if err != nil {
			t.Fatalf("ForProvider(%s): %v", provider, err)
		}
		if a.Name() != want {
			t.Errorf("ForProvider(%s) = %s, want %s", provider, a.Name(), want)
		}
	}

	if _, err := r.Format("grpc"); err == nil {
		t.Error("unknown format did not error")
	} else if _, ok := err.(*NotRegisteredError); !ok {
		t.Errorf("error type = %T", err)
	}
}
