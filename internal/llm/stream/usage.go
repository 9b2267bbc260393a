package stream

import (
	"encoding/json"
	"strings"
)

// completedMarker identifies the Responses-dialect terminal event inside
// the rolling buffer, before the event JSON is necessarily complete.
const completedMarker = `"type":"response.completed"`

// ResponsesUsage is the usage block of a response.completed event.
// NonCachedInput is InputTokens minus CachedTokens and is the figure that
// feeds cost calculation.
type ResponsesUsage struct {
	InputTokens    int
	CachedTokens   int
	OutputTokens   int
	NonCachedInput int
}

// ResponsesUsageParser extracts the final usage object from an OpenAI
// Responses stream. The response.completed event's JSON may span several
// SSE chunks, so the parser accumulates raw text until the object whose
// type is response.completed is brace-balanced, then parses it once.
//
// The brace walk is string-aware: braces inside JSON strings, including
// escaped quotes, do not count toward nesting depth.
type ResponsesUsageParser struct {
	buf  strings.Builder
	done bool
}

// Feed appends raw SSE text. It returns the extracted usage once the
// completed event is fully buffered, and nil until then (and forever
// after the first successful extraction).
func (p *ResponsesUsageParser) Feed(text string) *ResponsesUsage {
	if p.done {
		return nil
	}
	p.buf.WriteString(text)

	data := p.buf.String()
	mark := strings.Index(data, completedMarker)
	if mark < 0 {
		return nil
	}

	// The event object opens at the innermost unclosed '{' before the marker.
	start := openingBrace(data[:mark])
	if start < 0 {
		return nil
	}
	end := matchingBrace(data[start:])
	if end < 0 {
		return nil // object still spans a future chunk
	}

	p.done = true
	return parseCompletedEvent(data[start : start+end+1])
}

// openingBrace returns the index of the innermost '{' still unclosed at
// the end of s, ignoring braces inside JSON strings.
func openingBrace(s string) int {
	var stack []int
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				stack = append(stack, i)
			}
		case '}':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return -1
	}
	return stack[len(stack)-1]
}

// matchingBrace walks s (which starts at '{') and returns the index of the
// balancing '}', or -1 when the object is not yet complete.
func matchingBrace(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func parseCompletedEvent(raw string) *ResponsesUsage {
	var event struct {
		Response struct {
			Usage struct {
				InputTokens        int `json:"input_tokens"`
				InputTokensDetails struct {
					CachedTokens int `json:"cached_tokens"`
				} `json:"input_tokens_details"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil
	}
	u := &ResponsesUsage{
		InputTokens:  event.Response.Usage.InputTokens,
		CachedTokens: event.Response.Usage.InputTokensDetails.CachedTokens,
		OutputTokens: event.Response.Usage.OutputTokens,
	}
	u.NonCachedInput = u.InputTokens - u.CachedTokens
	return u
}
