package stream

import (
	"sort"
	"strings"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
)

// ToolAssembler accumulates multi-chunk tool calls keyed by tool index.
// Indices may be sparse. One assembler serves one streaming request.
type ToolAssembler struct {
	entries map[int]*toolEntry
}

type toolEntry struct {
	id       string
	name     string
	args     strings.Builder
	complete bool
	emitted  bool
}

// NewToolAssembler creates an empty assembler.
func NewToolAssembler() *ToolAssembler {
	return &ToolAssembler{entries: make(map[int]*toolEntry)}
}

// Start registers a tool call at an index with its id and name, as carried
// by an Anthropic content_block_start.
func (a *ToolAssembler) Start(index int, id, name string) {
	e := a.entry(index)
	e.id = id
	e.name = name
}

// Merge folds an OpenAI-style tool-call delta into the entry at index.
// Empty fields leave the existing value untouched; the arguments fragment
// is appended.
func (a *ToolAssembler) Merge(index int, id, name, argsDelta string) {
	e := a.entry(index)
	if id != "" {
		e.id = id
	}
	if name != "" {
		e.name = name
	}
	e.args.WriteString(argsDelta)
}

// Append adds an arguments fragment to the entry at index.
func (a *ToolAssembler) Append(index int, argsDelta string) {
	a.entry(index).args.WriteString(argsDelta)
}

// Complete marks the entry at index as fully received.
func (a *ToolAssembler) Complete(index int) {
	if e, ok := a.entries[index]; ok {
		e.complete = true
	}
}

// CompleteAll marks every known entry complete. OpenAI streams signal the
// end of all tool calls at once via finish_reason.
func (a *ToolAssembler) CompleteAll() {
	for _, e := range a.entries {
		e.complete = true
	}
}

// Name returns the function name registered at index, if any.
func (a *ToolAssembler) Name(index int) string {
	if e, ok := a.entries[index]; ok {
		return e.name
	}
	return ""
}

// Len returns the number of tracked tool calls.
func (a *ToolAssembler) Len() int { return len(a.entries) }

// Flush emits one tool_call event per complete, not-yet-emitted entry, in
// ascending index order.
func (a *ToolAssembler) Flush() []types.StreamEvent {
	indices := make([]int, 0, len(a.entries))
	for i, e := range a.entries {
		if e.complete && !e.emitted {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)

	events := make([]types.StreamEvent, 0, len(indices))
	for _, i := range indices {
		e := a.entries[i]
		e.emitted = true
		events = append(events, types.StreamEvent{
			Type:          types.EventToolCall,
			ToolCallID:    e.id,
			ToolCallName:  e.name,
			ArgumentsJSON: e.args.String(),
		})
	}
	return events
}

func (a *ToolAssembler) entry(index int) *toolEntry {
	e, ok := a.entries[index]
	if !ok {
		e = &toolEntry{}
		a.entries[index] = e
	}
	return e
}
