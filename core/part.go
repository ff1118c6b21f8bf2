package core

// Part represents a polymorphic segment of model-facing content. Concrete
// part types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// ToolCall describes a tool invocation request surfaced by a model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // serialized JSON argument payload
}

// ToolCallPart wraps a ToolCall as a content part.
type ToolCallPart struct {
	Call ToolCall
}

func (ToolCallPart) isPart() {}

// ToolResult describes the outcome of a tool call fed back to the model.
type ToolResult struct {
	ID      string `json:"id,omitempty"` // matches originating ToolCall ID
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolResultPart wraps a ToolResult as a content part.
type ToolResultPart struct {
	Result ToolResult
}

func (ToolResultPart) isPart() {}

// Content holds a role plus ordered heterogeneous parts. It is the shape the
// model packages consume; durable Turns are projected into Contents by the
// window builder.
type Content struct {
	Role  string `json:"role,omitempty"` // user, assistant, tool, system
	Parts []Part `json:"parts"`
}

// Text concatenates all text parts in order.
func (c Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolCalls returns any tool call parts preserving their original order.
func (c Content) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range c.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.Call)
		}
	}
	return calls
}

// ToolResults returns any tool result parts preserving their original order.
func (c Content) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range c.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr.Result)
		}
	}
	return results
}

// NewTextContent builds a single-part text content with the given role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}
