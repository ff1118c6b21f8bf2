package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/scriptorium-ai/scriptorium/core"
)

// ScriptStep describes one scripted Generate outcome for the MockModel.
// Exactly one of Err or the response fields applies: when Err is set the
// step fails without emitting anything; otherwise Text/Calls form the final
// response, optionally preceded by streamed Chunks.
type ScriptStep struct {
	Err    error
	Chunks []string // streamed text deltas before the final response
	Text   string
	Calls  []core.ToolCall
}

// MockModel is a scripted in-memory Model for tests. Each Generate call
// consumes the next script step; requests are recorded for assertions.
type MockModel struct {
	mu       sync.Mutex
	info     Info
	script   []ScriptStep
	pos      int
	Requests []Request
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(steps ...ScriptStep) *MockModel {
	return &MockModel{
		info:   Info{Name: "mock", Provider: "mock", SupportsTools: true},
		script: steps,
	}
}

// Enqueue appends further script steps.
func (m *MockModel) Enqueue(steps ...ScriptStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
}

// Calls returns how many Generate calls have been consumed.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Generate implements Model; emits optional streaming chunks then the final
// response according to the next script step.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	var step ScriptStep
	if m.pos < len(m.script) {
		step = m.script[m.pos]
		m.pos++
	} else {
		step = ScriptStep{Err: fmt.Errorf("mock model script exhausted after %d steps", len(m.script))}
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if step.Err != nil {
			errCh <- step.Err
			return
		}

		if req.Stream {
			for _, chunk := range step.Chunks {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: core.NewTextContent("assistant", chunk)}:
				}
			}
		}

		parts := make([]core.Part, 0, len(step.Calls)+1)
		if step.Text != "" {
			parts = append(parts, core.TextPart{Text: step.Text})
		}
		for _, call := range step.Calls {
			parts = append(parts, core.ToolCallPart{Call: call})
		}

		finish := "stop"
		if len(step.Calls) > 0 {
			finish = "tool_use"
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Partial:      false,
			Content:      core.Content{Role: "assistant", Parts: parts},
			FinishReason: finish,
		}:
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
