package openai

import (
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/scriptorium-ai/scriptorium/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitFinalChunk_KeepsToolCallOrder(t *testing.T) {
	m := &Model{}
	agg := map[int64]*aggCall{
		2: {id: "call-2", name: "file_write", args: "{}"},
		0: {id: "call-0", name: "file_read", args: "{}"},
		1: {id: "call-1", name: "run_code", args: "{}"},
	}

	out := make(chan model.Response, 1)
	var builder strings.Builder
	m.emitFinalChunk(openai.ChatCompletionChunkChoice{FinishReason: "tool_calls"}, &builder, agg, out)

	resp := <-out
	calls := resp.Content.ToolCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "call-0", calls[0].ID)
	assert.Equal(t, "call-1", calls[1].ID)
	assert.Equal(t, "call-2", calls[2].ID)
}
