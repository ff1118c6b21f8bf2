// Package window assembles the model-facing context for a turn: it projects
// the durable Turn log into normalized Contents, keeps the result under a
// token budget by summarizing older turns, and hard-truncates as a last
// resort. Compaction never rewrites the transcript; summaries are regular
// turns appended to the log and recognized on the next build.
package window

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/model"
)

// summaryState marks the status block carried by summary turns. Detail holds
// the id of the last turn the summary covers, which is what makes compaction
// idempotent: rebuilding over the same prefix finds the existing summary
// instead of producing another one.
const summaryState = "summary"

// summaryPrompt instructs the summarizer model.
const summaryPrompt = "You condense conversation history for an AI writing assistant. " +
	"Summarize the following turns into a compact brief that preserves: the user's goals, " +
	"decisions made, files created or modified, numeric results, and unresolved questions. " +
	"Write plain prose, no preamble."

// Options configures a Builder.
type Options struct {
	// Budget is the approximate token budget for the assembled window.
	// Default 8000.
	Budget int
	// KeepRecent is the number of most recent turns never summarized away.
	// Default 8.
	KeepRecent int
	// Logger receives compaction diagnostics.
	Logger logging.Logger
}

// BuildResult is an assembled window. Summary, when non-nil, is a freshly
// generated summary turn the caller must append to the transcript so later
// builds find it. Overflow is set when even compaction could not meet the
// budget and the window was hard-truncated.
type BuildResult struct {
	Request  model.Request
	Summary  *core.Turn
	Overflow *core.ContextOverflowError
}

// Builder assembles bounded model requests from transcripts.
type Builder struct {
	completer model.Completer
	opts      Options
	logger    logging.Logger
}

// NewBuilder constructs a Builder that uses completer for summarization.
func NewBuilder(completer model.Completer, optFns ...func(o *Options)) *Builder {
	opts := Options{
		Budget:     8000,
		KeepRecent: 8,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{completer: completer, opts: opts, logger: opts.Logger}
}

// Build assembles the request for the next model call. Instructions and tool
// definitions are passed through; turns are the full transcript in sequence
// order.
func (b *Builder) Build(
	ctx context.Context,
	instructions string,
	turns []core.Turn,
	tools []model.ToolDefinition,
) (*BuildResult, error) {
	visible, summaryText := applyLatestSummary(turns)
	contents := projectAll(visible, summaryText)

	result := &BuildResult{Request: model.Request{
		Instructions: instructions,
		Contents:     contents,
		Tools:        tools,
		Stream:       true,
	}}

	if estimateContents(contents)+estimateTokens(instructions) <= b.opts.Budget {
		return result, nil
	}

	compacted, summary, err := b.compact(ctx, visible, summaryText)
	if err != nil {
		return nil, err
	}
	result.Summary = summary
	result.Request.Contents = compacted

	if needed := estimateContents(compacted) + estimateTokens(instructions); needed > b.opts.Budget {
		result.Request.Contents = truncateToBudget(compacted, b.opts.Budget-estimateTokens(instructions))
		result.Overflow = &core.ContextOverflowError{Budget: b.opts.Budget, Needed: needed}
		b.logger.Warn("context window hard-truncated",
			"budget", b.opts.Budget, "needed", needed)
	}
	return result, nil
}

// compact summarizes everything except the most recent turns and returns the
// rebuilt contents plus the summary turn to persist.
func (b *Builder) compact(
	ctx context.Context,
	turns []core.Turn,
	priorSummary string,
) ([]core.Content, *core.Turn, error) {
	if len(turns) <= b.opts.KeepRecent {
		return projectAll(turns, priorSummary), nil, nil
	}

	cut := len(turns) - b.opts.KeepRecent
	covered, kept := turns[:cut], turns[cut:]
	coveredID := covered[len(covered)-1].ID

	text, err := b.summarize(ctx, covered, priorSummary)
	if err != nil {
		return nil, nil, fmt.Errorf("summarize window: %w", err)
	}

	summary := core.NewTurn(core.RoleAgent, "window")
	summary.Content = text
	summary.AppendBlock(core.NewStatusBlock(summaryState, coveredID))

	b.logger.Info("context window compacted",
		"covered_turns", len(covered), "covered_to_turn", coveredID,
		"summary_tokens", estimateTokens(text))

	return projectAll(kept, text), &summary, nil
}

// summarize produces a prose brief of the covered turns, folding in the
// prior summary so nothing already condensed is lost.
func (b *Builder) summarize(ctx context.Context, covered []core.Turn, priorSummary string) (string, error) {
	var sb strings.Builder
	if priorSummary != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\nTurns to fold in:\n")
	}
	for _, t := range covered {
		sb.WriteString(renderForSummary(t))
		sb.WriteString("\n")
	}

	req := model.Request{
		Instructions: summaryPrompt,
		Contents:     []core.Content{core.NewTextContent("user", sb.String())},
	}

	respCh, errCh := b.completer.Complete(ctx, req)
	var text string
	for resp := range respCh {
		if !resp.Partial {
			text = resp.Content.Text()
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("summarizer returned empty summary")
	}
	return text, nil
}

// applyLatestSummary splits the log at the newest summary turn: everything
// up to and including the turn it covers is dropped from the visible set and
// the summary text is carried forward. Older summaries were folded into the
// newest one when it was produced, so they are skipped too.
func applyLatestSummary(turns []core.Turn) ([]core.Turn, string) {
	newest := -1
	coveredID := ""
	for i, t := range turns {
		if id, ok := summaryCoverage(t); ok {
			newest, coveredID = i, id
		}
	}
	if newest == -1 {
		return turns, ""
	}

	cut := -1
	for i, t := range turns {
		if t.ID == coveredID {
			cut = i
			break
		}
	}

	var visible []core.Turn
	for i := cut + 1; i < len(turns); i++ {
		if _, ok := summaryCoverage(turns[i]); ok {
			continue
		}
		visible = append(visible, turns[i])
	}
	return visible, turns[newest].Content
}

// summaryCoverage reports whether t is a summary turn and, if so, the id of
// the last turn it covers.
func summaryCoverage(t core.Turn) (string, bool) {
	for _, block := range t.BlocksOfType(core.BlockStatus) {
		var status core.StatusPayload
		if err := block.DecodePayload(&status); err == nil && status.State == summaryState {
			return status.Detail, true
		}
	}
	return "", false
}

// projectAll converts turns to model contents, prefixing the carried summary
// as a system content when present.
func projectAll(turns []core.Turn, summaryText string) []core.Content {
	var contents []core.Content
	if summaryText != "" {
		contents = append(contents, core.NewTextContent("system",
			"Summary of the conversation so far:\n"+summaryText))
	}
	for _, t := range turns {
		contents = append(contents, Project(t)...)
	}
	return contents
}

// Project maps one durable turn onto zero or more model contents. Unknown
// block types carry no model-facing meaning and are skipped; they still
// survive in the transcript.
func Project(t core.Turn) []core.Content {
	switch t.Role {
	case core.RoleUser:
		if t.Content == "" {
			return nil
		}
		return []core.Content{core.NewTextContent("user", t.Content)}

	case core.RoleAgent:
		var parts []core.Part
		if t.Content != "" {
			parts = append(parts, core.TextPart{Text: t.Content})
		}
		for _, block := range t.BlocksOfType(core.BlockCall) {
			var call core.CallPayload
			if err := block.DecodePayload(&call); err != nil {
				continue
			}
			parts = append(parts, core.ToolCallPart{Call: core.ToolCall{
				ID:        call.InvocationID,
				Name:      call.Tool,
				Arguments: string(call.Args),
			}})
		}
		if len(parts) == 0 {
			return nil
		}
		return []core.Content{{Role: "assistant", Parts: parts}}

	case core.RoleTool:
		var parts []core.Part
		for _, block := range t.Blocks {
			switch block.Type {
			case core.BlockResult:
				var result core.ResultPayload
				if err := block.DecodePayload(&result); err != nil {
					continue
				}
				parts = append(parts, core.ToolResultPart{Result: core.ToolResult{
					ID:      result.InvocationID,
					Name:    result.Tool,
					Content: rawToText(result.Result),
				}})
			case core.BlockError:
				var terr core.ErrorPayload
				if err := block.DecodePayload(&terr); err != nil {
					continue
				}
				parts = append(parts, core.ToolResultPart{Result: core.ToolResult{
					ID:      terr.InvocationID,
					Content: fmt.Sprintf("[%s] %s", terr.Code, terr.Message),
					IsError: true,
				}})
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []core.Content{{Role: "tool", Parts: parts}}
	}
	return nil
}

// renderForSummary flattens a turn into text for the summarizer input.
func renderForSummary(t core.Turn) string {
	var sb strings.Builder
	sb.WriteString(string(t.Role))
	if t.Author != "" && t.Author != string(t.Role) {
		sb.WriteString("(" + t.Author + ")")
	}
	sb.WriteString(": ")
	sb.WriteString(t.Content)
	for _, block := range t.Blocks {
		switch block.Type {
		case core.BlockCall:
			var call core.CallPayload
			if block.DecodePayload(&call) == nil {
				sb.WriteString(fmt.Sprintf(" [called %s]", call.Tool))
			}
		case core.BlockResult:
			var result core.ResultPayload
			if block.DecodePayload(&result) == nil {
				sb.WriteString(fmt.Sprintf(" [%s -> %s]", result.Tool, clip(string(result.Result), 200)))
			}
		case core.BlockError:
			var terr core.ErrorPayload
			if block.DecodePayload(&terr) == nil {
				sb.WriteString(fmt.Sprintf(" [error %s: %s]", terr.Code, terr.Message))
			}
		}
	}
	return sb.String()
}

// truncateToBudget drops the oldest contents until the estimate fits,
// always keeping the most recent one.
func truncateToBudget(contents []core.Content, budget int) []core.Content {
	for len(contents) > 1 && estimateContents(contents) > budget {
		contents = contents[1:]
	}
	return contents
}

func estimateContents(contents []core.Content) int {
	total := 0
	for _, c := range contents {
		total += estimateTokens(c.Text())
		for _, call := range c.ToolCalls() {
			total += estimateTokens(call.Arguments) + estimateTokens(call.Name)
		}
		for _, result := range c.ToolResults() {
			total += estimateTokens(result.Content)
		}
	}
	return total
}

// estimateTokens approximates token counts at 4 characters per token, which
// is close enough for budget enforcement.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// rawToText renders a result payload for the model: JSON strings lose their
// quoting, everything else passes through as serialized JSON.
func rawToText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
