package sse

import (
	"strings"

	"github.com/goccy/go-json"
)

// ToolCallAccum is one tool call slot, merged by index across streamed
// deltas: function.name takes the first non-empty value seen, arguments
// are concatenated in arrival order.
type ToolCallAccum struct {
	ID        string
	Name      string
	Arguments strings.Builder
}

// Result is what the accumulator task assembles from a one-shot stream, for
// the audit record — built entirely from the accumulator's own parse of
// each frame, never shared with the forward path's bytes.
type Result struct {
	Content          strings.Builder
	ReasoningContent strings.Builder
	ToolCalls        map[int]*ToolCallAccum
	toolOrder        []int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	usageSeen        bool
	ClientAborted    bool
}

func newResult() *Result {
	return &Result{ToolCalls: make(map[int]*ToolCallAccum)}
}

// OrderedToolCalls returns accumulated tool calls in first-seen index order.
func (r *Result) OrderedToolCalls() []ToolCallAccum {
	out := make([]ToolCallAccum, 0, len(r.toolOrder))
	for _, idx := range r.toolOrder {
		out = append(out, *r.ToolCalls[idx])
	}
	return out
}

// delta mirrors the subset of an OpenAI-style streamed chunk the
// accumulator cares about. Decoded with goccy/go-json for the per-event
// hot path instead of encoding/json.
type chunkEvent struct {
	Choices []struct {
		Delta struct {
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Timings *struct {
		PromptN    int `json:"prompt_n"`
		PredictedN int `json:"predicted_n"`
	} `json:"timings"`
}

// fold parses one event's data payload and merges it into r, per spec.md
// §4.6's accumulation rules.
func (r *Result) fold(data []byte) {
	var ev chunkEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		// Not a JSON delta we understand (e.g. a comment or keep-alive
		// frame) — nothing to fold.
		return
	}

	if len(ev.Choices) > 0 {
		delta := ev.Choices[0].Delta
		if delta.Content != nil {
			r.Content.WriteString(*delta.Content)
		}
		if delta.ReasoningContent != nil {
			r.ReasoningContent.WriteString(*delta.ReasoningContent)
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := r.ToolCalls[tc.Index]
			if !ok {
				acc = &ToolCallAccum{ID: tc.ID}
				r.ToolCalls[tc.Index] = acc
				r.toolOrder = append(r.toolOrder, tc.Index)
			}
			if acc.Name == "" && tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments.WriteString(tc.Function.Arguments)
		}
	}

	if ev.Usage != nil {
		r.usageSeen = true
		r.PromptTokens = ev.Usage.PromptTokens
		r.CompletionTokens = ev.Usage.CompletionTokens
		r.TotalTokens = ev.Usage.TotalTokens
	} else if !r.usageSeen && ev.Timings != nil {
		r.PromptTokens = ev.Timings.PromptN
		r.CompletionTokens = ev.Timings.PredictedN
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
}
