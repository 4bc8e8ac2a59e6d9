// Package cleaner provides the two regex primitives used to inject and
// strip marker spans in model-generated text content: tool-call spans
// stripped from assistant messages before forwarding, and reasoning
// ("think") spans stripped from responses when a backend requests it.
package cleaner

import "regexp"

// toolCallSpan matches <tool_call>...</tool_call>, non-greedy and dotall,
// per spec.md §4.4 step 4 and §4.8.
var toolCallSpan = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)

// thinkSpan matches <think>...</think> under the same rules, per spec.md
// §4.8, used to clean reasoning-model output before it reaches the client.
var thinkSpan = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripToolCalls removes every <tool_call>...</tool_call> span from s,
// leaving the surrounding text untouched. Operates on string content only;
// it never touches structured fields such as parsed tool-call arguments.
func StripToolCalls(s string) string {
	return toolCallSpan.ReplaceAllString(s, "")
}

// StripThink removes every <think>...</think> span from s.
func StripThink(s string) string {
	return thinkSpan.ReplaceAllString(s, "")
}
