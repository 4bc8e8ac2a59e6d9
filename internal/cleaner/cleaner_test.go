package cleaner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripToolCalls_S4(t *testing.T) {
	in := "result: <tool_call>{...}</tool_call> done"
	assert.Equal(t, "result:  done", StripToolCalls(in))
}

func TestStripToolCalls_NonGreedy(t *testing.T) {
	in := "<tool_call>a</tool_call>middle<tool_call>b</tool_call>"
	assert.Equal(t, "middle", StripToolCalls(in))
}

func TestStripToolCalls_NoSpan(t *testing.T) {
	in := "nothing to strip here"
	assert.Equal(t, in, StripToolCalls(in))
}

func TestStripThink_Dotall(t *testing.T) {
	in := "before<think>\nmultiline\nreasoning\n</think>after"
	assert.Equal(t, "beforeafter", StripThink(in))
}

func TestStripThink_DoesNotTouchToolCall(t *testing.T) {
	in := "<tool_call>keep</tool_call><think>drop</think>"
	assert.Equal(t, "<tool_call>keep</tool_call>", StripThink(in))
}
