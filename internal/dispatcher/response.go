package dispatcher

import (
	"encoding/json"
	"errors"

	"github.com/relaygrid/llmgateway/internal/cleaner"
	"github.com/relaygrid/llmgateway/internal/config"
)

var errNotChatShape = errors.New("response body is not a chat-completion shape")

// usage mirrors the OpenAI-shaped usage object carried on a non-streaming
// completion/embedding response.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type message struct {
	Role      string  `json:"role"`
	Content   *string `json:"content"`
	ToolCalls []any   `json:"tool_calls,omitempty"`
}

type choice struct {
	Message *message `json:"message"`
}

type chatResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage"`
}

// postProcessNonStream applies special_prefix injection and optional
// strip_think cleaning to a buffered non-streaming response body, and
// extracts the usage/tool_call facts the audit record needs. If the body
// isn't a recognizable chat/completion shape (e.g. an embeddings response),
// it is returned unchanged with zeroed facts. A body from a backend that
// declares neither special_prefix nor strip_think is returned byte-for-byte
// unchanged, with its facts extracted.
func postProcessNonStream(body []byte, backend *config.BackendSpec) (out []byte, prompt, completion, total int, isToolCall bool) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return body, 0, 0, 0, false
	}

	msg := parsed.Choices[0].Message
	isToolCall = len(msg.ToolCalls) > 0

	if msg.Content != nil {
		content := *msg.Content
		if backend.StripThink {
			content = cleaner.StripThink(content)
		}
		if backend.SpecialPrefix != "" {
			content = backend.SpecialPrefix + content
		}
		msg.Content = &content
	} else if backend.SpecialPrefix != "" {
		content := backend.SpecialPrefix
		msg.Content = &content
	}

	if parsed.Usage != nil {
		prompt, completion, total = parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.TotalTokens
	}

	if !backend.StripThink && backend.SpecialPrefix == "" {
		return body, prompt, completion, total, isToolCall
	}

	rewritten, err := rewriteContent(body, content(msg))
	if err != nil {
		return body, prompt, completion, total, isToolCall
	}
	return rewritten, prompt, completion, total, isToolCall
}

func content(m *message) string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// rewriteContent patches choices[0].message.content in the original raw
// body via a generic map walk, keeping every other field upstream sent rather
// than re-marshaling a narrowly typed struct (which would drop fields this
// gateway doesn't model). The result is re-encoded from the map, so its key
// order and whitespace are not those of the upstream bytes.
func rewriteContent(body []byte, newContent string) ([]byte, error) {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	choices, ok := generic["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, errNotChatShape
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return nil, errNotChatShape
	}
	msg, ok := first["message"].(map[string]any)
	if !ok {
		return nil, errNotChatShape
	}
	msg["content"] = newContent
	return json.Marshal(generic)
}
