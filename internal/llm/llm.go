// Package llm holds the Model Gateway: the boundary that turns an assembled
// conversation into one reply string.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackReply is returned instead of an error whenever the model cannot be reached
// or its answer cannot be read.
const FallbackReply = "⚠️ Error communicating with Ollama. Is Ollama running?"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway sends a conversation to a model. Implementations never fail: errors
// are logged and FallbackReply is returned.
type Gateway interface {
	Send(ctx context.Context, model string, messages []Message) string
}
