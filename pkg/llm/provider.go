// Package llm provides the structured-generation boundary used by the
// evidence agent. Providers handle API communication with LLM services;
// the agent layer owns prompts, retries, and schema enforcement.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request is one completion call.
type Request struct {
	Messages []Message

	// JSONMode asks the provider to emit a single JSON object. The
	// caller still validates the shape; providers only constrain the
	// syntax.
	JSONMode bool

	// Temperature overrides the provider default when positive.
	Temperature float64
}

// Provider is an LLM integration. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Complete sends the messages and returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Model returns the model name being used.
	Model() string
}
