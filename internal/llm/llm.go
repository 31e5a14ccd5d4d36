// Package llm is the chat-model boundary used by the session orchestrator.
// Only the Gemini implementation knows about the vendor SDK.
package llm

import (
	"context"

	"github.com/alecgard/voxdesk/internal/toolschema"
)

// FinishReason says why the model stopped producing output.
type FinishReason string

const (
	FinishStop            FinishReason = "stop"
	FinishMaxTokens       FinishReason = "max_tokens"
	FinishSafety          FinishReason = "safety"
	FinishToolSchemaError FinishReason = "tool_schema_error"
	FinishOther           FinishReason = "other"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse reports a tool result back into the conversation.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one piece of a message. Exactly one field is set.
type Part struct {
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// TextPart returns a text-only part.
func TextPart(s string) Part { return Part{Text: s} }

// Usage is the token accounting of a single model turn.
type Usage struct {
	PromptTokens int64
	OutputTokens int64
	TotalTokens  int64
}

// Response is the model's reply to one turn.
type Response struct {
	Parts        []Part
	FinishReason FinishReason
	Usage        Usage
}

// Texts returns the non-empty text parts in order.
func (r *Response) Texts() []string {
	var out []string
	for _, p := range r.Parts {
		if p.FunctionCall == nil && p.FunctionResponse == nil && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// FunctionCalls returns the requested tool calls in emission order.
func (r *Response) FunctionCalls() []*FunctionCall {
	var out []*FunctionCall
	for _, p := range r.Parts {
		if p.FunctionCall != nil {
			out = append(out, p.FunctionCall)
		}
	}
	return out
}

// ChatConfig configures a new conversation.
type ChatConfig struct {
	Model             string
	SystemInstruction string
	Tools             []toolschema.Declaration
	Temperature       *float32
}

// Model starts conversations.
type Model interface {
	StartChat(ctx context.Context, cfg ChatConfig) (Chat, error)
}

// Chat is a single multi-turn conversation. It is not safe for concurrent
// use; callers serialize turns.
type Chat interface {
	// Send submits a user turn and returns the model's reply.
	Send(ctx context.Context, parts []Part) (*Response, error)
	// Record queues tool results to be delivered with the next turn.
	Record(responses []FunctionResponse)
}
