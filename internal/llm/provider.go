// Package llm turns chat completions into validated envelope decisions.
// Providers wrap vendor SDKs behind one interface; the client runs the
// envelope codec over their output and retries on validation failures.
package llm

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// CompletionRequest is a vendor-neutral chat completion request. System is
// kept separate from Messages because vendor APIs disagree on where it goes.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (string, *Usage, error)
}
