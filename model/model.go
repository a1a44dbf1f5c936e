package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Request is a single-turn generation request.
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the final completion of a Request.
type Response struct {
	ID           string     `json:"id,omitempty"`
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Model generates text completions.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrEmptyPrompt is returned for requests without a prompt.
var ErrEmptyPrompt = errors.New("prompt is required")

// MockModel is a lightweight in-memory Model useful for tests & examples.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	calls     []Request
}

var _ Model = (*MockModel)(nil)

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls returns the requests seen so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	text, ok := m.responses[req.Prompt]
	m.mu.Unlock()

	if !ok {
		text = fmt.Sprintf("Mock response to: %s", req.Prompt)
	}
	return &Response{
		Text:         text,
		FinishReason: "stop",
		Usage: TokenUsage{
			PromptTokens:     int64(len(req.Prompt)),
			CompletionTokens: int64(len(text)),
			TotalTokens:      int64(len(req.Prompt) + len(text)),
		},
	}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
