package llm

import "context"

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	Response string
	Err      error
	PingErr  error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{
		Content: m.Response,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// Ping returns PingErr.
func (m *MockProvider) Ping(ctx context.Context) error {
	return m.PingErr
}
