package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted LLMClient for tests. Responses are returned in
// order; errors interleave with responses via the Script entries.
type MockClient struct {
	mu     sync.Mutex
	script []MockResult
	calls  []CompletionRequest
	model  string
}

// MockResult is one scripted outcome.
type MockResult struct {
	Content string
	Err     error
}

// NewMockClient creates a mock that replays the given results in order.
// When the script runs out, the last entry repeats.
func NewMockClient(results ...MockResult) *MockClient {
	return &MockClient{
		script: results,
		model:  "mock-model",
	}
}

// Complete implements LLMClient.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.script) == 0 {
		return CompletionResponse{Content: "", StopReason: "end_turn"}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	result := m.script[idx]
	if result.Err != nil {
		return CompletionResponse{}, result.Err
	}
	return CompletionResponse{Content: result.Content, StopReason: "end_turn"}, nil
}

// GetModelName implements LLMClient.
func (m *MockClient) GetModelName() string {
	return m.model
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Complete invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
