package ai

import (
	"context"
	"sync"
)

// MockClient is a scripted Client used by tests and dry runs. Reply is
// called for every request; Calls records them in arrival order.
type MockClient struct {
	ProviderName string
	Reply        func(n int, req Request) (string, error)

	mu    sync.Mutex
	calls []Request
}

func (m *MockClient) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockClient) Do(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.Reply == nil {
		return Response{}, ErrEmptyResponse
	}
	text, err := m.Reply(n, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: text, Provider: m.Name(), Model: req.Model}, nil
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
