package scoring

import (
	"context"
	"sync"
)

// Mock returns a fixed verdict and records every request.
type Mock struct {
	Raw string
	Err error

	mu       sync.Mutex
	requests []Request
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Evaluate(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Raw, nil
}

func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
