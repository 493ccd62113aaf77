package adapter

import (
	"context"
	"errors"
	"sync"
)

// Mock is a configurable Adapter for tests. It records every invocation
// and returns canned results in order, repeating the last one when calls
// outnumber configured results.
type Mock struct {
	mu      sync.Mutex
	results []MockResult
	calls   []map[string]any
}

// MockResult is one canned Execute outcome.
type MockResult struct {
	Output   map[string]any
	Metadata map[string]any
	Err      error
}

// NewMock creates a Mock returning the given results in sequence. With no
// results configured, Execute returns an empty success.
func NewMock(results ...MockResult) *Mock {
	return &Mock{results: results}
}

// Execute implements Adapter.
func (m *Mock) Execute(_ context.Context, params map[string]any) (map[string]any, map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, params)

	if len(m.results) == 0 {
		return map[string]any{}, map[string]any{}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	r := m.results[idx]
	return r.Output, r.Metadata, r.Err
}

// Calls returns the params of every invocation so far.
func (m *Mock) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.calls...)
}

// Failing returns a Mock whose every call fails with the given message.
func Failing(msg string) *Mock {
	return NewMock(MockResult{Err: errors.New(msg)})
}
