package sink

import (
	"context"
	"sync"

	"github.com/maxpert/dcjoin/publisher"
)

// MockSink records published messages for tests
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error
	FailFirst  int // Number of leading Publish calls that fail with PublishErr
	Closed     bool

	calls int
	mu    sync.Mutex
}

// Publish records a message for later inspection
func (m *MockSink) Publish(_ context.Context, msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.PublishErr != nil && (m.FailFirst == 0 || m.calls <= m.FailFirst) {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publisher.Message(nil), m.Messages...)
}

// Calls returns the number of Publish calls, failed ones included
func (m *MockSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.calls = 0
}
