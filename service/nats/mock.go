package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	transitions  []*TransitionEvent
	anomalies    []*AnomalyEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransition records the event and returns any configured error.
func (m *MockPublisher) PublishTransition(ctx context.Context, event *TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transitions = append(m.transitions, event)
	return nil
}

// PublishAnomaly records the event and returns any configured error.
func (m *MockPublisher) PublishAnomaly(ctx context.Context, event *AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.anomalies = append(m.anomalies, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Transitions returns a copy of all published transitions.
func (m *MockPublisher) Transitions() []*TransitionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TransitionEvent, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// TransitionsFor returns transitions published for one transaction.
func (m *MockPublisher) TransitionsFor(ref string) []*TransitionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TransitionEvent, 0)
	for _, e := range m.transitions {
		if e.Ref == ref {
			out = append(out, e)
		}
	}
	return out
}

// Anomalies returns a copy of all published anomalies.
func (m *MockPublisher) Anomalies() []*AnomalyEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AnomalyEvent, len(m.anomalies))
	copy(out, m.anomalies)
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = nil
	m.anomalies = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
