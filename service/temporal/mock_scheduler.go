package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	_ Scheduler = (*Client)(nil)
	_ Scheduler = (*MockScheduler)(nil)
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu         sync.Mutex
	interval   time.Duration
	input      SweepInput
	scheduled  bool
	reconciles []string
	createErr  error
	deleteErr  error
	startErr   error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// UpsertSweepSchedule records the schedule.
func (m *MockScheduler) UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.interval = interval
	m.input = input
	m.scheduled = true
	return nil
}

// DeleteSweepSchedule removes the recorded schedule.
func (m *MockScheduler) DeleteSweepSchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.scheduled {
		return fmt.Errorf("schedule %q not found", SweepScheduleID)
	}
	m.scheduled = false
	return nil
}

// StartReconcile records the ref and returns its workflow ID.
func (m *MockScheduler) StartReconcile(ctx context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	m.reconciles = append(m.reconciles, ref)
	return reconcileWorkflowID(ref), nil
}

// SetCreateError makes UpsertSweepSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteSweepSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetStartError makes StartReconcile return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Schedule returns the recorded sweep schedule.
func (m *MockScheduler) Schedule() (time.Duration, SweepInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.input, m.scheduled
}

// Reconciles returns the refs passed to StartReconcile.
func (m *MockScheduler) Reconciles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reconciles...)
}

// Reset clears all state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = 0
	m.input = SweepInput{}
	m.scheduled = false
	m.reconciles = nil
	m.createErr = nil
	m.deleteErr = nil
	m.startErr = nil
}
