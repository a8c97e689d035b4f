package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockBackend is a scripted ModelBackend for tests and dev mode. It
// emits Chunks in order with Delay between them, or fails with Err.
type MockBackend struct {
	ID     string
	Chunks []string
	Delay  time.Duration
	Err    error

	// FailTimes makes the first N calls fail with Err before the
	// scripted chunks start succeeding, for retry-path tests.
	FailTimes int32

	calls int32
}

// NewMockBackend returns a backend that streams the given chunks.
func NewMockBackend(id string, chunks ...string) *MockBackend {
	return &MockBackend{ID: id, Chunks: chunks}
}

// Name returns the mock's id.
func (m *MockBackend) Name() string { return m.ID }

// Calls reports how many generations were started.
func (m *MockBackend) Calls() int { return int(atomic.LoadInt32(&m.calls)) }

// Stream replays the scripted chunks.
func (m *MockBackend) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	contentChan := make(chan string, len(m.Chunks)+1)
	errorChan := make(chan error, 1)

	call := atomic.AddInt32(&m.calls, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if m.Err != nil && (m.FailTimes == 0 || call <= m.FailTimes) {
			errorChan <- fmt.Errorf("mock backend %s: %w", m.ID, m.Err)
			return
		}
		for _, chunk := range m.Chunks {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					errorChan <- ctx.Err()
					return
				}
			}
			select {
			case contentChan <- chunk:
			case <-ctx.Done():
				errorChan <- ctx.Err()
				return
			}
		}
	}()

	return contentChan, errorChan
}
