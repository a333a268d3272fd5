package quickrtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// MockFunc records invocations of a listener handed to an emitter. Events may
// be delivered from another goroutine, so assertions first drain a
// notification channel within a deadline before looking at what was captured.
type MockFunc struct {
	t        *testing.T
	deadline time.Duration
	callCh   chan []interface{}
	calls    [][]interface{}
}

func NewMockFunc(t *testing.T) *MockFunc {
	return &MockFunc{
		t:        t,
		deadline: 50 * time.Millisecond,
		callCh:   make(chan []interface{}, 100),
	}
}

// WithTimeout raises the drain deadline for events that travel through real
// sockets instead of in-process emits.
func (m *MockFunc) WithTimeout(timeout time.Duration) *MockFunc {
	m.deadline = timeout
	return m
}

// Fn returns the listener to register on the emitter under test.
func (m *MockFunc) Fn() func(...interface{}) {
	m.Reset()

	return func(args ...interface{}) {
		m.callCh <- args
	}
}

func (m *MockFunc) ExpectCalled(msgAndArgs ...interface{}) {
	require.NotZero(m.t, m.CalledTimes(), msgAndArgs...)
}

func (m *MockFunc) ExpectCalledTimes(expected int, msgAndArgs ...interface{}) {
	require.Equal(m.t, expected, m.CalledTimes(), msgAndArgs...)
}

// ExpectCalledWith asserts on the arguments of the most recent call.
func (m *MockFunc) ExpectCalledWith(args ...interface{}) {
	m.drain()

	require.NotEmpty(m.t, m.calls, "fn is not called")
	last := m.calls[len(m.calls)-1]
	require.Len(m.t, last, len(args), "fn is called with a different number of arguments")
	for i, arg := range args {
		require.EqualValues(m.t, arg, last[i])
	}
}

func (m *MockFunc) CalledTimes() int {
	m.drain()
	return len(m.calls)
}

func (m *MockFunc) Reset() {
	m.callCh = make(chan []interface{}, 100)
	m.calls = nil
}

// drain collects deliveries until the deadline passes. Once something was
// collected, later assertions reuse it without waiting again.
func (m *MockFunc) drain() {
	if len(m.calls) > 0 {
		return
	}

	timer := time.NewTimer(m.deadline)
	defer timer.Stop()

	for {
		select {
		case call := <-m.callCh:
			m.calls = append(m.calls, call)
		case <-timer.C:
			return
		}
	}
}
