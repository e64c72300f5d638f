package audit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent() *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeGrantUserCreate,
		Status:    EventStatusSuccess,
		Metadata:  make(map[string]interface{}),
	}
}

// idLogger assigns IDs the way DBLogger does
type idLogger struct {
	mockLogger
	next int64
}

func (l *idLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.next++
	event.ID = l.next
	return l.mockLogger.Log(ctx, event)
}

// gateLogger blocks each Log until release is closed
type gateLogger struct {
	mockLogger
	release chan struct{}
	started atomic.Int32
}

func (l *gateLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.started.Add(1)
	<-l.release
	return l.mockLogger.Log(ctx, event)
}

func TestMultiLogger_FansOut(t *testing.T) {
	first := &idLogger{}
	second := &mockLogger{}

	event := newTestEvent()
	require.NoError(t, NewMultiLogger(first, second).Log(context.Background(), event))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Zero(t, event.ID, "caller's event is not mutated by sinks")
	assert.Zero(t, second.events[0].ID)
}

func TestMultiLogger_JoinsErrors(t *testing.T) {
	failing := &mockLogger{err: assert.AnError}
	ok := &mockLogger{}

	err := NewMultiLogger(failing, ok, failing).Log(context.Background(), newTestEvent())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "audit sink 0")
	assert.Contains(t, err.Error(), "audit sink 2")
	assert.Equal(t, 1, ok.count())
}

func TestMultiLogger_NoSinks(t *testing.T) {
	m := NewMultiLogger()
	assert.NoError(t, m.Log(context.Background(), newTestEvent()))
	assert.NoError(t, m.Close())
}

func TestMultiLogger_Close(t *testing.T) {
	a, b := &mockLogger{}, &mockLogger{}
	require.NoError(t, NewMultiLogger(a, b).Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestAsyncLogger_FlushesOnClose(t *testing.T) {
	sink := &mockLogger{}
	a := NewAsyncLogger(sink, 16, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Log(context.Background(), newTestEvent()))
	}
	require.NoError(t, a.Close())

	assert.Equal(t, 10, sink.count())
	assert.True(t, sink.closed)
	assert.Zero(t, a.Dropped())

	assert.ErrorIs(t, a.Log(context.Background(), newTestEvent()), ErrLoggerClosed)
	assert.NoError(t, a.Close(), "second close is a no-op")
}

func TestAsyncLogger_DropsWhenFull(t *testing.T) {
	sink := &gateLogger{release: make(chan struct{})}
	a := NewAsyncLogger(sink, 1, nil)

	require.NoError(t, a.Log(context.Background(), newTestEvent()))
	require.Eventually(t, func() bool { return sink.started.Load() == 1 }, time.Second, time.Millisecond)

	// the worker holds one event, the queue holds one more
	require.NoError(t, a.Log(context.Background(), newTestEvent()))
	require.NoError(t, a.Log(context.Background(), newTestEvent()))
	require.NoError(t, a.Log(context.Background(), newTestEvent()))
	assert.Equal(t, int64(2), a.Dropped())

	close(sink.release)
	require.NoError(t, a.Close())
	assert.Equal(t, 2, sink.count())
}

func TestAsyncLogger_ReportsSinkErrors(t *testing.T) {
	var reported atomic.Int32
	a := NewAsyncLogger(&mockLogger{err: assert.AnError}, 4, func(err error) {
		if assert.ErrorIs(t, err, assert.AnError) {
			reported.Add(1)
		}
	})

	require.NoError(t, a.Log(context.Background(), newTestEvent()))
	require.NoError(t, a.Close())
	assert.Equal(t, int32(1), reported.Load())
	assert.Equal(t, int64(1), a.Failed())
}

func TestAsyncLogger_DetachesCancellation(t *testing.T) {
	sink := &gateLogger{release: make(chan struct{})}
	a := NewAsyncLogger(sink, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Log(ctx, newTestEvent()))
	cancel()
	close(sink.release)
	require.NoError(t, a.Close())
	assert.Equal(t, 1, sink.count())
}
