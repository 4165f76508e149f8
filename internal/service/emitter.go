package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: run notifications
// ─────────────────────────────────────────────────────────────

// Events emitted by IngestService.
const (
	EventIngestStarted   = "ingest:started"
	EventIngestCommitted = "ingest:committed"
	EventIngestSkipped   = "ingest:skipped"
	EventIngestFailed    = "ingest:failed"
)

// EventEmitter publishes run events. Services receive this interface so
// they can be tested with a mock emitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes events to the log.
type LogEmitter struct {
	Log *logrus.Entry
}

func (l *LogEmitter) Emit(_ context.Context, event string, data any) {
	l.Log.WithField("event", event).WithField("data", data).Debug("event")
}

// MultiEmitter fans an event out to every emitter.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event string, data any) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event, data)
		}
	}
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Names returns the recorded event names in order.
func (m *MockEmitter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Event
	}
	return out
}
