package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Event names emitted by the services.
const (
	EventPageOpened      = "page:opened"
	EventPageSaved       = "page:saved"
	EventPageClosed      = "page:closed"
	EventPagePublished   = "page:published"
	EventComponentSaved  = "component:saved"
	EventComponentSynced = "component:synced"
	EventComponentDelete = "component:deleted"
)

// EventEmitter notifies whoever fronts the services (the MCP server, a UI
// bridge) that something changed.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes every event to a logger at debug level.
type LogEmitter struct {
	Logger *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, data any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Debug("event", zap.String("event", event), zap.Any("data", data))
}

// MockEmitter records every emission. Safe for concurrent use.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent is a single recorded emission.
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
	names := make([]string, len(m.Events))
	for i, e := range m.Events {
		names[i] = e.Event
	}
	return names
}
