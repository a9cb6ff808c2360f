package observability

import (
	"context"
	"time"

	"github.com/matrixagent/matrix/pkg/event"
)

// durationPayload is the minimal shape bridge handlers read from event
// data maps.
func durationFrom(data any) time.Duration {
	m, ok := data.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m["duration"].(type) {
	case time.Duration:
		return v
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	switch v := m["durationMs"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}

func stringFrom(data any, key string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// BindBus subscribes the metrics recorder to runtime events so that
// counters and histograms track bus traffic without the emitting code
// knowing about metrics.
func BindBus(bus *event.Bus, metrics Metrics) {
	if bus == nil || metrics == nil {
		return
	}

	bus.Subscribe(event.TypeToolExecuted, func(evt event.Event) {
		metrics.RecordToolExecution(context.Background(),
			stringFrom(evt.Data, "tool"), durationFrom(evt.Data), nil)
	})

	bus.Subscribe(event.TypeToolFailed, func(evt event.Event) {
		metrics.RecordToolExecution(context.Background(),
			stringFrom(evt.Data, "tool"), durationFrom(evt.Data),
			errFromData(evt.Data))
	})

	bus.Subscribe(event.TypeResponseCompleted, func(evt event.Event) {
		metrics.RecordLLMCall(context.Background(),
			stringFrom(evt.Data, "model"), durationFrom(evt.Data), nil)
	})

	bus.Subscribe(event.TypeResponseError, func(evt event.Event) {
		metrics.RecordLLMCall(context.Background(),
			stringFrom(evt.Data, "model"), durationFrom(evt.Data),
			errFromData(evt.Data))
	})

	bus.Subscribe(event.TypeMemorySearch, func(evt event.Event) {
		metrics.RecordMemorySearch(context.Background(),
			stringFrom(evt.Data, "collection"), durationFrom(evt.Data))
	})

	bus.Subscribe(event.TypeMemoryOperation, func(evt event.Event) {
		metrics.RecordMemoryOperation(context.Background(),
			stringFrom(evt.Data, "event"))
	})
}

func errFromData(data any) error {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	if err, ok := m["error"].(error); ok {
		return err
	}
	if msg, ok := m["error"].(string); ok && msg != "" {
		return &bridgeError{msg}
	}
	return nil
}

type bridgeError struct{ msg string }

func (e *bridgeError) Error() string { return e.msg }
