package observability

import (
	"github.com/rs/zerolog"
)

// Emitter is the single adapter interface the orchestrator fans events
// to (spec §6: "one method Emit(event); the orchestrator fans events
// to any number of registered adapters").
type Emitter interface {
	Emit(eventType, taskID string, fields map[string]any)
}

// LogEmitter re-expresses the teacher's logDecision (json.Marshal +
// log.Println, plus a Prometheus counter bump) through zerolog's
// structured Event builder, keeping the same field set
// (component/decision/req_id-equivalents) without the teacher's raw
// json.Marshal-to-stdout step.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter wraps log, tagging every event with component=eventbus.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With().Str("component", "eventbus").Logger()}
}

func (e *LogEmitter) Emit(eventType, taskID string, fields map[string]any) {
	evt := e.log.Info().Str("event", eventType)
	if taskID != "" {
		evt = evt.Str("task_id", taskID)
	}
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg("lifecycle event")
}

// MetricsEmitter bumps the Prometheus counters that a given event kind
// implies, so a single Emit call updates both the log stream and the
// metrics registry without callers needing two adapters wired for the
// common case.
type MetricsEmitter struct{}

func NewMetricsEmitter() *MetricsEmitter { return &MetricsEmitter{} }

func (e *MetricsEmitter) Emit(eventType, _ string, fields map[string]any) {
	switch eventType {
	case "TaskCompleted":
		TaskSuccesses.Inc()
	case "TaskFailed", "TaskTimedOut", "TaskCancelled", "TaskCascadeFailed":
		TaskFailures.WithLabelValues(eventType).Inc()
	case "EventsDropped":
		subscriber, _ := fields["subscriber"].(string)
		EventsDropped.WithLabelValues(subscriber).Inc()
	case "CheckpointSaved":
		CheckpointSaves.WithLabelValues("success").Inc()
	}
}

// Fanout broadcasts one Emit call to every registered adapter,
// best-effort: a panicking adapter is recovered and never blocks the
// others (spec §7: "subcomponent panics are caught and reported").
type Fanout struct {
	adapters []Emitter
	log      zerolog.Logger
}

// NewFanout constructs a Fanout over adapters, with log used only to
// report a recovered adapter panic.
func NewFanout(log zerolog.Logger, adapters ...Emitter) *Fanout {
	return &Fanout{adapters: adapters, log: log}
}

func (f *Fanout) Emit(eventType, taskID string, fields map[string]any) {
	for _, a := range f.adapters {
		f.emitOne(a, eventType, taskID, fields)
	}
}

func (f *Fanout) emitOne(a Emitter, eventType, taskID string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Interface("panic", r).Str("event", eventType).Msg("observability adapter panicked")
		}
	}()
	a.Emit(eventType, taskID, fields)
}
