package log

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Event is a wide event describing one migration run: its attributes,
// the state transitions it went through and the errors it hit.
type Event struct {
	mu sync.Mutex

	name      string
	timestamp time.Time
	level     slog.Level
	duration  time.Duration
	attrs     map[string]any
	steps     []stepRecord
	errors    []errorRecord
}

// NewEvent creates a new wide event.
func NewEvent(name string) *Event {
	return &Event{
		name:      name,
		timestamp: time.Now(),
		level:     slog.LevelInfo,
		attrs:     map[string]any{},
	}
}

// AddAttrs adds attributes to event data.
func (e *Event) AddAttrs(attrs map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maps.Copy(e.attrs, attrs)
}

// AddStep appends an event step and potentially escalates level.
func (e *Event) AddStep(level slog.Level, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setLevelNoLock(level)

	e.steps = append(e.steps, stepRecord{
		Timestamp: time.Now(),
		Name:      name,
	})
}

// AddError appends an error and escalates event level to error.
func (e *Event) AddError(err error) {
	if err == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.setLevelNoLock(slog.LevelError)

	e.errors = append(e.errors, errorRecord{
		Timestamp: time.Now(),
		Error:     err.Error(),
	})
}

func (e *Event) setLevelNoLock(level slog.Level) {
	if level > e.level {
		e.level = level
	}
}

// Finish stores current event duration.
func (e *Event) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.duration = time.Since(e.timestamp)
}

// Level returns the event level.
func (e *Event) Level() slog.Level {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.level
}

// Name returns the event name.
func (e *Event) Name() string {
	return e.name
}

// Attrs converts the event to slog attributes. Custom attributes follow the
// built-in ones in key order.
func (e *Event) Attrs() []slog.Attr {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := make([]string, 0, len(e.steps))
	for _, step := range e.steps {
		steps = append(steps, step.Name)
	}

	eventErrors := make([]string, 0, len(e.errors))
	for _, eventError := range e.errors {
		eventErrors = append(eventErrors, eventError.Error)
	}

	attrs := make([]slog.Attr, 0, len(e.attrs)+4)
	attrs = append(attrs,
		slog.Time("startedAt", e.timestamp),
		slog.Duration("duration", e.duration),
		slog.Any("steps", steps),
	)
	if len(eventErrors) > 0 {
		attrs = append(attrs, slog.Any("errors", eventErrors))
	}

	for _, key := range slices.Sorted(maps.Keys(e.attrs)) {
		attrs = append(attrs, slog.Any(key, e.attrs[key]))
	}

	return attrs
}

type stepRecord struct {
	Timestamp time.Time
	Name      string
}

type errorRecord struct {
	Timestamp time.Time
	Error     string
}
