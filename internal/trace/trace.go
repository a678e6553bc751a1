// Package trace provides the leveled debug sink the memory core reports
// allocation events to. It is purely observational: nothing in the core
// changes behavior based on what the sink does with an event.
package trace

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Level defines the level of trace output.
type Level int

const (
	// LevelOff disables all trace output.
	LevelOff Level = iota
	// LevelError only logs fatal events (violations, exhaustion).
	LevelError
	// LevelInfo logs allocation and mapping events.
	LevelInfo
	// LevelDebug logs everything, including search and split steps.
	LevelDebug
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Tracer writes structured allocation events to an io.Writer.
type Tracer struct {
	level  Level
	output io.Writer
	mu     sync.Mutex

	// Statistics
	eventsLogged  atomic.Uint64
	eventsDropped atomic.Uint64
}

// New creates a Tracer writing events at or below level to output.
// A nil output yields a tracer that drops everything.
func New(level Level, output io.Writer) *Tracer {
	if output == nil {
		level = LevelOff
	}
	return &Tracer{
		level:  level,
		output: output,
	}
}

// Discard is a tracer that drops every event.
var Discard = New(LevelOff, nil)

// Enabled reports whether events at the given level are written.
func (t *Tracer) Enabled(level Level) bool {
	return t != nil && t.output != nil && level <= t.level
}

// Errorf logs a fatal event.
func (t *Tracer) Errorf(subsystem, format string, args ...interface{}) {
	t.logf(LevelError, subsystem, format, args...)
}

// Infof logs an allocation or mapping event.
func (t *Tracer) Infof(subsystem, format string, args ...interface{}) {
	t.logf(LevelInfo, subsystem, format, args...)
}

// Debugf logs a detailed internal step.
func (t *Tracer) Debugf(subsystem, format string, args ...interface{}) {
	t.logf(LevelDebug, subsystem, format, args...)
}

func (t *Tracer) logf(level Level, subsystem, format string, args ...interface{}) {
	if !t.Enabled(level) {
		if t != nil {
			t.eventsDropped.Add(1)
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.output, "[%s] [%s] %s\n", level, subsystem, fmt.Sprintf(format, args...))
	t.eventsLogged.Add(1)
}

// GetStats returns sink statistics.
func (t *Tracer) GetStats() map[string]uint64 {
	return map[string]uint64{
		"events_logged":  t.eventsLogged.Load(),
		"events_dropped": t.eventsDropped.Load(),
	}
}
