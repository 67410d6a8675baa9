package motion

import (
	"github.com/cjeanneret/XYGo/internal/debug"
)

// Event describes one successfully commanded move.
type Event struct {
	Axis      AxisID
	Direction Direction
	Command   string // "down", "left", ... or empty when no name matches
	Steps     int
	Profile   string
	Target    int64
}

// EventSink receives motion events. Emit must not block for long; it runs
// inside the per-axis critical section.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to the debug log at the live level.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	debug.Move(e.Axis.String(), e.Steps, e.Direction.String(), e.Target)
}
