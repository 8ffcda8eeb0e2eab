package autospeed

import (
	"time"
)

// EventKind names a progress event.
type EventKind string

const (
	EventStageEntered   EventKind = "stage_entered"
	EventSearchProbe    EventKind = "search_probe"
	EventSampleStarted  EventKind = "sample_started"
	EventSampleFinished EventKind = "sample_finished"
	EventVerdict        EventKind = "verdict"
	EventStageResult    EventKind = "stage_result"
	EventValidation     EventKind = "validation"
	EventCurvePoint     EventKind = "curve_point"
	EventWarning        EventKind = "warning"
	EventRunFailed      EventKind = "run_failed"
	EventRunComplete    EventKind = "run_complete"
)

// Event is a structured progress notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind  EventKind
	Time  time.Time
	Stage Stage
	Axis  string

	// Value is the parameter under test.
	Value float64

	Sample    int
	Samples   int
	Shape     MoveShape
	Passed    bool
	Deviation *float64
	Missed    float64

	Message string
	Err     error

	Result     *CalibrationResult
	Validation *ValidationReport
	Point      *CurvePoint
	Summary    *RunSummary
}

// Reporter receives progress events. Implementations must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// MultiReporter fans events out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// emitter stamps events and tolerates a nil reporter.
type emitter struct {
	r   Reporter
	now func() time.Time
}

func newEmitter(r Reporter) *emitter {
	return &emitter{r: r, now: time.Now}
}

func (e *emitter) emit(ev Event) {
	if e == nil || e.r == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.r.Report(ev)
}

func (e *emitter) warn(stage Stage, axis, msg string) {
	e.emit(Event{Kind: EventWarning, Stage: stage, Axis: axis, Message: msg})
}

func sampleFinished(stage Stage, axis string, value float64, n, total int, res SampleResult) Event {
	return Event{
		Kind:      EventSampleFinished,
		Stage:     stage,
		Axis:      axis,
		Value:     value,
		Sample:    n,
		Samples:   total,
		Shape:     res.Move.Shape,
		Passed:    res.Passed,
		Deviation: res.Deviation,
		Missed:    res.MissedSteps,
	}
}
