// Prometheus recorder for calibration events
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package metrics exports calibration progress as Prometheus metrics and
// serves them, together with a JSON status view, over HTTP.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/safety"
)

const (
	namespace         = "autospeed"
	defaultEventLimit = 50
)

// EventView is the JSON form of an event kept for /status.
type EventView struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Axis    string    `json:"axis,omitempty"`
	Value   float64   `json:"value,omitempty"`
	Passed  *bool     `json:"passed,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Status is the calibration part of /status.
type Status struct {
	Stage               string      `json:"stage"`
	RecommendedAccel    float64     `json:"recommended_accel,omitempty"`
	RecommendedVelocity float64     `json:"recommended_velocity,omitempty"`
	Confirmed           bool        `json:"confirmed"`
	Failure             string      `json:"failure,omitempty"`
	Shutdown            string      `json:"shutdown,omitempty"`
	Events              []EventView `json:"events"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithEventLimit sets how many recent events /status keeps.
func WithEventLimit(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.limit = n
		}
	}
}

// Recorder implements autospeed.Reporter. Every Recorder owns its own
// registry so tests and runs never share series.
type Recorder struct {
	reg *prometheus.Registry

	probes      *prometheus.CounterVec
	samples     *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	warnings    *prometheus.CounterVec
	deviation   *prometheus.HistogramVec
	missed      *prometheus.HistogramVec
	tested      *prometheus.GaugeVec
	recommended *prometheus.GaugeVec
	curve       *prometheus.GaugeVec
	stage       *prometheus.GaugeVec
	shutdowns   *prometheus.CounterVec

	mu      sync.Mutex
	limit   int
	current autospeed.Stage
	events  []EventView
	status  Status
}

// NewRecorder creates a Recorder and registers its metrics.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		reg:   prometheus.NewRegistry(),
		limit: defaultEventLimit,
	}
	for _, opt := range opts {
		opt(r)
	}

	auto := promauto.With(r.reg)
	r.probes = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_probes_total",
		Help:      "Binary search midpoints tested",
	}, []string{"stage", "axis"})
	r.samples = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_total",
		Help:      "Individual test moves by shape and result",
	}, []string{"axis", "shape", "result"})
	r.verdicts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Gauntlet verdicts by stage and result",
	}, []string{"stage", "axis", "result"})
	r.warnings = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "warnings_total",
		Help:      "Consistency warnings by stage",
	}, []string{"stage"})
	r.deviation = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sample_deviation_mm",
		Help:      "Position deviation measured after each sample",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"axis"})
	r.missed = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sample_missed_full_steps",
		Help:      "Full steps lost per sample",
		Buckets:   prometheus.LinearBuckets(0, 0.25, 16),
	}, []string{"axis"})
	r.tested = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tested_value",
		Help:      "Parameter value most recently under test",
	}, []string{"stage", "axis"})
	r.recommended = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recommended_value",
		Help:      "Derated result of a search stage",
	}, []string{"stage", "axis"})
	r.curve = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "curve_max_accel",
		Help:      "Characterized maximum acceleration by velocity",
	}, []string{"axis", "velocity"})
	r.stage = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stage",
		Help:      "1 for the stage currently running",
	}, []string{"stage"})
	r.shutdowns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shutdowns_total",
		Help:      "Safety latches by reason",
	}, []string{"reason"})

	return r
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

func result(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

// Report implements autospeed.Reporter.
func (r *Recorder) Report(e autospeed.Event) {
	stage := string(e.Stage)

	switch e.Kind {
	case autospeed.EventStageEntered:
		r.enter(e.Stage)
	case autospeed.EventSearchProbe:
		r.probes.WithLabelValues(stage, e.Axis).Inc()
		r.tested.WithLabelValues(stage, e.Axis).Set(e.Value)
	case autospeed.EventSampleFinished:
		r.samples.WithLabelValues(e.Axis, e.Shape.String(), result(e.Passed)).Inc()
		if e.Deviation != nil {
			r.deviation.WithLabelValues(e.Axis).Observe(*e.Deviation)
		}
		r.missed.WithLabelValues(e.Axis).Observe(e.Missed)
	case autospeed.EventVerdict:
		r.verdicts.WithLabelValues(stage, e.Axis, result(e.Passed)).Inc()
	case autospeed.EventStageResult:
		if res := e.Result; res != nil {
			r.recommended.WithLabelValues(string(res.Stage), res.Axis).Set(res.DeratedValue)
		}
	case autospeed.EventCurvePoint:
		if p := e.Point; p != nil {
			r.curve.WithLabelValues(e.Axis, fmt.Sprintf("%.0f", p.Velocity)).Set(p.MaxAccel)
		}
	case autospeed.EventWarning:
		r.warnings.WithLabelValues(stage).Inc()
	case autospeed.EventRunFailed:
		r.enter(autospeed.StageFailed)
	case autospeed.EventRunComplete:
		r.enter(autospeed.StageDone)
	}

	r.remember(e)
}

func (r *Recorder) enter(stage autospeed.Stage) {
	r.mu.Lock()
	prev := r.current
	r.current = stage
	r.mu.Unlock()

	if prev != "" && prev != stage {
		r.stage.WithLabelValues(string(prev)).Set(0)
	}
	r.stage.WithLabelValues(string(stage)).Set(1)
}

func (r *Recorder) remember(e autospeed.Event) {
	if e.Kind == autospeed.EventSampleStarted {
		return
	}
	v := EventView{
		Time:    e.Time,
		Kind:    string(e.Kind),
		Stage:   string(e.Stage),
		Axis:    e.Axis,
		Value:   e.Value,
		Message: e.Message,
	}
	switch e.Kind {
	case autospeed.EventSampleFinished, autospeed.EventVerdict:
		passed := e.Passed
		v.Passed = &passed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
	switch e.Kind {
	case autospeed.EventStageResult:
		if res := e.Result; res != nil {
			switch res.Stage {
			case autospeed.StageAccel:
				r.status.RecommendedAccel = res.DeratedValue
			case autospeed.StageVelocity:
				r.status.RecommendedVelocity = res.DeratedValue
			}
		}
	case autospeed.EventRunFailed:
		r.status.Failure = e.Message
	case autospeed.EventRunComplete:
		if s := e.Summary; s != nil {
			r.status.RecommendedAccel = s.RecommendedAccel
			r.status.RecommendedVelocity = s.RecommendedVelocity
			r.status.Confirmed = s.Confirmed
		}
	}
}

// Shutdown records a safety latch. It has the signature of a
// safety.Manager OnShutdown callback.
func (r *Recorder) Shutdown(reason safety.ShutdownReason, msg string) {
	r.shutdowns.WithLabelValues(string(reason)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Shutdown = fmt.Sprintf("%s: %s", reason, msg)
	r.events = append(r.events, EventView{Time: time.Now(), Kind: "shutdown", Stage: string(r.current), Message: msg})
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
}

// Status returns a snapshot for /status.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Stage = string(r.current)
	s.Events = append([]EventView{}, r.events...)
	return s
}
