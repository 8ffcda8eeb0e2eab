package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"klipper-autospeed/pkg/autospeed"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Document is the JSON run summary.
type Document struct {
	RunID    string    `json:"run_id"`
	Command  string    `json:"command"`
	State    string    `json:"state"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	RecommendedAccel    float64 `json:"recommended_accel,omitempty"`
	RecommendedVelocity float64 `json:"recommended_velocity,omitempty"`
	Confirmed           bool    `json:"confirmed"`

	Axes  []AxisDocument `json:"axes"`
	Error string         `json:"error,omitempty"`
}

// AxisDocument is one axis of a Document.
type AxisDocument struct {
	Axis       string          `json:"axis"`
	Variance   *float64        `json:"endstop_variance,omitempty"`
	Accel      *SearchDocument `json:"accel,omitempty"`
	Velocity   *SearchDocument `json:"velocity,omitempty"`
	Curve      []CurveRow      `json:"curve,omitempty"`
	Validation *ValidationDoc  `json:"validation,omitempty"`
	Legacy     *LegacyDoc      `json:"legacy_validate,omitempty"`
}

// SearchDocument is a search stage result.
type SearchDocument struct {
	RawMax             float64 `json:"raw_max"`
	Derated            float64 `json:"derated"`
	Derate             float64 `json:"derate"`
	BoundsInsufficient bool    `json:"bounds_insufficient,omitempty"`
}

// CurveRow is one point of the characterization curve.
type CurveRow struct {
	Velocity float64 `json:"velocity"`
	MaxAccel float64 `json:"max_accel"`
	AccelMin float64 `json:"accel_min"`
	AccelMax float64 `json:"accel_max"`
}

// ValidationDoc is a validation report.
type ValidationDoc struct {
	Value     float64 `json:"value"`
	Attempts  int     `json:"attempts"`
	Passes    int     `json:"passes"`
	Failures  int     `json:"failures"`
	Confirmed bool    `json:"confirmed"`
}

// LegacyDoc is a fixed-parameter sweep result.
type LegacyDoc struct {
	Accel       float64 `json:"accel"`
	Velocity    float64 `json:"velocity"`
	Iterations  int     `json:"iterations"`
	Passed      bool    `json:"passed"`
	MissedSteps float64 `json:"missed_steps"`
}

func search(r *autospeed.CalibrationResult) *SearchDocument {
	if r == nil {
		return nil
	}
	return &SearchDocument{
		RawMax:             r.RawMax,
		Derated:            r.DeratedValue,
		Derate:             r.DerateFactor,
		BoundsInsufficient: r.BoundsInsufficient,
	}
}

func axisDocument(a autospeed.AxisResult) AxisDocument {
	d := AxisDocument{
		Axis:     a.Axis,
		Variance: a.Variance,
		Accel:    search(a.Accel),
		Velocity: search(a.Velocity),
	}
	for _, p := range a.Curve {
		d.Curve = append(d.Curve, CurveRow(p))
	}
	if v := a.Validation; v != nil {
		d.Validation = &ValidationDoc{Value: v.Value, Attempts: v.Attempts, Passes: v.Passes, Failures: v.Failures, Confirmed: v.Confirmed}
	}
	if l := a.Legacy; l != nil {
		d.Legacy = &LegacyDoc{Accel: l.Accel, Velocity: l.Velocity, Iterations: l.Iterations,
			Passed: l.Result.Passed, MissedSteps: l.Result.MissedSteps}
	}
	return d
}

// FromSummary builds the document of a full run. err is the run error, if
// any; sum may then be nil.
func FromSummary(runID, command string, sum *autospeed.RunSummary, err error) Document {
	doc := Document{RunID: runID, Command: command, State: string(autospeed.StageFailed), Axes: []AxisDocument{}}
	if sum != nil {
		doc.State = string(sum.State)
		doc.Started, doc.Finished = sum.Started, sum.Finished
		doc.RecommendedAccel = sum.RecommendedAccel
		doc.RecommendedVelocity = sum.RecommendedVelocity
		doc.Confirmed = sum.Confirmed
		for _, a := range sum.Axes {
			doc.Axes = append(doc.Axes, axisDocument(a))
		}
	}
	if err != nil {
		doc.State = string(autospeed.StageFailed)
		doc.Error = err.Error()
	}
	return doc
}

// FromMulti builds the document of a focused command.
func FromMulti(runID, command string, res autospeed.MultiAxisResult, err error) Document {
	doc := Document{RunID: runID, Command: command, State: string(autospeed.StageDone), Axes: []AxisDocument{}}
	for _, a := range res.Axes {
		doc.Axes = append(doc.Axes, axisDocument(a))
	}
	switch res.Stage {
	case autospeed.StageAccel:
		doc.RecommendedAccel = res.Recommended
	case autospeed.StageVelocity:
		doc.RecommendedVelocity = res.Recommended
	}
	doc.Confirmed = len(res.Axes) > 0
	for _, a := range res.Axes {
		if a.Validation == nil || !a.Validation.Confirmed {
			doc.Confirmed = false
		}
	}
	if err != nil {
		doc.State = string(autospeed.StageFailed)
		doc.Error = err.Error()
	}
	return doc
}

// Writer writes result files into Dir.
type Writer struct {
	Dir string
	now func() time.Time
}

// NewWriter returns a Writer for dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, now: time.Now}
}

func (w *Writer) stamp() string {
	return w.now().Format("2006-01-02_15-04-05")
}

// WriteSummary writes doc as indented JSON and returns its path.
func (w *Writer) WriteSummary(doc Document) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: encode summary: %w", err)
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("AUTO_SPEED_%s_%s.json", w.stamp(), shortID(doc.RunID)))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	return path, nil
}

// WriteCurve writes the characterization curve of axis as CSV and returns
// its path.
func (w *Writer) WriteCurve(axis string, curve []autospeed.CurvePoint) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("AUTO_SPEED_GRAPH_%s_%s.csv", w.stamp(), axis))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	cw.Write([]string{"velocity", "max_accel", "accel_min", "accel_max"})
	for _, p := range curve {
		cw.Write([]string{ffmt(p.Velocity), ffmt(p.MaxAccel), ffmt(p.AccelMin), ffmt(p.AccelMax)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("report: write curve: %w", err)
	}
	return path, f.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ffmt(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
