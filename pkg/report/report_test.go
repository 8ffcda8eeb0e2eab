package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-autospeed/pkg/autospeed"
)

func init() {
	color.NoColor = true
}

func TestConsoleHidesSamplesUnlessVerbose(t *testing.T) {
	ev := autospeed.Event{Kind: autospeed.EventSampleStarted, Axis: "x", Sample: 2, Samples: 3, Shape: autospeed.ShortSharp, Value: 5000}

	var quiet, loud bytes.Buffer
	NewConsole(&quiet, false).Report(ev)
	NewConsole(&loud, true).Report(ev)

	assert.Empty(t, quiet.String())
	assert.Equal(t, "[x]   sample 2/3 short at 5000\n", loud.String())
}

func TestConsoleLines(t *testing.T) {
	dev := 0.0125
	start := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		ev   autospeed.Event
		want string
	}{
		{autospeed.Event{Kind: autospeed.EventStageEntered, Stage: autospeed.StageAccel}, "==> STAGE1_ACCEL"},
		{autospeed.Event{Kind: autospeed.EventVerdict, Stage: autospeed.StageVelocity, Axis: "y", Value: 450, Passed: false}, "[y] 450 mm/s: FAIL"},
		{autospeed.Event{Kind: autospeed.EventSampleFinished, Axis: "x", Sample: 1, Samples: 3, Shape: autospeed.LongSmooth, Passed: true, Deviation: &dev, Missed: 0.0625},
			"[x]   sample 1/3 long: PASS (deviation 0.0125mm, 0.06 steps)"},
		{autospeed.Event{Kind: autospeed.EventStageResult, Result: &autospeed.CalibrationResult{
			Axis: "x", Stage: autospeed.StageAccel, RawMax: 12000, DeratedValue: 9600, DerateFactor: 0.8}},
			"AUTO SPEED found max acceleration on x: 12000, recommended 9600 mm/s^2 (derate 0.80)"},
		{autospeed.Event{Kind: autospeed.EventValidation, Validation: &autospeed.ValidationReport{
			Axis: "x", Value: 9600, Attempts: 30, Passes: 29, Failures: 1}},
			"[x] validation at 9600: 29/30 passed, not confirmed"},
		{autospeed.Event{Kind: autospeed.EventWarning, Stage: autospeed.StagePrep, Axis: "x", Message: "endstop disagreement"},
			"warning (PREP x): endstop disagreement"},
		{autospeed.Event{Kind: autospeed.EventRunComplete, Summary: &autospeed.RunSummary{
			RecommendedAccel: 9600, RecommendedVelocity: 310, Started: start, Finished: start.Add(95 * time.Second)}},
			"AUTO SPEED recommends max_accel 9600, max_velocity 310 (1m35s)"},
	} {
		var buf bytes.Buffer
		NewConsole(&buf, true).Report(tc.ev)
		assert.Equal(t, tc.want+"\n", buf.String(), string(tc.ev.Kind))
	}
}

func sampleSummary() *autospeed.RunSummary {
	variance := 0.5
	return &autospeed.RunSummary{
		State:               autospeed.StageDone,
		RecommendedAccel:    9600,
		RecommendedVelocity: 310,
		Confirmed:           true,
		Axes: []autospeed.AxisResult{{
			Axis:     "x",
			Variance: &variance,
			Accel:    &autospeed.CalibrationResult{Axis: "x", Stage: autospeed.StageAccel, RawMax: 12000, DeratedValue: 9600, DerateFactor: 0.8},
			Velocity: &autospeed.CalibrationResult{Axis: "x", Stage: autospeed.StageVelocity, RawMax: 388, DeratedValue: 310, DerateFactor: 0.8},
			Curve: []autospeed.CurvePoint{
				{Velocity: 300, MaxAccel: 10000, AccelMin: 3333, AccelMax: 60000},
				{Velocity: 400, MaxAccel: 7500, AccelMin: 2500, AccelMax: 45000},
			},
			Validation: &autospeed.ValidationReport{Axis: "x", Value: 9600, Attempts: 30, Passes: 30, Confirmed: true},
		}},
	}
}

func fixedWriter(t *testing.T) *Writer {
	w := NewWriter(filepath.Join(t.TempDir(), "results"))
	w.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }
	return w
}

func TestWriteSummary(t *testing.T) {
	id := NewRunID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	w := fixedWriter(t)
	path, err := w.WriteSummary(FromSummary(id, "run", sampleSummary(), nil))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("AUTO_SPEED_2026-10-14_09-30-00_%s.json", id[:8]), filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, id, doc["run_id"])
	assert.Equal(t, "DONE", doc["state"])
	assert.Equal(t, 9600.0, doc["recommended_accel"])

	axes := doc["axes"].([]any)
	require.Len(t, axes, 1)
	x := axes[0].(map[string]any)
	assert.Equal(t, 12000.0, x["accel"].(map[string]any)["raw_max"])
	assert.Len(t, x["curve"], 2)
	assert.Equal(t, 0.5, x["endstop_variance"])
}

func TestFailedRunDocument(t *testing.T) {
	doc := FromSummary("abc", "run", nil, assert.AnError)
	assert.Equal(t, "FAILED", doc.State)
	assert.Equal(t, assert.AnError.Error(), doc.Error)
	assert.NotNil(t, doc.Axes)

	path, err := fixedWriter(t).WriteSummary(doc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_abc.json"))
}

func TestFromMulti(t *testing.T) {
	sum := sampleSummary()
	res := autospeed.MultiAxisResult{Stage: autospeed.StageAccel, Axes: sum.Axes, Recommended: 9600}
	doc := FromMulti("id", "accel", res, nil)
	assert.Equal(t, 9600.0, doc.RecommendedAccel)
	assert.Zero(t, doc.RecommendedVelocity)
	assert.True(t, doc.Confirmed)

	res.Axes = append(res.Axes, autospeed.AxisResult{Axis: "y"})
	assert.False(t, FromMulti("id", "accel", res, nil).Confirmed, "y was never validated")
}

func TestWriteCurve(t *testing.T) {
	path, err := fixedWriter(t).WriteCurve("x", sampleSummary().Axes[0].Curve)
	require.NoError(t, err)
	assert.Equal(t, "AUTO_SPEED_GRAPH_2026-10-14_09-30-00_x.csv", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"velocity", "max_accel", "accel_min", "accel_max"},
		{"300.000", "10000.000", "3333.000", "60000.000"},
		{"400.000", "7500.000", "2500.000", "45000.000"},
	}, rows)
}
