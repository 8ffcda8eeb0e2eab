// Package report turns calibration events into console output and writes
// result files for plotting.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"klipper-autospeed/pkg/autospeed"
)

// Console prints progress events. Sample-level events are shown only when
// verbose.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer, verbose bool) *Console {
	return &Console{w: w, verbose: verbose}
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func verdict(passed bool) string {
	if passed {
		return color.New(color.Bold, color.FgGreen).Sprint("PASS")
	}
	return color.New(color.Bold, color.FgRed).Sprint("FAIL")
}

func unit(stage autospeed.Stage) string {
	if stage == autospeed.StageVelocity {
		return "mm/s"
	}
	return "mm/s^2"
}

// Report implements autospeed.Reporter.
func (c *Console) Report(e autospeed.Event) {
	line := c.format(e)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *Console) format(e autospeed.Event) string {
	switch e.Kind {
	case autospeed.EventStageEntered:
		return bold("==> %s", e.Stage)

	case autospeed.EventSearchProbe:
		return fmt.Sprintf("[%s] testing %.0f %s", e.Axis, e.Value, unit(e.Stage))

	case autospeed.EventSampleStarted:
		if !c.verbose {
			return ""
		}
		return fmt.Sprintf("[%s]   sample %d/%d %s at %.0f", e.Axis, e.Sample, e.Samples, e.Shape, e.Value)

	case autospeed.EventSampleFinished:
		if !c.verbose {
			return ""
		}
		dev := "n/a"
		if e.Deviation != nil {
			dev = fmt.Sprintf("%.4fmm", *e.Deviation)
		}
		return fmt.Sprintf("[%s]   sample %d/%d %s: %s (deviation %s, %.2f steps)",
			e.Axis, e.Sample, e.Samples, e.Shape, verdict(e.Passed), dev, e.Missed)

	case autospeed.EventVerdict:
		return fmt.Sprintf("[%s] %.0f %s: %s", e.Axis, e.Value, unit(e.Stage), verdict(e.Passed))

	case autospeed.EventStageResult:
		r := e.Result
		if r == nil {
			return ""
		}
		what := "acceleration"
		if r.Stage == autospeed.StageVelocity {
			what = "velocity"
		}
		return bold("AUTO SPEED found max %s on %s: %.0f, recommended %.0f %s (derate %.2f)",
			what, r.Axis, r.RawMax, r.DeratedValue, unit(r.Stage), r.DerateFactor)

	case autospeed.EventValidation:
		v := e.Validation
		if v == nil {
			return ""
		}
		state := color.New(color.Bold, color.FgGreen).Sprint("confirmed")
		if !v.Confirmed {
			state = color.New(color.Bold, color.FgRed).Sprint("not confirmed")
		}
		return fmt.Sprintf("[%s] validation at %.0f: %d/%d passed, %s", v.Axis, v.Value, v.Passes, v.Attempts, state)

	case autospeed.EventCurvePoint:
		p := e.Point
		if p == nil {
			return ""
		}
		return fmt.Sprintf("[%s] %.0f mm/s: max accel %.0f (tested %.0f..%.0f)", e.Axis, p.Velocity, p.MaxAccel, p.AccelMin, p.AccelMax)

	case autospeed.EventWarning:
		where := string(e.Stage)
		if e.Axis != "" {
			where += " " + e.Axis
		}
		return color.YellowString("warning (%s): %s", where, e.Message)

	case autospeed.EventRunFailed:
		return color.RedString("AUTO SPEED failed: %s", e.Message)

	case autospeed.EventRunComplete:
		s := e.Summary
		if s == nil {
			return ""
		}
		return bold("AUTO SPEED recommends max_accel %.0f, max_velocity %.0f (%s)",
			s.RecommendedAccel, s.RecommendedVelocity, s.Finished.Sub(s.Started).Round(time.Second))
	}
	return ""
}
