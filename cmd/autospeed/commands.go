package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/endstop"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/report"
)

// withSession opens a session, runs fn under the emergency-stop context and
// closes the session. A mechanical fault or lost link returned by fn is
// latched before the session closes.
func (a *app) withSession(cmd *cobra.Command, ov autospeed.Overrides, fn func(context.Context, *session) error) error {
	s, err := a.open(cmd.Context(), ov)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.log.WithError(err).Warn("close link")
		}
	}()

	ctx, cancel := s.context(cmd.Context())
	defer cancel()
	err = fn(ctx, s)
	s.safety.LatchFault(err)
	return err
}

// multi runs one focused calibrator command and writes its results.
func (a *app) multi(cmd *cobra.Command, f *overrideFlags, name string,
	run func(*autospeed.Calibrator, context.Context) (autospeed.MultiAxisResult, error)) error {

	return a.withSession(cmd, f.overrides(cmd), func(ctx context.Context, s *session) error {
		c := autospeed.NewCalibrator(s.machine, s.params, s.engineOptions()...)
		res, err := run(c, ctx)
		s.writeDocument(report.FromMulti(s.runID, name, res, err))
		s.writeCurves(res.Axes)
		if err != nil {
			return err
		}
		printMulti(cmd, res)
		return nil
	})
}

func printMulti(cmd *cobra.Command, res autospeed.MultiAxisResult) {
	bold := color.New(color.Bold)
	switch res.Stage {
	case autospeed.StageAccel:
		cmd.Println(bold.Sprintf("Recommended max_accel: %.0f", res.Recommended))
	case autospeed.StageVelocity:
		cmd.Println(bold.Sprintf("Recommended max_velocity: %.0f", res.Recommended))
	case autospeed.StageLegacyValidate:
		for _, ax := range res.Axes {
			if ax.Legacy == nil {
				continue
			}
			l := ax.Legacy
			state := color.GreenString("passed")
			if !l.Result.Passed {
				state = color.RedString("FAILED")
			}
			cmd.Printf("%s: %d sweeps at %.0f mm/s^2, %.0f mm/s %s (%.2f steps missed)\n",
				ax.Axis, l.Iterations, l.Accel, l.Velocity, state, l.Result.MissedSteps)
		}
	}
}

func (a *app) newRunCommand() *cobra.Command {
	var f overrideFlags
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Find, characterize and validate the maximum acceleration and velocity",
		GroupID: gCalibrate,
		Long: `Run every stage in order: endstop check, acceleration search, velocity
search, acceleration/velocity characterization and final validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, f.overrides(cmd), func(ctx context.Context, s *session) error {
				sum, err := autospeed.NewOrchestrator(s.machine, s.params, s.engineOptions()...).Run(ctx)
				s.writeDocument(report.FromSummary(s.runID, "run", sum, err))
				if sum != nil {
					s.writeCurves(sum.Axes)
				}
				return err
			})
		},
	}
	f.addSearch(cmd)
	f.addValidation(cmd)
	return cmd
}

func (a *app) newAccelCommand() *cobra.Command {
	var f overrideFlags
	cmd := &cobra.Command{
		Use:     "accel",
		Short:   "Search and validate the maximum acceleration of each axis",
		GroupID: gCalibrate,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.multi(cmd, &f, "accel", (*autospeed.Calibrator).AccelOnly)
		},
	}
	f.addSearch(cmd)
	f.addValidation(cmd)
	f.addVariance(cmd)
	return cmd
}

func (a *app) newVelocityCommand() *cobra.Command {
	var f overrideFlags
	cmd := &cobra.Command{
		Use:     "velocity",
		Short:   "Search the maximum velocity of each axis at a fixed acceleration",
		GroupID: gCalibrate,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.multi(cmd, &f, "velocity", (*autospeed.Calibrator).VelocityOnly)
		},
	}
	f.addSearch(cmd)
	f.addFixedAccel(cmd, "acceleration of the search (default [printer] max_accel)")
	f.addVariance(cmd)
	return cmd
}

func (a *app) newGraphCommand() *cobra.Command {
	var f overrideFlags
	cmd := &cobra.Command{
		Use:     "graph",
		Aliases: []string{"characterize"},
		Short:   "Measure the maximum acceleration across a range of velocities",
		GroupID: gCalibrate,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.multi(cmd, &f, "graph", (*autospeed.Calibrator).CharacterizeOnly)
		},
	}
	f.addSearch(cmd)
	f.addGraph(cmd)
	f.addVariance(cmd)
	return cmd
}

func (a *app) newValidateCommand() *cobra.Command {
	var f overrideFlags
	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Sweep full travel at fixed limits and check for lost steps",
		GroupID: gCalibrate,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.multi(cmd, &f, "validate", (*autospeed.Calibrator).LegacyValidateOnly)
		},
	}
	f.addAxis(cmd)
	f.addFixedAccel(cmd, "sweep acceleration (default [printer] max_accel)")
	cmd.Flags().Float64Var(&f.velocity, "velocity", 0, "sweep velocity (default [printer] max_velocity)")
	cmd.Flags().IntVar(&f.iterations, "iterations", 0, "number of sweeps (default 50)")
	cmd.Flags().Float64Var(&f.maxMissed, "max-missed", 0, "full steps that may be lost before failing")
	return cmd
}

func (a *app) newEndstopAccuracyCommand() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:       "endstop-accuracy <x|y|z>",
		Short:     "Home one axis repeatedly and report the trigger repeatability",
		GroupID:   gDiagnostics,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"x", "y", "z"},
		RunE: func(cmd *cobra.Command, args []string) error {
			axis := strings.Index("xyz", strings.ToLower(args[0]))
			if len(args[0]) != 1 || axis < 0 {
				return errors.ConfigValidationError("axis", fmt.Sprintf("unknown axis %q", args[0]))
			}
			return a.withSession(cmd, autospeed.Overrides{}, func(ctx context.Context, s *session) error {
				rail := s.kin.GetRails()[axis]
				cmd.Printf("%s_ENDSTOP_ACCURACY (samples=%d)\nSecond Homing Speed: %.2f mm/s\nHoming Retract Distance: %.2f mm\n",
					strings.ToUpper(args[0]), samples, rail.SecondHoming, rail.HomingRetract)
				stats, err := endstop.Accuracy(ctx, s.machine, s.machine, axis, rail, samples)
				if err != nil {
					return err
				}
				cmd.Printf("endstop accuracy results: %s\n", stats)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 10, "number of homes")
	return cmd
}
