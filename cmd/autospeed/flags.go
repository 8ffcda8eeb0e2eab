package main

import (
	"github.com/spf13/cobra"

	"klipper-autospeed/pkg/autospeed"
)

// overrideFlags are the per-command parameter overrides. Only flags given on
// the command line override [auto_speed].
type overrideFlags struct {
	axis                 string
	accelMin             float64
	accelMax             float64
	velocityMin          float64
	velocityMax          float64
	derate               float64
	samples              int
	validationIterations int
	margin               float64
	maxMissed            float64
	pattern              string
	patternSize          float64
	settlingHome         bool

	graphVelocityMin float64
	graphVelocityMax float64
	graphVelocityDiv int
	graphMinSlope    float64
	graphMaxSlope    float64

	accel      float64
	velocity   float64
	iterations int
	variance   bool
}

func (f *overrideFlags) addAxis(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.axis, "axis", "", "axes to calibrate, e.g. x,y or diag_x,diag_y")
}

func (f *overrideFlags) addSearch(cmd *cobra.Command) {
	f.addAxis(cmd)
	fs := cmd.Flags()
	fs.Float64Var(&f.accelMin, "accel-min", 0, "lower acceleration bound")
	fs.Float64Var(&f.accelMax, "accel-max", 0, "upper acceleration bound")
	fs.Float64Var(&f.velocityMin, "velocity-min", 0, "lower velocity bound")
	fs.Float64Var(&f.velocityMax, "velocity-max", 0, "upper velocity bound")
	fs.Float64Var(&f.derate, "derate", 0, "safety factor applied to search results")
	fs.IntVar(&f.samples, "samples", 0, "samples per move shape in each test")
	fs.Float64Var(&f.margin, "margin", 0, "distance kept from the axis limits in mm")
	fs.Float64Var(&f.maxMissed, "max-missed", 0, "full steps that may be lost before a sample fails")
	fs.BoolVar(&f.settlingHome, "settling-home", true, "home once before measuring")
}

func (f *overrideFlags) addValidation(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.validationIterations, "validation-iterations", 0, "attempts of the final validation")
	fs.StringVar(&f.pattern, "validation-pattern", "", "validation attempt: gauntlet or single")
	fs.Float64Var(&f.patternSize, "validation-pattern-size", 0, "long validation move in mm (default largest safe move)")
}

func (f *overrideFlags) addGraph(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Float64Var(&f.graphVelocityMin, "graph-velocity-min", 0, "first velocity of the sweep")
	fs.Float64Var(&f.graphVelocityMax, "graph-velocity-max", 0, "last velocity of the sweep")
	fs.IntVar(&f.graphVelocityDiv, "graph-velocity-div", 0, "number of velocities in the sweep")
	fs.Float64Var(&f.graphMinSlope, "graph-accel-min-slope", 0, "lower acceleration bound per mm/s")
	fs.Float64Var(&f.graphMaxSlope, "graph-accel-max-slope", 0, "upper acceleration bound per mm/s")
}

func (f *overrideFlags) addFixedAccel(cmd *cobra.Command, usage string) {
	cmd.Flags().Float64Var(&f.accel, "accel", 0, usage)
}

func (f *overrideFlags) addVariance(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.variance, "variance", false, "check endstop repeatability first")
}

func changed[T any](cmd *cobra.Command, name string, v T) *T {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

// overrides returns the flags the user set.
func (f *overrideFlags) overrides(cmd *cobra.Command) autospeed.Overrides {
	return autospeed.Overrides{
		Axis:                 changed(cmd, "axis", f.axis),
		AccelMin:             changed(cmd, "accel-min", f.accelMin),
		AccelMax:             changed(cmd, "accel-max", f.accelMax),
		VelocityMin:          changed(cmd, "velocity-min", f.velocityMin),
		VelocityMax:          changed(cmd, "velocity-max", f.velocityMax),
		Derate:               changed(cmd, "derate", f.derate),
		Samples:              changed(cmd, "samples", f.samples),
		ValidationIterations: changed(cmd, "validation-iterations", f.validationIterations),
		Margin:               changed(cmd, "margin", f.margin),
		MaxMissed:            changed(cmd, "max-missed", f.maxMissed),
		SettlingHome:         changed(cmd, "settling-home", f.settlingHome),
		Pattern:              changed(cmd, "validation-pattern", f.pattern),
		PatternSize:          changed(cmd, "validation-pattern-size", f.patternSize),
		GraphVelocityMin:     changed(cmd, "graph-velocity-min", f.graphVelocityMin),
		GraphVelocityMax:     changed(cmd, "graph-velocity-max", f.graphVelocityMax),
		GraphVelocityDiv:     changed(cmd, "graph-velocity-div", f.graphVelocityDiv),
		GraphMinSlope:        changed(cmd, "graph-accel-min-slope", f.graphMinSlope),
		GraphMaxSlope:        changed(cmd, "graph-accel-max-slope", f.graphMaxSlope),
		Accel:                changed(cmd, "accel", f.accel),
		Velocity:             changed(cmd, "velocity", f.velocity),
		Iterations:           changed(cmd, "iterations", f.iterations),
		Variance:             changed(cmd, "variance", f.variance),
	}
}
