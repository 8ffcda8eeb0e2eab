package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/config"
	"klipper-autospeed/pkg/endstop"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
	"klipper-autospeed/pkg/link"
	"klipper-autospeed/pkg/log"
	"klipper-autospeed/pkg/metrics"
	"klipper-autospeed/pkg/moonraker"
	"klipper-autospeed/pkg/report"
	"klipper-autospeed/pkg/safety"
	"klipper-autospeed/pkg/serial"
	"klipper-autospeed/pkg/settings"
	"klipper-autospeed/pkg/sim"
)

// printer is what every link offers: the engine's machine contract plus
// plain positioning and an emergency stop.
type printer interface {
	autospeed.Machine
	endstop.Positioner
	safety.EmergencyStopper
}

// session is one connection to the printer for one command.
type session struct {
	settings *settings.Settings
	printer  *config.PrinterConfig
	kin      kinematics.Kinematics
	opts     autospeed.Options
	params   autospeed.Params

	machine  printer
	safety   *safety.Manager
	reporter autospeed.Reporter
	recorder *metrics.Recorder
	server   *metrics.Server
	writer   *report.Writer
	runID    string
	noFiles  bool

	stopSignals func()
	log         *log.Logger
}

// open reads printer.cfg, resolves the calibration parameters and connects.
func (a *app) open(ctx context.Context, ov autospeed.Overrides) (*session, error) {
	s := &session{
		settings: a.settings,
		safety:   safety.New(),
		runID:    report.NewRunID(),
		noFiles:  a.noFiles,
		log:      log.New("autospeed"),
	}

	cfg, err := config.Load(settings.ExpandHome(a.settings.PrinterConfig))
	if err != nil {
		return nil, err
	}
	if s.printer, err = config.ParsePrinterConfig(cfg); err != nil {
		return nil, err
	}
	if s.kin, err = kinematics.LoadFromPrinterConfig(s.printer); err != nil {
		return nil, err
	}
	if s.opts, err = autospeed.LoadOptions(cfg); err != nil {
		return nil, err
	}
	if a.settings.ResultsDir != "" {
		s.opts.ResultsDir = a.settings.ResultsDir
	}
	if s.params, err = autospeed.Resolve(s.opts, ov, s.kin); err != nil {
		return nil, err
	}

	if s.machine, err = s.connect(ctx); err != nil {
		return nil, err
	}
	s.safety.RegisterStopper(s.machine)
	s.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		s.log.WithField("reason", reason).Errorf("printer stopped: %s", msg)
	})
	s.trapSignals()

	reporters := autospeed.MultiReporter{report.NewConsole(a.out, a.verbose)}
	if addr := a.settings.MetricsAddr; addr != "" {
		s.recorder = metrics.NewRecorder()
		s.safety.OnShutdown(s.recorder.Shutdown)
		cfg := metrics.DefaultServerConfig()
		cfg.Address = addr
		s.server = metrics.NewServer(s.recorder, s.safety, cfg)
		errCh := s.server.StartAsync()
		go func() {
			if err := <-errCh; err != nil {
				s.log.WithError(err).Warn("status server stopped")
			}
		}()
		reporters = append(reporters, s.recorder)
	}
	s.reporter = reporters
	s.writer = report.NewWriter(settings.ExpandHome(s.params.ResultsDir))

	s.log.WithFields(log.Fields{
		"run_id":     s.runID,
		"link":       a.settings.Link,
		"kinematics": s.kin.GetType(),
		"axes":       s.params.Axis,
	}).Info("session opened")
	return s, nil
}

func (s *session) connect(ctx context.Context) (printer, error) {
	st := s.settings
	lc := link.DefaultConfig()
	lc.Limits = link.Limits{
		Velocity:       s.printer.MaxVelocity,
		Accel:          s.printer.MaxAccel,
		SCV:            s.printer.SquareCornerVelocity,
		MinCruiseRatio: s.printer.MinimumCruiseRatio,
	}
	lc.TestSCV = s.params.SCV

	switch st.Link {
	case settings.LinkSim:
		model := sim.DefaultModel()
		model.PeakAccel = st.SimPeakAccel
		model.CornerVelocity = st.SimCornerVelocity
		model.MaxVelocity = st.SimMaxVelocity
		model.EndstopJitter = st.SimEndstopJitter
		model.Seed = time.Now().UnixNano()
		return sim.New(s.kin, model), nil

	case settings.LinkMoonraker:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, err := moonraker.Dial(dialCtx, moonraker.Config{URL: st.MoonrakerURL, ClientName: "klipper-autospeed"})
		if err != nil {
			return nil, errors.LinkError("connect", err)
		}
		return link.New(client, lc), nil

	default:
		sc := serial.DefaultConfig()
		sc.Device = st.SerialDevice
		sc.BaudRate = st.SerialBaud
		sc.CommandTimeout = st.CommandTimeout
		port, err := serial.Open(sc)
		if err != nil {
			return nil, errors.LinkError("connect", err)
		}
		return link.New(port, lc), nil
	}
}

// trapSignals turns SIGINT and SIGTERM into an emergency stop.
func (s *session) trapSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			s.log.Warn("received %s, stopping printer", sig)
			if err := s.safety.EmergencyStop("interrupted by " + sig.String()); err != nil {
				s.log.WithError(err).Error("emergency stop failed")
			}
		case <-done:
		}
	}()
	s.stopSignals = func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// engineOptions wires the reporter and the safety latch into the engine.
func (s *session) engineOptions() []autospeed.Option {
	return []autospeed.Option{
		autospeed.WithReporter(s.reporter),
		autospeed.WithAbort(s.safety),
		autospeed.WithLogger(log.New("engine")),
	}
}

// context returns a context cancelled by an emergency stop.
func (s *session) context(parent context.Context) (context.Context, context.CancelFunc) {
	return s.safety.Context(parent)
}

func (s *session) writeDocument(doc report.Document) {
	if s.noFiles {
		return
	}
	path, err := s.writer.WriteSummary(doc)
	if err != nil {
		s.log.WithError(err).Warn("could not write run summary")
		return
	}
	s.log.WithField("path", path).Info("run summary written")
}

func (s *session) writeCurves(axes []autospeed.AxisResult) {
	if s.noFiles {
		return
	}
	for _, ax := range axes {
		if len(ax.Curve) == 0 {
			continue
		}
		path, err := s.writer.WriteCurve(ax.Axis, ax.Curve)
		if err != nil {
			s.log.WithError(err).WithField("axis", ax.Axis).Warn("could not write curve")
			continue
		}
		s.log.WithFields(log.Fields{"axis": ax.Axis, "path": path}).Info("curve written")
	}
}

func (s *session) Close() error {
	if s.stopSignals != nil {
		s.stopSignals()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if c, ok := s.machine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
