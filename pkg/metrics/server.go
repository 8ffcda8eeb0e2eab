// HTTP status server for calibration metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"klipper-autospeed/pkg/log"
	"klipper-autospeed/pkg/safety"
)

// SafetyStatus reports the emergency-stop latch and lets /stop end the run
// at the next move without halting the printer.
type SafetyStatus interface {
	GetStatus() safety.Status
	RequestShutdown(msg string) error
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on, e.g. ":9101" or "127.0.0.1:9101".
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9101",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves /metrics, /status, /health and POST /stop.
type Server struct {
	rec    *Recorder
	safety SafetyStatus
	cfg    ServerConfig
	router *gin.Engine
	server *http.Server
	log    *log.Logger

	mu        sync.RWMutex
	running   bool
	addr      string
	startTime time.Time
}

// NewServer creates a status server. safety may be nil.
func NewServer(rec *Recorder, safety SafetyStatus, cfg ServerConfig) *Server {
	s := &Server{
		rec:    rec,
		safety: safety,
		cfg:    cfg,
		addr:   cfg.Address,
		log:    log.New("metrics"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{})))
	router.GET("/status", s.getStatus)
	router.GET("/health", s.getHealth)
	router.POST("/stop", s.postStop)
	s.router = router

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	s.mu.Lock()
	s.running = true
	s.addr = l.Addr().String()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Info("status server listening on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one error
// and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// Address returns the listening address once started, the configured one
// before.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

type statusResponse struct {
	Calibration Status         `json:"calibration"`
	Safety      *safety.Status `json:"safety,omitempty"`
	Uptime      float64        `json:"uptime_s"`
}

func (s *Server) getStatus(c *gin.Context) {
	resp := statusResponse{Calibration: s.rec.Status()}
	if s.safety != nil {
		st := s.safety.GetStatus()
		resp.Safety = &st
	}
	s.mu.RLock()
	if s.running {
		resp.Uptime = time.Since(s.startTime).Seconds()
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHealth(c *gin.Context) {
	if s.safety != nil && !s.safety.GetStatus().IsOperational {
		c.String(http.StatusServiceUnavailable, "shutdown\n")
		return
	}
	c.String(http.StatusOK, "OK\n")
}

func (s *Server) postStop(c *gin.Context) {
	if s.safety == nil {
		c.String(http.StatusNotImplemented, "no safety latch\n")
		return
	}
	msg := "stop requested by " + c.ClientIP()
	if err := s.safety.RequestShutdown(msg); err != nil {
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, "%s\n", err)
		return
	}
	s.log.Warn(msg)
	c.JSON(http.StatusAccepted, s.safety.GetStatus())
}

func requestLogger(l *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// handlers may rewrite the path
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		latency := time.Since(start)

		entry := l.WithFields(log.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"latency": latency.Milliseconds(),
		})
		msg := fmt.Sprintf("%s %s %d (%s)", c.Request.Method, path, status, latency)
		switch {
		case len(c.Errors) > 0:
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
