// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Fieldsync-hub is the controller process for a distributed sensing
// fleet. It accepts device command connections over TCP, answers time
// requests over UDP, drives the session lifecycle, receives
// post-session archive uploads, and serves Prometheus metrics.
//
// On startup:
//  1. Loads configuration (JSONC file, flag, or defaults).
//  2. Binds the command, time, and transfer listeners.
//  3. Starts the device registry and session orchestrator.
//  4. Serves until SIGINT/SIGTERM, then drains connections.
//
// Sessions are driven through the control socket: a tiny line-oriented
// local interface (start/stop/flash/status) intended for the operator
// dashboard, which is a separate program.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldsync-dev/fieldsync/config"
	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/metrics"
	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
	"github.com/fieldsync-dev/fieldsync/session"
	"github.com/fieldsync-dev/fieldsync/timesync"
	"github.com/fieldsync-dev/fieldsync/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     string
		listenAddress  string
		dataDir        string
		controlSocket  string
		metricsAddress string
	)
	flag.StringVar(&configPath, "config", "", "path to the JSONC config file (or $"+config.EnvConfigPath+")")
	flag.StringVar(&listenAddress, "listen", "", "TCP address for device command connections (overrides config)")
	flag.StringVar(&dataDir, "data-dir", "", "root directory for session data (overrides config)")
	flag.StringVar(&controlSocket, "control-socket", "fieldsync-control.sock", "Unix socket for operator session control")
	flag.StringVar(&metricsAddress, "metrics", "", "HTTP address for Prometheus metrics (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddress != "" {
		cfg.ListenAddress = listenAddress
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if metricsAddress != "" {
		cfg.MetricsAddress = metricsAddress
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	hub, err := buildHub(cfg, controlSocket, logger)
	if err != nil {
		return err
	}
	return hub.serve(ctx)
}

// hub holds the assembled process: every listener and actor, wired.
type hub struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry       *registry.Registry
	orchestrator   *session.Orchestrator
	commands       *commandServer
	timeServer     *timesync.Server
	transferServer *transfer.Server
	control        *controlServer
}

func buildHub(cfg config.Config, controlSocket string, logger *slog.Logger) (*hub, error) {
	clk := clock.Real()
	ids := &protocol.IDSource{}
	met := metrics.New(prometheus.DefaultRegisterer)

	// The registry consults the orchestrator on rejoin and eviction,
	// and the orchestrator claims devices from the registry. The
	// cycle is broken with closures over a variable assigned below,
	// before anything runs.
	var orch *session.Orchestrator

	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval.Std(),
		TimeoutIntervals:  cfg.Heartbeat.TimeoutIntervals,
		EvictAfter:        cfg.Heartbeat.EvictAfter.Std(),
		ResolveRejoin: func(deviceID, sessionID string) registry.RejoinDecision {
			return orch.ResolveRejoin(deviceID, sessionID)
		},
		OnEvict: func(deviceID, sessionID string) {
			orch.DeviceEvicted(deviceID, sessionID)
		},
	}, clk, logger.With("component", "registry"))

	commands, err := newCommandServer(commandServerConfig{
		Address:    cfg.ListenAddress,
		SyncConfig: syncConfig(cfg.Sync),
	}, commandServerDeps{
		Registry: reg,
		Clock:    clk,
		Logger:   logger.With("component", "commands"),
		Metrics:  met,
		IDs:      ids,
	})
	if err != nil {
		return nil, err
	}

	timeServer, err := timesync.NewServer(cfg.TimeSyncAddress, logger.With("component", "timesync"))
	if err != nil {
		commands.listener.Close()
		return nil, err
	}

	transferConfig := transfer.DefaultConfig(cfg.DataDir)
	transferConfig.Address = cfg.TransferAddress
	transferServer, err := transfer.NewServer(transferConfig, transfer.Deps{
		Logger: logger.With("component", "transfer"),
		Authorize: func(sessionID, deviceID string) error {
			return authorizeUpload(orch, sessionID, deviceID)
		},
		OnComplete: func(record transfer.Record) {
			if err := orch.DeviceTransferred(record.DeviceID, record.SessionID,
				record.Verified, record.ExpectedFiles, record.ReceivedFiles); err != nil {
				logger.Warn("recording transfer outcome",
					"session", record.SessionID, "device", record.DeviceID, "error", err)
			}
		},
		Metrics: met,
	})
	if err != nil {
		commands.listener.Close()
		timeServer.Close()
		return nil, err
	}

	profiles, err := session.LoadRecorderProfiles(cfg.RecorderProfiles, cfg.RecorderProfiles == "")
	if err != nil {
		return nil, err
	}
	factory := session.NewRecorderFactory()
	factory.Register("command", newCommandRecorder)
	recorders, err := factory.Build(profiles)
	if err != nil {
		return nil, err
	}
	for _, recorder := range recorders {
		logger.Info("local recorder configured", "recorder", recorder.Name())
	}

	orch = session.New(session.Config{
		DataDir:   cfg.DataDir,
		Retry:     retryConfig(cfg.Retry),
		FlashLead: cfg.Session.FlashLead.Std(),
	}, session.Deps{
		Directory:  reg,
		Dispatcher: commands,
		Clock:      clk,
		Logger:     logger.With("component", "session"),
		Metrics:    met,
		TransferAddress: func() (string, int) {
			return cfg.AdvertiseHost, transferServer.Port()
		},
		IDs:       ids,
		Recorders: recorders,
	})
	commands.SetOrchestrator(orch)

	control, err := newControlServer(controlSocket, orch, reg, logger.With("component", "control"))
	if err != nil {
		return nil, err
	}

	return &hub{
		cfg:            cfg,
		logger:         logger,
		metrics:        met,
		registry:       reg,
		orchestrator:   orch,
		commands:       commands,
		timeServer:     timeServer,
		transferServer: transferServer,
		control:        control,
	}, nil
}

// serve runs every listener and actor until ctx is cancelled. The
// first hard failure cancels the rest.
func (h *hub) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 5)
	spawn := func(name string, serve func(context.Context) error) {
		go func() {
			if err := serve(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errs <- nil
		}()
	}

	go h.registry.Run(ctx)
	go h.consumeStatusChanges(ctx)

	spawn("command server", h.commands.Serve)
	spawn("time server", h.timeServer.Serve)
	spawn("transfer server", h.transferServer.Serve)
	spawn("control server", h.control.Serve)

	running := 4
	if h.cfg.MetricsAddress != "" {
		spawn("metrics server", h.serveMetrics)
		running++
	}

	h.logger.Info("hub ready",
		"commands", h.commands.Addr().String(),
		"time_port", h.timeServer.Port(),
		"transfer_port", h.transferServer.Port(),
		"data_dir", h.cfg.DataDir)

	var firstErr error
	for ; running > 0; running-- {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func (h *hub) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: h.cfg.MetricsAddress, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// consumeStatusChanges feeds registry transitions into logs, metrics,
// and the session status journal. The registry never blocks on us; a
// lagging consumer drops events upstream.
func (h *hub) consumeStatusChanges(ctx context.Context) {
	for {
		select {
		case change := <-h.registry.Events():
			h.logger.Info("device status change",
				"device", change.DeviceID,
				"from", string(change.From),
				"to", string(change.To),
				"detail", change.Detail)
			h.metrics.DeviceTransition(string(change.To))
			h.orchestrator.NoteStatus(change.DeviceID,
				string(change.From), string(change.To), change.Detail,
				change.At.UnixNano())
		case <-ctx.Done():
			return
		}
	}
}

// authorizeUpload vets a transfer header: the session must exist and
// the device must be one of its members. Outcome state is not checked
// here; re-uploads after a failed attempt are legitimate.
func authorizeUpload(orch *session.Orchestrator, sessionID, deviceID string) error {
	info, ok := orch.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	for _, member := range info.Members {
		if member.DeviceID == deviceID {
			return nil
		}
	}
	return fmt.Errorf("device %q is not a member of session %q", deviceID, sessionID)
}

func syncConfig(c config.SyncConfig) timesync.Config {
	return timesync.Config{
		Trials:               c.Trials,
		TrimRatio:            c.TrimRatio,
		OutlierFactor:        c.OutlierFactor,
		Pace:                 c.Pace.Std(),
		ResyncDelayThreshold: c.ResyncDelayThreshold.Std(),
		ResyncCooldown:       c.ResyncCooldown.Std(),
		PeriodicResync:       c.PeriodicResync.Std(),
	}
}

func retryConfig(c config.RetryConfig) session.RetryConfig {
	return session.RetryConfig{
		AckTimeout:     c.AckTimeout.Std(),
		BaseDelay:      c.BaseDelay.Std(),
		Multiplier:     c.Multiplier,
		MaxDelay:       c.MaxDelay.Std(),
		MaxAttempts:    c.MaxAttempts,
		JitterFraction: c.JitterFraction,
	}
}
