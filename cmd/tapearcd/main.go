// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Command tapearcd is the transfer daemon's entrypoint: start/stop/status
// wrap the lifecycle in internal/daemond, and run is the daemon body
// itself (normally invoked detached, by start).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/config"
	"github.com/tapearc/tapearcd/internal/daemond"
	"github.com/tapearc/tapearcd/internal/dispatcher"
	"github.com/tapearc/tapearcd/internal/housekeeping"
	"github.com/tapearc/tapearcd/internal/listener"
	"github.com/tapearc/tapearcd/internal/listing"
	"github.com/tapearc/tapearcd/internal/logging"
	"github.com/tapearc/tapearcd/internal/scheduler"
	"github.com/tapearc/tapearcd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/tapearcd/config.json", "path to configuration file")
	fs.Parse(os.Args[2:])

	switch cmd {
	case "start":
		start(*configPath)
	case "stop":
		stop(*configPath)
	case "status":
		status(*configPath)
	case "run":
		run(*configPath)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tapearcd <start|stop|status|run> [-config path]\n")
}

func start(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	err = daemond.Start(cfg.PIDFile, cfg.SocketPath, cfg.LogFile, []string{"run", "-config", configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("tapearcd started")
}

func stop(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	timeout := time.Duration(cfg.StopTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := daemond.Stop(ctx, cfg.PIDFile, timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("tapearcd stopped")
}

func status(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	running, rec, err := daemond.Status(cfg.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking status: %v\n", err)
		os.Exit(1)
	}
	if running {
		fmt.Printf("RUNNING (pid %d, socket %s)\n", rec.PID, rec.SocketFile)
		return
	}
	fmt.Println("NOT RUNNING")
	os.Exit(1)
}

// run is the daemon body: it binds the socket, starts the listener and
// the tick loop, and blocks until a stop signal arrives or the scheduler
// decides to idle-shutdown (spec §7, stop_timeout_minutes).
func run(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer logCloser.Close()

	if err := daemond.WritePIDFile(cfg.PIDFile, cfg.SocketPath, cfg.LogFile); err != nil {
		logger.Error("writing PID file", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = daemond.RemovePIDFile(cfg.PIDFile)
		_ = os.Remove(cfg.SocketPath)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	st, err := store.Open(cfg.TicketDir, cfg.TicketCompressThresholdBytes, logger)
	if err != nil {
		logger.Error("opening ticket store", "error", err)
		os.Exit(1)
	}
	if err := st.Load(); err != nil {
		logger.Error("loading ticket store", "error", err)
		os.Exit(1)
	}

	arc, err := archive.NewS3Archive(ctx, archive.S3Config{
		Endpoint:          cfg.S3Endpoint,
		Region:            cfg.S3Region,
		Bucket:            cfg.S3Bucket,
		IsResourceServer:  cfg.IsResourceServer,
		RateLimitBytesSec: int64(cfg.TransferRateLimitBytesPerSec),
	}, logger)
	if err != nil {
		logger.Error("constructing archive client", "error", err)
		os.Exit(1)
	}

	sessionTimeout := time.Duration(cfg.ArchiveSessionTimeoutSeconds) * time.Second
	hk := housekeeping.New(st, arc, sessionTimeout, time.Duration(cfg.HousekeepingKeepHours)*time.Hour, cfg.AuditLogPath, logger)

	sched := scheduler.New(st, arc, hk, scheduler.Config{
		TickInterval:         time.Duration(cfg.TickIntervalSeconds) * time.Second,
		HousekeepingInterval: time.Duration(cfg.HousekeepingIntervalSec) * time.Second,
		StopTimeout:          time.Duration(cfg.StopTimeoutMinutes) * time.Minute,
		SessionTimeout:       sessionTimeout,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Error("starting scheduler", "error", err)
		os.Exit(1)
	}

	lister := listing.New(st, arc, sessionTimeout)
	completion := listing.NewCompletionCache(arc, sessionTimeout)
	disp := dispatcher.New(st, lister, completion, sched, cfg.Zone(), cfg.User())

	l, err := listener.New(cfg.SocketPath, disp, logger)
	if err != nil {
		logger.Error("binding socket", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := l.Run(ctx); err != nil {
			logger.Error("listener stopped", "error", err)
		}
	}()

	logger.Info("tapearcd running", "socket", cfg.SocketPath)

	select {
	case <-ctx.Done():
	case <-sched.Done():
		logger.Info("idle timeout reached, shutting down")
		cancel()
	}

	l.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	sched.Stop(stopCtx)
	stopCancel()
}
