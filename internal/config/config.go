// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package config loads and validates the daemon's configuration file, a
// single immutable-for-the-process-lifetime JSON document (spec §3.2, §6.3).
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/tapearc/tapearcd/internal/jsonutil"
)

// Config is the daemon's configuration, read once at startup.
type Config struct {
	// Remote endpoint identity (spec §6.3).
	IRodsHost     string `json:"irods_host"`
	IRodsPort     int    `json:"irods_port"`
	IRodsZoneName string `json:"irods_zone_name"`
	IRodsUserName string `json:"irods_user_name"`

	IsResourceServer  bool `json:"is_resource_server"`
	ConnectionTimeout int  `json:"connection_timeout"`
	ResourceName      string `json:"resource_name"`

	HousekeepingKeepHours   int `json:"housekeeping"`
	StopTimeoutMinutes      int `json:"stop_timeout"`
	TickIntervalSeconds     int `json:"tick_interval_seconds"`
	HousekeepingIntervalSec int `json:"housekeeping_interval_seconds"`

	// Ambient stack (SPEC_FULL §3.2 additions).
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file"`

	// Domain stack additions (SPEC_FULL §3.2): the concrete S3-backed
	// archive and its throttling/session knobs.
	TransferRateLimitBytesPerSec int    `json:"transfer_rate_limit_bytes_per_sec"`
	S3Endpoint                   string `json:"s3_endpoint"`
	S3Bucket                     string `json:"s3_bucket"`
	S3Region                     string `json:"s3_region"`
	ArchiveSessionTimeoutSeconds int    `json:"archive_session_timeout_seconds"`

	TicketCompressThresholdBytes int    `json:"ticket_compress_threshold_bytes"`
	AuditLogPath                 string `json:"audit_log_path"`

	// Filesystem layout (spec §3.3). Not wire-configurable in the original
	// but exposed here so tests and alternate deployments can relocate it.
	TicketDir  string `json:"ticket_dir"`
	SocketPath string `json:"socket_path"`
	PIDFile    string `json:"pid_file"`
}

// Zone returns the zone used to substitute {zone} placeholders.
func (c *Config) Zone() string { return c.IRodsZoneName }

// User returns the user used to substitute {user} placeholders.
func (c *Config) User() string { return c.IRodsUserName }

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := jsonutil.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TickIntervalSeconds <= 0 {
		c.TickIntervalSeconds = 10
	}
	if c.HousekeepingIntervalSec <= 0 {
		c.HousekeepingIntervalSec = 3600
	}
	if c.HousekeepingKeepHours <= 0 {
		c.HousekeepingKeepHours = 24
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.ArchiveSessionTimeoutSeconds <= 0 {
		c.ArchiveSessionTimeoutSeconds = 30
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30
	}
}

func (c *Config) validate() error {
	if c.IRodsZoneName == "" {
		return errors.New("irods_zone_name is required")
	}
	if c.IRodsUserName == "" {
		return errors.New("irods_user_name is required")
	}
	if c.S3Bucket == "" {
		return errors.New("s3_bucket is required")
	}
	if c.StopTimeoutMinutes < 0 {
		return errors.New("stop_timeout must be >= 0")
	}
	if c.TransferRateLimitBytesPerSec < 0 {
		return errors.New("transfer_rate_limit_bytes_per_sec must be >= 0")
	}
	return nil
}
