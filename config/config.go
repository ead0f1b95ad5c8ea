// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the hub configuration file. The file is JSONC:
// JSON with comments and trailing commas, so deployment configs can
// be annotated in place.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// EnvConfigPath names the environment variable consulted when no
// --config flag is given.
const EnvConfigPath = "FIELDSYNC_CONFIG"

// Duration is a time.Duration that unmarshals from JSON strings like
// "3s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the hub's full configuration.
type Config struct {
	// ListenAddress is the TCP address for device command
	// connections.
	ListenAddress string `json:"listen_address"`

	// TimeSyncAddress is the UDP address of the timestamp echo
	// service.
	TimeSyncAddress string `json:"time_sync_address"`

	// TransferAddress is the TCP address of the file upload
	// listener.
	TransferAddress string `json:"transfer_address"`

	// AdvertiseHost is the host devices are told to upload to. Must
	// be reachable from the device network; defaults are only useful
	// on a single machine.
	AdvertiseHost string `json:"advertise_host"`

	// MetricsAddress serves Prometheus metrics over HTTP. Empty
	// disables the endpoint.
	MetricsAddress string `json:"metrics_address"`

	// DataDir is the root for session directories.
	DataDir string `json:"data_dir"`

	// RecorderProfiles is the path to the YAML file describing
	// hub-local recorders. Missing file means no local recorders.
	RecorderProfiles string `json:"recorder_profiles"`

	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Sync      SyncConfig      `json:"sync"`
	Retry     RetryConfig     `json:"retry"`
	Session   SessionConfig   `json:"session"`
	Validator ValidatorConfig `json:"validator"`
}

type HeartbeatConfig struct {
	Interval         Duration `json:"interval"`
	TimeoutIntervals int      `json:"timeout_intervals"`
	EvictAfter       Duration `json:"evict_after"`
}

type SyncConfig struct {
	Trials               int      `json:"trials"`
	TrimRatio            float64  `json:"trim_ratio"`
	OutlierFactor        float64  `json:"outlier_factor"`
	Pace                 Duration `json:"pace"`
	ResyncDelayThreshold Duration `json:"resync_delay_threshold"`
	ResyncCooldown       Duration `json:"resync_cooldown"`
	PeriodicResync       Duration `json:"periodic_resync"`
}

type RetryConfig struct {
	AckTimeout     Duration `json:"ack_timeout"`
	BaseDelay      Duration `json:"base_delay"`
	Multiplier     float64  `json:"multiplier"`
	MaxDelay       Duration `json:"max_delay"`
	MaxAttempts    int      `json:"max_attempts"`
	JitterFraction float64  `json:"jitter_fraction"`
}

type SessionConfig struct {
	FlashLead Duration `json:"flash_lead"`
}

type ValidatorConfig struct {
	GroupWindow Duration `json:"group_window"`
	Tolerance   Duration `json:"tolerance"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		ListenAddress:   ":9468",
		TimeSyncAddress: ":9470",
		TransferAddress: ":9469",
		AdvertiseHost:   "127.0.0.1",
		DataDir:         "./fieldsync_data",
		Heartbeat: HeartbeatConfig{
			Interval:         Duration(3 * time.Second),
			TimeoutIntervals: 3,
			EvictAfter:       Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			Trials:               12,
			TrimRatio:            0.1,
			OutlierFactor:        3,
			Pace:                 Duration(5 * time.Millisecond),
			ResyncDelayThreshold: Duration(25 * time.Millisecond),
			ResyncCooldown:       Duration(120 * time.Second),
			PeriodicResync:       Duration(5 * time.Minute),
		},
		Retry: RetryConfig{
			AckTimeout:     Duration(5 * time.Second),
			BaseDelay:      Duration(500 * time.Millisecond),
			Multiplier:     2,
			MaxDelay:       Duration(8 * time.Second),
			MaxAttempts:    3,
			JitterFraction: 0.2,
		},
		Session: SessionConfig{
			FlashLead: Duration(500 * time.Millisecond),
		},
		Validator: ValidatorConfig{
			GroupWindow: Duration(500 * time.Millisecond),
			Tolerance:   Duration(5 * time.Millisecond),
		},
	}
}

// Load reads a JSONC config file over the defaults. An empty path
// falls back to the FIELDSYNC_CONFIG environment variable; if that is
// also empty, the defaults are returned as-is.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	switch {
	case c.ListenAddress == "":
		return fmt.Errorf("listen_address is required")
	case c.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case c.AdvertiseHost == "":
		return fmt.Errorf("advertise_host is required")
	case c.Heartbeat.Interval <= 0:
		return fmt.Errorf("heartbeat.interval must be positive")
	case c.Heartbeat.TimeoutIntervals < 1:
		return fmt.Errorf("heartbeat.timeout_intervals must be at least 1")
	case c.Heartbeat.EvictAfter < c.Heartbeat.Interval:
		return fmt.Errorf("heartbeat.evict_after must exceed the heartbeat interval")
	case c.Sync.Trials < 1:
		return fmt.Errorf("sync.trials must be at least 1")
	case c.Sync.TrimRatio < 0 || c.Sync.TrimRatio >= 0.5:
		return fmt.Errorf("sync.trim_ratio must be in [0, 0.5)")
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be at least 1")
	case c.Retry.AckTimeout <= 0:
		return fmt.Errorf("retry.ack_timeout must be positive")
	case c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1:
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1]")
	case c.Validator.Tolerance <= 0:
		return fmt.Errorf("validator.tolerance must be positive")
	}
	return nil
}
