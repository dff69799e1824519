// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

// TidepoolConfig is the full configuration for the tidepool binary.
type TidepoolConfig struct {
	// Server: the HTTP listener
	Server ServerConfig `yaml:"server"`

	// Workspace: where revisions live on disk
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Simulate: optional relay to a rules engine
	Simulate SimulateConfig `yaml:"simulate"`

	// Replicate: optional archive mirroring to GCS
	Replicate ReplicateConfig `yaml:"replicate"`

	// Audit: optional mutation audit stream to InfluxDB
	Audit AuditConfig `yaml:"audit"`

	// Logging: level, format, and optional log directory
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: trace and metric exporters
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// PermissiveCORS allows any origin. Only for local development
	// where the editor frontend runs on another port.
	PermissiveCORS bool `yaml:"permissive_cors"`
}

type WorkspaceConfig struct {
	// DataDir holds the head tree, sealed archives, and catalog.
	DataDir string `yaml:"data_dir" validate:"required"`

	// EventHistory is the mutation replay window for new /fs/events
	// subscribers.
	EventHistory int `yaml:"event_history" validate:"min=0"`

	// SearchMaxFileBytes caps per-file content reads during search.
	SearchMaxFileBytes int64 `yaml:"search_max_file_bytes" validate:"min=0"`

	// SearchWorkers is the search content-read fan-out.
	SearchWorkers int `yaml:"search_workers" validate:"min=0"`
}

type SimulateConfig struct {
	// URL of the rules engine. Empty disables POST /simulate.
	URL string `yaml:"url" validate:"omitempty,url"`

	// TimeoutSeconds bounds one simulation round trip.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=0"`
}

type ReplicateConfig struct {
	// Bucket is the GCS destination. Empty disables mirroring.
	Bucket string `yaml:"bucket"`

	// Prefix prepends mirrored object names.
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key path. Empty uses
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

type AuditConfig struct {
	// URL of the InfluxDB instance. Empty disables the audit sink.
	URL string `yaml:"url" validate:"omitempty,url"`

	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is auto, text, or json.
	Format string `yaml:"format" validate:"oneof=auto text json"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`
}

type TelemetryConfig struct {
	// TraceExporter is otlp, stdout, or none.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is prometheus, stdout, or none.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint receives traces when the exporter is otlp.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() TidepoolConfig {
	dataDir := "./data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".tidepool", "data")
	}
	return TidepoolConfig{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Workspace: WorkspaceConfig{
			DataDir:            dataDir,
			EventHistory:       256,
			SearchMaxFileBytes: 1 << 20,
			SearchWorkers:      8,
		},
		Simulate: SimulateConfig{
			TimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}
