// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const (
	auditMeasurement = "workspace_activity"
	auditTimeout     = 5 * time.Second
)

// InfluxSink streams workspace events into an InfluxDB bucket as an
// off-process audit trail.
//
// # Thread Safety
//
// Safe for concurrent use; WriteAPIBlocking serializes internally.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	log    *slog.Logger
}

// NewInfluxSink connects the sink to a bucket.
//
// # Inputs
//
//   - url: InfluxDB base URL, e.g. http://localhost:8086.
//   - token: API token.
//   - org, bucket: Write destination.
//   - logger: For write failures; may be nil.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		log:    orDiscard(logger),
	}
}

// NewInfluxSinkWithAPI wires a prebuilt write API, for tests.
func NewInfluxSinkWithAPI(write api.WriteAPIBlocking, logger *slog.Logger) *InfluxSink {
	return &InfluxSink{write: write, log: orDiscard(logger)}
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// Record writes one event as an audit point. Failures are logged and
// swallowed; audit never blocks the workspace.
func (s *InfluxSink) Record(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	p := influxdb2.NewPoint(
		auditMeasurement,
		map[string]string{
			"op": string(e.Op),
		},
		map[string]interface{}{
			"seq":      int64(e.Seq),
			"revision": int64(e.Revision),
			"path":     e.Path,
			"to":       e.To,
		},
		time.UnixMilli(e.At),
	)
	if err := s.write.WritePoint(ctx, p); err != nil {
		s.log.Warn("audit point write failed",
			slog.Uint64("seq", e.Seq),
			slog.String("error", err.Error()))
	}
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
