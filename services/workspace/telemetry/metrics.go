// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the workspace service.
//
// Description:
//
//	Provides standard counters and histograms for file operations,
//	snapshots, searches, and the event feed. All metrics use the
//	"workspace_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- File Operation Metrics ---

	// FileOpsTotal counts file operations by op and status.
	FileOpsTotal metric.Int64Counter

	// FileOpDuration records file operation duration in seconds.
	FileOpDuration metric.Float64Histogram

	// --- Snapshot Metrics ---

	// SnapshotsTotal counts snapshot operations by status.
	SnapshotsTotal metric.Int64Counter

	// SnapshotDuration records snapshot duration in seconds.
	SnapshotDuration metric.Float64Histogram

	// SnapshotBytes records bytes sealed per snapshot.
	SnapshotBytes metric.Int64Histogram

	// --- Search Metrics ---

	// SearchesTotal counts search requests.
	SearchesTotal metric.Int64Counter

	// SearchDuration records search duration in seconds.
	SearchDuration metric.Float64Histogram

	// --- Event Feed Metrics ---

	// EventsDroppedTotal counts events dropped by slow subscribers.
	EventsDroppedTotal metric.Int64Counter

	// --- Replication Metrics ---

	// ReplicationsTotal counts archive mirror attempts by status.
	ReplicationsTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by code.
	ErrorsTotal metric.Int64Counter

	// RevisionCount reports the latest revision id as a gauge.
	RevisionCount metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("workspace")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.FileOpsTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- File Operation Metrics ---
	m.FileOpsTotal, err = meter.Int64Counter(
		"workspace_fs_ops_total",
		metric.WithDescription("Total file operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fs_ops_total: %w", err)
	}

	m.FileOpDuration, err = meter.Float64Histogram(
		"workspace_fs_op_duration_seconds",
		metric.WithDescription("File operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create fs_op_duration: %w", err)
	}

	// --- Snapshot Metrics ---
	m.SnapshotsTotal, err = meter.Int64Counter(
		"workspace_snapshots_total",
		metric.WithDescription("Total snapshot operations"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshots_total: %w", err)
	}

	m.SnapshotDuration, err = meter.Float64Histogram(
		"workspace_snapshot_duration_seconds",
		metric.WithDescription("Snapshot duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot_duration: %w", err)
	}

	m.SnapshotBytes, err = meter.Int64Histogram(
		"workspace_snapshot_bytes",
		metric.WithDescription("Bytes sealed per snapshot"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot_bytes: %w", err)
	}

	// --- Search Metrics ---
	m.SearchesTotal, err = meter.Int64Counter(
		"workspace_searches_total",
		metric.WithDescription("Total search requests"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create searches_total: %w", err)
	}

	m.SearchDuration, err = meter.Float64Histogram(
		"workspace_search_duration_seconds",
		metric.WithDescription("Search duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("create search_duration: %w", err)
	}

	// --- Event Feed Metrics ---
	m.EventsDroppedTotal, err = meter.Int64Counter(
		"workspace_events_dropped_total",
		metric.WithDescription("Events dropped by slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_dropped_total: %w", err)
	}

	// --- Replication Metrics ---
	m.ReplicationsTotal, err = meter.Int64Counter(
		"workspace_replications_total",
		metric.WithDescription("Archive mirror attempts"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create replications_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"workspace_errors_total",
		metric.WithDescription("Total errors by code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterRevisionCount registers a callback for the revision count gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the latest revision id.
//	The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	latestFunc - A function that returns the current latest revision id.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterRevisionCount(meter metric.Meter, latestFunc func() int64) (metric.Registration, error) {
	var err error
	m.RevisionCount, err = meter.Int64ObservableGauge(
		"workspace_revisions",
		metric.WithDescription("Latest revision id"),
		metric.WithUnit("{revision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create workspace_revisions: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.RevisionCount, latestFunc())
		return nil
	}, m.RevisionCount)
}
