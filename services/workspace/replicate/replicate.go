// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replicate mirrors sealed archives into object storage.
//
// Replication is best effort and fully asynchronous: a seal enqueues
// its id, a single worker uploads with retries, and the local archive
// store stays the source of truth whether or not the mirror keeps up.
package replicate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/Tidepool/services/workspace/archive"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// Uploader pushes one local file to the mirror.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) error
}

// GCSUploader implements Uploader against a Google Cloud Storage
// bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSUploader connects to a bucket.
//
// # Inputs
//
//   - bucket: Destination bucket name.
//   - prefix: Object name prefix inside the bucket, may be empty.
//   - credentialsFile: Service account key path; empty uses ambient
//     credentials.
func NewGCSUploader(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSUploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix}, nil
}

// Upload streams one local file into the bucket.
func (u *GCSUploader) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file %s: %w", localPath, err)
	}
	defer f.Close()

	obj := u.client.Bucket(u.bucket).Object(path.Join(u.prefix, objectName))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/zip"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, f); err != nil {
		writer.Close()
		return fmt.Errorf("failed to copy %s to GCS object %s: %w", localPath, objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", objectName, err)
	}
	return nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

const (
	queueDepth     = 128
	uploadAttempts = 3
	uploadTimeout  = 2 * time.Minute
	retryBackoff   = 5 * time.Second
)

// Replicator is the async mirror worker.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Replicator struct {
	uploader Uploader
	arch     *archive.Store
	log      *slog.Logger
	queue    chan revision.ID
	stopCh   chan struct{}
	doneCh   chan struct{}
	onResult func(ok bool)
}

// NewReplicator builds a Replicator. Not started until Start.
func NewReplicator(uploader Uploader, arch *archive.Store, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Replicator{
		uploader: uploader,
		arch:     arch,
		log:      logger,
		queue:    make(chan revision.ID, queueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnResult registers fn to run after each mirror settles, true on
// upload and false on give-up. Call before Start.
func (r *Replicator) OnResult(fn func(ok bool)) {
	r.onResult = fn
}

// Start begins the upload worker.
func (r *Replicator) Start() {
	go r.run()
}

// Stop halts the worker and waits for it to finish the upload in
// flight. Queued ids beyond that are dropped; Resync picks them up on
// the next start.
func (r *Replicator) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Enqueue schedules one sealed id for mirroring. Never blocks; when
// the queue is full the id is dropped and left to a later Resync.
func (r *Replicator) Enqueue(id revision.ID) {
	select {
	case r.queue <- id:
	default:
		r.log.Warn("replication queue full, dropping",
			slog.Int64("revision", int64(id)))
	}
}

// Resync enqueues every locally sealed archive.
func (r *Replicator) Resync() error {
	ids, err := r.arch.Sealed()
	if err != nil {
		return fmt.Errorf("listing archives for resync: %w", err)
	}
	for _, id := range ids {
		r.Enqueue(id)
	}
	r.log.Info("replication resync queued", slog.Int("count", len(ids)))
	return nil
}

func (r *Replicator) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case id := <-r.queue:
			r.mirror(id)
		}
	}
}

// mirror uploads one archive with bounded retries.
func (r *Replicator) mirror(id revision.ID) {
	name := archive.Name(id)
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		err := r.uploader.Upload(ctx, r.arch.Path(id), name)
		cancel()
		if err == nil {
			r.log.Info("archive mirrored",
				slog.Int64("revision", int64(id)),
				slog.Int("attempt", attempt))
			r.report(true)
			return
		}
		r.log.Warn("archive mirror attempt failed",
			slog.Int64("revision", int64(id)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < uploadAttempts {
			select {
			case <-r.stopCh:
				return
			case <-time.After(retryBackoff):
			}
		}
	}
	r.log.Error("archive mirror gave up",
		slog.Int64("revision", int64(id)))
	r.report(false)
}

func (r *Replicator) report(ok bool) {
	if r.onResult != nil {
		r.onResult(ok)
	}
}
