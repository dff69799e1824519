// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace assembles the revision-scoped file store behind the
// Tidepool HTTP surface.
//
// The service owns the mutable head tree, the sealed archive set, the
// catalog, and the mutation event feed, and exposes the operations the
// decision-graph workspace calls:
//   - Listing, reading, and searching any addressable revision
//   - Mutating the head (write, mkdir, rename, delete)
//   - Sealing the head into a new immutable revision (snapshot, import)
//   - Relaying simulation requests to the configured rules engine
//
// Exactly one process owns a workspace directory at a time; Open takes
// the guard lock and Close releases it.
package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/Tidepool/services/workspace/archive"
	"github.com/AleutianAI/Tidepool/services/workspace/catalog"
	"github.com/AleutianAI/Tidepool/services/workspace/events"
	"github.com/AleutianAI/Tidepool/services/workspace/fstree"
	"github.com/AleutianAI/Tidepool/services/workspace/guard"
	"github.com/AleutianAI/Tidepool/services/workspace/index"
	"github.com/AleutianAI/Tidepool/services/workspace/replicate"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
	"github.com/AleutianAI/Tidepool/services/workspace/revpath"
	"github.com/AleutianAI/Tidepool/services/workspace/search"
	"github.com/AleutianAI/Tidepool/services/workspace/simulate"
	"github.com/AleutianAI/Tidepool/services/workspace/snapshot"
	storage "github.com/AleutianAI/Tidepool/services/workspace/storage/badger"
	"github.com/AleutianAI/Tidepool/services/workspace/telemetry"
)

// ServiceConfig configures the workspace service.
type ServiceConfig struct {
	// DataDir is the workspace storage root. The head tree, sealed
	// archives, and catalog all live beneath it.
	// Default: ./data
	DataDir string

	// InMemoryCatalog runs the catalog on an in-memory store.
	// Useful for testing.
	InMemoryCatalog bool

	// Search bounds content-search effort.
	// Default: search.DefaultOptions()
	Search search.Options

	// EventHistory is the number of mutation events retained for
	// replay to new feed subscribers.
	// Default: 256
	EventHistory int

	// SimulateURL is the rules engine endpoint behind POST /simulate.
	// Empty disables the relay.
	SimulateURL string

	// SimulateTimeout bounds one simulation round trip.
	// Default: simulate.DefaultTimeout
	SimulateTimeout time.Duration

	// ReplicateBucket is a GCS bucket mirroring sealed archives.
	// Empty disables replication.
	ReplicateBucket string

	// ReplicatePrefix prefixes mirrored object names.
	ReplicatePrefix string

	// ReplicateCredentials is an optional service account key file.
	// Empty uses application default credentials.
	ReplicateCredentials string

	// AuditURL is an InfluxDB endpoint receiving the ops audit stream.
	// Empty disables the sink.
	AuditURL string

	// AuditToken authenticates the audit sink.
	AuditToken string

	// AuditOrg is the InfluxDB organization for the audit sink.
	AuditOrg string

	// AuditBucket is the InfluxDB bucket for the audit sink.
	AuditBucket string

	// Logger receives service logs. Default: slog.Default()
	Logger *slog.Logger

	// Version is recorded in the guard marker and reported by health.
	// Default: ServiceVersion
	Version string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DataDir:         "./data",
		Search:          search.DefaultOptions(),
		EventHistory:    256,
		SimulateTimeout: simulate.DefaultTimeout,
		Version:         ServiceVersion,
	}
}

// Service is the workspace service.
//
// # Thread Safety
//
// Safe for concurrent use. The head store serializes mutations; reads
// of sealed revisions never contend with head writes.
type Service struct {
	config ServiceConfig
	logger *slog.Logger

	guard  *guard.Guard
	db     *storage.DB
	cat    *catalog.Catalog
	head   *fstree.Store
	arch   *archive.Store
	tree   *index.Tree
	engine *snapshot.Engine
	feed   *events.Feed
	audit  *events.InfluxSink
	sim    *simulate.Client
	repl   *replicate.Replicator

	// metrics is wired once at startup via SetMetrics; nil records
	// nothing.
	metrics *telemetry.Metrics
}

// Open acquires the workspace at cfg.DataDir and readies it to serve.
//
// # Description
//
// Takes the single-owner guard lock, opens the catalog, head tree, and
// archive store, and runs crash recovery before anything is exposed.
// Optional collaborators (simulation relay, archive replication, audit
// sink) attach only when configured.
//
// # Outputs
//
//   - *Service: Ready to serve. Caller must Close.
//   - error: guard.ErrWorkspaceBusy when another process owns the
//     directory; otherwise the failing store's error.
func Open(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 256
	}
	if cfg.SimulateTimeout <= 0 {
		cfg.SimulateTimeout = simulate.DefaultTimeout
	}
	if cfg.Version == "" {
		cfg.Version = ServiceVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g, err := guard.Acquire(cfg.DataDir, cfg.Version, logger)
	if err != nil {
		return nil, err
	}

	// Everything past the guard must release it on failure.
	var db *storage.DB
	fail := func(err error) (*Service, error) {
		if db != nil {
			db.Close()
		}
		g.Release()
		return nil, err
	}

	dbCfg := storage.DefaultConfig()
	if cfg.InMemoryCatalog {
		dbCfg = storage.InMemoryConfig()
	}
	dbCfg.Path = filepath.Join(cfg.DataDir, "catalog")
	dbCfg.Logger = logger
	db, err = storage.OpenDB(dbCfg)
	if err != nil {
		return fail(fmt.Errorf("opening catalog store: %w", err))
	}
	cat := catalog.New(db)

	head, err := fstree.Open(filepath.Join(cfg.DataDir, "head"))
	if err != nil {
		return fail(fmt.Errorf("opening head tree: %w", err))
	}

	arch, err := archive.OpenStore(filepath.Join(cfg.DataDir, "archives"))
	if err != nil {
		return fail(fmt.Errorf("opening archive store: %w", err))
	}

	engine := snapshot.New(head, arch, cat, logger)
	if err := engine.Recover(ctx); err != nil {
		return fail(fmt.Errorf("recovering workspace: %w", err))
	}

	latest, err := cat.Latest(ctx)
	if err != nil {
		return fail(fmt.Errorf("reading catalog: %w", err))
	}

	var repl *replicate.Replicator
	if cfg.ReplicateBucket != "" {
		up, err := replicate.NewGCSUploader(ctx, cfg.ReplicateBucket,
			cfg.ReplicatePrefix, cfg.ReplicateCredentials)
		if err != nil {
			return fail(fmt.Errorf("connecting archive mirror: %w", err))
		}
		repl = replicate.NewReplicator(up, arch, logger)
	}

	svc := &Service{
		config: cfg,
		logger: logger,
		guard:  g,
		db:     db,
		cat:    cat,
		head:   head,
		arch:   arch,
		tree:   index.New(head, arch, cat),
		engine: engine,
		repl:   repl,
	}

	var sinks []events.Sink
	if cfg.AuditURL != "" {
		svc.audit = events.NewInfluxSink(cfg.AuditURL, cfg.AuditToken,
			cfg.AuditOrg, cfg.AuditBucket, logger)
		sinks = append(sinks, svc.audit)
	}
	svc.feed = events.NewFeed(cfg.EventHistory, sinks...)

	if cfg.SimulateURL != "" {
		svc.sim = simulate.NewClient(cfg.SimulateURL).WithTimeout(cfg.SimulateTimeout)
	}
	if repl != nil {
		repl.Start()
	}

	logger.Info("workspace opened",
		"data_dir", cfg.DataDir,
		"latest", int64(latest),
		"simulate", cfg.SimulateURL != "",
		"replicate", cfg.ReplicateBucket != "")
	return svc, nil
}

// Close releases every resource in reverse acquisition order. The
// guard lock goes last so no second process can open the workspace
// while stores are still shutting down.
func (s *Service) Close() error {
	if s.repl != nil {
		s.repl.Stop()
	}
	s.feed.Close()
	if s.audit != nil {
		s.audit.Close()
	}
	var first error
	if err := s.db.Close(); err != nil {
		first = fmt.Errorf("closing catalog store: %w", err)
	}
	if err := s.guard.Release(); err != nil && first == nil {
		first = fmt.Errorf("releasing workspace guard: %w", err)
	}
	return first
}

// SetMetrics wires instrument recording into the service. Call once
// before serving; a nil receiver set keeps recording disabled.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
	if m == nil {
		return
	}
	s.feed.OnDrop(func(n int) {
		m.EventsDroppedTotal.Add(context.Background(), int64(n))
	})
	if s.repl != nil {
		s.repl.OnResult(func(ok bool) {
			m.ReplicationsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("status", opStatus(ok))))
		})
	}
}

// OnLockLost registers fn to run if workspace ownership is lost out
// from under the process.
func (s *Service) OnLockLost(fn func()) {
	s.guard.OnLost(fn)
}

// Owner returns the guard marker contents for this process.
func (s *Service) Owner() guard.Owner {
	return s.guard.Owner()
}

// Feed exposes the mutation event feed for live subscribers.
func (s *Service) Feed() *events.Feed {
	return s.feed
}

// Latest returns the id the mutable head currently answers at.
func (s *Service) Latest(ctx context.Context) (revision.ID, error) {
	return s.tree.Latest(ctx)
}

// Revisions returns the full addressable range.
func (s *Service) Revisions(ctx context.Context) (RevisionsResponse, error) {
	latest, err := s.tree.Latest(ctx)
	if err != nil {
		return RevisionsResponse{}, err
	}
	list := make([]revision.ID, 0, int(latest))
	for id := revision.Origin; id <= latest; id++ {
		list = append(list, id)
	}
	return RevisionsResponse{Latest: latest, List: list}, nil
}

// Summaries returns the seal-time summary of every sealed revision,
// ascending.
func (s *Service) Summaries(ctx context.Context) ([]catalog.Summary, error) {
	return s.cat.Summaries(ctx)
}

// List returns the entries under a revision-scoped directory path.
func (s *Service) List(ctx context.Context, rawPath string) ([]revision.Entry, error) {
	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return nil, err
	}
	return s.tree.List(ctx, id, rel)
}

// Read returns one file with its content tagged for transport: UTF-8
// text travels as-is, anything else as base64.
func (s *Service) Read(ctx context.Context, rawPath string) (ReadResponse, error) {
	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return ReadResponse{}, err
	}
	data, err := s.tree.Read(ctx, id, rel)
	if err != nil {
		return ReadResponse{}, err
	}
	resp := ReadResponse{
		Path:        rawPath,
		ContentType: revision.ContentType(data),
	}
	if text, ok := revision.Classify(data); ok {
		resp.Content = text
		resp.Encoding = "utf-8"
	} else {
		resp.Content = base64.StdEncoding.EncodeToString(data)
		resp.Encoding = "base64"
	}
	return resp, nil
}

// RawFile returns one file's bytes and sniffed MIME type, for direct
// download.
func (s *Service) RawFile(ctx context.Context, rev, rawPath string) ([]byte, string, error) {
	id, ok := revision.ParseID(rev)
	if !ok {
		return nil, "", fmt.Errorf("%w: bad revision %q", revision.ErrInvalidPath, rev)
	}
	rel, err := revpath.Normalize(rawPath)
	if err != nil {
		return nil, "", err
	}
	data, err := s.tree.Read(ctx, id, rel)
	if err != nil {
		return nil, "", err
	}
	return data, revision.ContentType(data), nil
}

// Write replaces (or creates) one file in the head revision.
func (s *Service) Write(ctx context.Context, rawPath string, content []byte) (err error) {
	start := time.Now()
	defer func() { s.observeFileOp(ctx, "write", start, err) }()

	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return err
	}
	if err := s.gateMutable(ctx, id); err != nil {
		return err
	}
	if err := s.head.Write(rel, content); err != nil {
		return err
	}
	s.feed.Publish(events.OpWrite, id, rel, "")
	return nil
}

// Mkdir creates one directory (and missing parents) in the head
// revision.
func (s *Service) Mkdir(ctx context.Context, rawPath string) (err error) {
	start := time.Now()
	defer func() { s.observeFileOp(ctx, "mkdir", start, err) }()

	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return err
	}
	if err := s.gateMutable(ctx, id); err != nil {
		return err
	}
	if err := s.head.Mkdir(rel); err != nil {
		return err
	}
	s.feed.Publish(events.OpMkdir, id, rel, "")
	return nil
}

// Rename moves a file or directory within the head revision. Both
// paths must name the same revision.
func (s *Service) Rename(ctx context.Context, fromRaw, toRaw string) (err error) {
	start := time.Now()
	defer func() { s.observeFileOp(ctx, "rename", start, err) }()

	fromID, fromRel, err := revpath.Split(fromRaw)
	if err != nil {
		return err
	}
	toID, toRel, err := revpath.Split(toRaw)
	if err != nil {
		return err
	}
	if fromID != toID {
		return fmt.Errorf("%w: rename crosses revisions (%d to %d)",
			revision.ErrInvalidPath, fromID, toID)
	}
	if err := s.gateMutable(ctx, fromID); err != nil {
		return err
	}
	if err := s.head.Rename(fromRel, toRel); err != nil {
		return err
	}
	s.feed.Publish(events.OpRename, fromID, fromRel, toRel)
	return nil
}

// Delete removes a file or directory subtree from the head revision.
func (s *Service) Delete(ctx context.Context, rawPath string) (err error) {
	start := time.Now()
	defer func() { s.observeFileOp(ctx, "delete", start, err) }()

	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return err
	}
	if err := s.gateMutable(ctx, id); err != nil {
		return err
	}
	if err := s.head.Delete(rel); err != nil {
		return err
	}
	s.feed.Publish(events.OpDelete, id, rel, "")
	return nil
}

// Search scans a revision subtree for a case-insensitive substring,
// matching both names and text content.
func (s *Service) Search(ctx context.Context, rawPath, query string) (hits []revision.SearchHit, err error) {
	start := time.Now()
	defer func() { s.observeSearch(ctx, start, err) }()

	id, rel, err := revpath.Split(rawPath)
	if err != nil {
		return nil, err
	}
	view, err := s.tree.OpenView(ctx, id)
	if err != nil {
		return nil, err
	}
	defer view.Close()
	return search.Run(ctx, view, rel, query, s.config.Search)
}

// Snapshot seals the current head content as the next revision id.
func (s *Service) Snapshot(ctx context.Context) (id revision.ID, err error) {
	start := time.Now()
	defer func() { s.observeSeal(ctx, "snapshot", start, id, err) }()

	id, err = s.engine.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	s.feed.Publish(events.OpSnapshot, id, "", "")
	if s.repl != nil {
		s.repl.Enqueue(id)
	}
	return id, nil
}

// Import seals the current head and swaps the uploaded zip tree in as
// the new head content. Returns the sealed id, which the fresh head
// now answers at.
func (s *Service) Import(ctx context.Context, zipData []byte) (id revision.ID, err error) {
	start := time.Now()
	defer func() { s.observeSeal(ctx, "import", start, id, err) }()

	id, err = s.engine.Import(ctx, zipData)
	if err != nil {
		return 0, err
	}
	s.feed.Publish(events.OpImport, id, "", "")
	if s.repl != nil {
		s.repl.Enqueue(id)
	}
	return id, nil
}

// Simulate relays an opaque request to the configured rules engine and
// returns its response untouched.
func (s *Service) Simulate(ctx context.Context, contentType string, body []byte) (*simulate.Result, error) {
	if s.sim == nil {
		return nil, ErrSimulateNotConfigured
	}
	return s.sim.Run(ctx, contentType, body)
}

// gateMutable rejects mutations addressed to anything but the head.
func (s *Service) gateMutable(ctx context.Context, id revision.ID) error {
	isHead, err := s.tree.IsHead(ctx, id)
	if err != nil {
		return err
	}
	if !isHead {
		latest, lerr := s.tree.Latest(ctx)
		if lerr != nil {
			return lerr
		}
		return fmt.Errorf("%w: revision %d is sealed (head is %d)",
			revision.ErrImmutableRevision, id, latest)
	}
	return nil
}

func (s *Service) observeFileOp(ctx context.Context, op string, start time.Time, err error) {
	m := s.metrics
	if m == nil {
		return
	}
	set := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", opStatus(err == nil)),
	)
	m.FileOpsTotal.Add(ctx, 1, set)
	m.FileOpDuration.Record(ctx, time.Since(start).Seconds(), set)
}

func (s *Service) observeSearch(ctx context.Context, start time.Time, err error) {
	m := s.metrics
	if m == nil {
		return
	}
	set := metric.WithAttributes(attribute.String("status", opStatus(err == nil)))
	m.SearchesTotal.Add(ctx, 1, set)
	m.SearchDuration.Record(ctx, time.Since(start).Seconds(), set)
}

func (s *Service) observeSeal(ctx context.Context, op string, start time.Time, id revision.ID, err error) {
	m := s.metrics
	if m == nil {
		return
	}
	set := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", opStatus(err == nil)),
	)
	m.SnapshotsTotal.Add(ctx, 1, set)
	m.SnapshotDuration.Record(ctx, time.Since(start).Seconds(), set)
	if err == nil {
		if sum, serr := s.cat.Summary(ctx, id); serr == nil {
			m.SnapshotBytes.Record(ctx, sum.Bytes,
				metric.WithAttributes(attribute.String("op", op)))
		}
	}
}

func opStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
