// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Tidepool/cmd/tidepool/config"
	"github.com/AleutianAI/Tidepool/pkg/logging"
	"github.com/AleutianAI/Tidepool/services/workspace"
	"github.com/AleutianAI/Tidepool/services/workspace/telemetry"
)

const shutdownGrace = 10 * time.Second

// runServe starts the workspace API server and blocks until a signal
// or a lost workspace lock shuts it down.
func runServe(cmd *cobra.Command, args []string) {
	cfg := config.Global
	applyServeFlags(&cfg)

	logger := buildLogger(cfg)
	defer logger.Close()
	logger.SetAsDefault()

	ctx := context.Background()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = workspace.ServiceVersion
	telCfg.TraceExporter = cfg.Telemetry.TraceExporter
	telCfg.MetricExporter = cfg.Telemetry.MetricExporter
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	svc, err := workspace.Open(ctx, serviceConfig(cfg, logger))
	if err != nil {
		logger.Error("Failed to open the workspace", "error", err)
		os.Exit(1)
	}

	meter := otel.Meter("tidepool")
	if metrics, err := telemetry.NewMetrics(meter); err != nil {
		logger.Warn("Failed to create metrics instruments", "error", err)
	} else {
		svc.SetMetrics(metrics)
		_, err := metrics.RegisterRevisionCount(meter, func() int64 {
			latest, err := svc.Latest(context.Background())
			if err != nil {
				return 0
			}
			return int64(latest)
		})
		if err != nil {
			logger.Warn("Failed to register the revision gauge", "error", err)
		}
	}

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if serveDebug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("tidepool"))
	if cfg.Server.PermissiveCORS {
		logger.Warn("Permissive CORS enabled; keep this listener off public networks")
		router.Use(permissiveCORS())
	}

	// Prometheus scrape endpoint, outside the /api surface.
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	api := router.Group("/api")
	workspace.RegisterRoutes(api, workspace.NewHandlers(svc))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	svc.OnLockLost(func() {
		logger.Error("Workspace lock lost, shutting down")
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	printBanner(cfg, svc)
	logger.Info("Tidepool server started",
		"address", addr,
		"data_dir", cfg.Workspace.DataDir)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
		}
	case sig := <-quit:
		logger.Info("Shutting down Tidepool server", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Forced server shutdown", "error", err)
		}
		cancel()
	}

	if err := svc.Close(); err != nil {
		logger.Warn("Workspace close reported an error", "error", err)
	}
}

// applyServeFlags overlays serve's command line flags onto cfg. Flags
// win over both the config file and the environment.
func applyServeFlags(cfg *config.TidepoolConfig) {
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if serveDataDir != "" {
		cfg.Workspace.DataDir = serveDataDir
	}
}

func buildLogger(cfg config.TidepoolConfig) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	if serveDebug {
		level = logging.LevelDebug
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		format = logging.FormatAuto
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  cfg.Logging.Dir,
		Service: "tidepool",
	})
}

// serviceConfig maps the file config onto the workspace service
// config, leaving service defaults in place for unset values.
func serviceConfig(cfg config.TidepoolConfig, logger *logging.Logger) workspace.ServiceConfig {
	svcCfg := workspace.DefaultServiceConfig()
	svcCfg.DataDir = cfg.Workspace.DataDir
	if cfg.Workspace.EventHistory > 0 {
		svcCfg.EventHistory = cfg.Workspace.EventHistory
	}
	if cfg.Workspace.SearchMaxFileBytes > 0 {
		svcCfg.Search.MaxFileBytes = cfg.Workspace.SearchMaxFileBytes
	}
	if cfg.Workspace.SearchWorkers > 0 {
		svcCfg.Search.Workers = cfg.Workspace.SearchWorkers
	}
	svcCfg.SimulateURL = cfg.Simulate.URL
	if cfg.Simulate.TimeoutSeconds > 0 {
		svcCfg.SimulateTimeout = time.Duration(cfg.Simulate.TimeoutSeconds) * time.Second
	}
	svcCfg.ReplicateBucket = cfg.Replicate.Bucket
	svcCfg.ReplicatePrefix = cfg.Replicate.Prefix
	svcCfg.ReplicateCredentials = cfg.Replicate.CredentialsFile
	svcCfg.AuditURL = cfg.Audit.URL
	svcCfg.AuditToken = cfg.Audit.Token
	svcCfg.AuditOrg = cfg.Audit.Org
	svcCfg.AuditBucket = cfg.Audit.Bucket
	svcCfg.Logger = logger.Slog()
	return svcCfg
}

// permissiveCORS answers preflight requests and stamps wide-open CORS
// headers on every response.
func permissiveCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func printBanner(cfg config.TidepoolConfig, svc *workspace.Service) {
	owner := svc.Owner()
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                         TIDEPOOL SERVER                           ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Revision-scoped file store for decision-graph workspaces.        ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://%s:%d/api/health                       │  ║
║  │                                                             │  ║
║  │ # Write into the head revision                              │  ║
║  │ curl -X POST http://%s:%d/api/fs/write \           │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"path": "1/notes.md", "content": "hello"}'           │  ║
║  │                                                             │  ║
║  │ # Seal the head into an immutable revision                  │  ║
║  │ curl -X POST http://%s:%d/api/fs/snapshot          │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Revisions: GET /api/revisions, POST /api/revisions (import) ║
║  ├── Files: /api/fs/{list,read,write,mkdir,rename,delete}        ║
║  ├── Search: GET /api/fs/search   Events: WS /api/fs/events      ║
║  └── Seal: POST /api/fs/snapshot   Relay: POST /api/simulate     ║
║                                                                   ║
║  Workspace: %-53s ║
║  Owner PID: %-53d ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner,
		cfg.Server.Host, cfg.Server.Port,
		cfg.Server.Host, cfg.Server.Port,
		cfg.Server.Host, cfg.Server.Port,
		cfg.Workspace.DataDir, owner.PID)
}
