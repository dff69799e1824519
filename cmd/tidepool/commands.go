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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/services/workspace"
)

// --- Global Command Variables ---
var (
	servePort    int
	serveHost    string
	serveDataDir string
	serveDebug   bool
	statusAddr   string

	rootCmd = &cobra.Command{
		Use:     "tidepool",
		Short:   "A revision-scoped file store for decision-graph workspaces",
		Version: workspace.ServiceVersion,
		Long: `Tidepool serves a workspace as a live head revision plus
				immutable sealed revisions, with snapshot, import, search,
				and a live mutation feed over one HTTP surface.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the workspace API server",
		Run:   runServe, // Defined in serve.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show readiness and revision state of a running server",
		Run:   runStatus, // Defined in status.go
	}

	revisionsCmd = &cobra.Command{
		Use:   "revisions",
		Short: "List the revisions held by a running server",
		Run:   runRevisions, // Defined in status.go
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Seal the head of a running server into a new revision",
		Run:   runSnapshot, // Defined in status.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides the config file)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides the config file)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Workspace data directory (overrides the config file)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug mode (verbose gin and debug logs)")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address, e.g. http://localhost:8080 (defaults to the configured host and port)")

	rootCmd.AddCommand(revisionsCmd)
	revisionsCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address, e.g. http://localhost:8080 (defaults to the configured host and port)")

	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address, e.g. http://localhost:8080 (defaults to the configured host and port)")
}
