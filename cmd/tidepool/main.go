// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tidepool runs the revision-scoped workspace server.
//
// Tidepool stores a decision-graph workspace as a live head tree plus
// immutable sealed revisions, served over HTTP:
//   - Revision-addressed file operations (read, write, list, search)
//   - Snapshot sealing and zip import
//   - A WebSocket mutation feed for editor frontends
//
// Usage:
//
//	tidepool serve
//	tidepool serve --port 9090 --data-dir /srv/tidepool
//	tidepool status
//	tidepool snapshot
//	tidepool revisions
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/api/health
//
//	# Write a file into the head revision
//	curl -X POST http://localhost:8080/api/fs/write \
//	  -H "Content-Type: application/json" \
//	  -d '{"path": "1/notes/plan.md", "content": "hello"}'
//
//	# Seal the head
//	curl -X POST http://localhost:8080/api/fs/snapshot
package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/cmd/tidepool/config"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.Load(); err != nil {
			log.Fatalf("Error loading the config: %v", err)
		}
	}
}
