// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all workspace endpoints on the given router
// group.
//
// Revision Endpoints:
//
//	GET  /revisions - Latest id and addressable list
//	POST /revisions - Import a zip tree as the new head
//	GET  /revisions/file - Raw file download
//
// File System Endpoints:
//
//	GET  /fs/list - List a directory
//	GET  /fs/read - Read one file
//	GET  /fs/search - Substring search over a subtree
//	GET  /fs/events - WebSocket mutation feed
//	POST /fs/write - Write one file
//	POST /fs/save - Alias of /fs/write
//	POST /fs/mkdir - Create a directory
//	POST /fs/rename - Move a file or directory
//	POST /fs/delete - Remove a file or directory
//	POST /fs/snapshot - Seal the head as a new revision
//
// Simulation Endpoints:
//
//	POST /simulate - Relay to the configured rules engine
//
// Health Endpoints:
//
//	GET  /health - Health check
//	GET  /ready - Readiness check
//
// Example:
//
//	svc, err := workspace.Open(ctx, workspace.DefaultServiceConfig())
//	handlers := workspace.NewHandlers(svc)
//
//	api := router.Group("/api")
//	workspace.RegisterRoutes(api, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/health", handlers.HandleHealth)
	rg.GET("/ready", handlers.HandleReady)

	revisions := rg.Group("/revisions")
	{
		revisions.GET("", handlers.HandleRevisions)
		revisions.POST("", handlers.HandleImport)
		revisions.GET("/file", handlers.HandleRevisionFile)
	}

	fs := rg.Group("/fs")
	{
		fs.GET("/list", handlers.HandleList)
		fs.GET("/read", handlers.HandleRead)
		fs.GET("/search", handlers.HandleSearch)
		fs.GET("/events", handlers.HandleEvents)

		fs.POST("/write", handlers.HandleWrite)
		// Older workspace builds post to /save; kept as an alias.
		fs.POST("/save", handlers.HandleWrite)
		fs.POST("/mkdir", handlers.HandleMkdir)
		fs.POST("/rename", handlers.HandleRename)
		fs.POST("/delete", handlers.HandleDelete)
		fs.POST("/snapshot", handlers.HandleSnapshot)
	}

	rg.POST("/simulate", handlers.HandleSimulate)
}
