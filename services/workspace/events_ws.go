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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// HandleEvents handles GET /api/fs/events.
//
// Description:
//
//	Upgrades to a WebSocket and streams mutation events as JSON. The
//	buffered recent window replays first, then live delivery; a client
//	that stops reading is dropped rather than stalling the feed.
//
// Response:
//
//	101 Switching Protocols, then a stream of events.Event
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEvents")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	ch, replay, cancel := h.svc.Feed().Subscribe()
	defer cancel()
	logger.Info("Event stream client connected", "replay", len(replay))

	for _, e := range replay {
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(e); err != nil {
			logger.Info("Event stream client disconnected", "error", err.Error())
			return
		}
	}

	// Read pump: the client sends nothing meaningful, but reading is
	// what surfaces its close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				logger.Info("Event feed closed, ending stream")
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(e); err != nil {
				logger.Info("Event stream client disconnected", "error", err.Error())
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Info("Event stream ping failed", "error", err.Error())
				return
			}
		case <-done:
			logger.Info("Event stream client closed connection")
			return
		}
	}
}
