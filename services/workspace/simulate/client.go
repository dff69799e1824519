// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulate relays decision-graph simulation requests to the
// companion engine.
//
// The workspace treats simulation payloads as opaque: requests forward
// byte for byte and responses relay byte for byte, status included.
// Only transport failures are translated, so callers can distinguish
// "engine said no" from "engine unreachable".
package simulate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the default timeout for simulation requests.
const DefaultTimeout = 60 * time.Second

// ErrUnavailable reports a simulation engine that cannot be reached.
var ErrUnavailable = errors.New("simulation engine unavailable")

// maxResponseBytes caps relayed response bodies.
const maxResponseBytes = 32 << 20

// Client wraps calls to the simulation engine.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// Result is the engine's relayed answer.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// NewClient creates a client for the engine at endpoint.
//
// # Inputs
//
//   - endpoint: Full URL of the engine's run endpoint
//     (e.g., "http://localhost:9400/run").
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		timeout: DefaultTimeout,
	}
}

// WithTimeout sets a custom timeout for simulation requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	c.httpClient.Timeout = timeout
	return c
}

// Endpoint returns the configured engine URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Run forwards one opaque simulation request.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - contentType: Forwarded request content type; empty defaults to
//     application/json.
//   - body: Opaque request payload.
//
// # Outputs
//
//   - *Result: The engine's status, content type and body, relayed
//     verbatim, whatever the status was.
//   - error: ErrUnavailable when the engine cannot be reached or times
//     out.
func (c *Client) Run(ctx context.Context, contentType string, body []byte) (*Result, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building simulation request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	relayed, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	return &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        relayed,
	}, nil
}
