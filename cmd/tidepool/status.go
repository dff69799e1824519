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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Tidepool/cmd/tidepool/config"
	"github.com/AleutianAI/Tidepool/services/workspace"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	sealedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
)

// serverAddr resolves the target server from the --addr flag or the
// configured host and port.
func serverAddr() string {
	if statusAddr != "" {
		return statusAddr
	}
	return fmt.Sprintf("http://%s:%d", config.Global.Server.Host, config.Global.Server.Port)
}

// fetchJSON gets one endpoint and decodes the response body into v.
func fetchJSON(url string, v any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("could not reach the server at %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s with status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("could not decode the response from %s: %w", url, err)
	}
	return nil
}

// postJSON posts an empty JSON body to one endpoint and decodes the
// response body into v.
func postJSON(url string, v any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("could not reach the server at %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s with status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("could not decode the response from %s: %w", url, err)
	}
	return nil
}

// runStatus prints health and readiness of a running server.
func runStatus(cmd *cobra.Command, args []string) {
	addr := serverAddr()

	var health workspace.HealthResponse
	if err := fetchJSON(addr+"/api/health", &health); err != nil {
		fmt.Println(badStyle.Render("✗ " + err.Error()))
		os.Exit(1)
	}

	var ready workspace.ReadyResponse
	readyErr := fetchJSON(addr+"/api/ready", &ready)

	fmt.Println(titleStyle.Render("Tidepool Server Status"))
	fmt.Printf("  %s %s\n", mutedStyle.Render("Address:"), addr)
	fmt.Printf("  %s %s (%s %s)\n",
		mutedStyle.Render("Service:"), health.Service,
		mutedStyle.Render("version"), health.Version)

	if readyErr != nil || !ready.Ready {
		fmt.Printf("  %s %s\n", mutedStyle.Render("Ready:  "), badStyle.Render("no"))
		os.Exit(1)
	}
	fmt.Printf("  %s %s\n", mutedStyle.Render("Ready:  "), okStyle.Render("yes"))
	fmt.Printf("  %s %d (head at revision %d)\n",
		mutedStyle.Render("Revisions:"), ready.Revisions, ready.Latest)
}

// runRevisions lists the revisions of a running server, newest first.
func runRevisions(cmd *cobra.Command, args []string) {
	addr := serverAddr()

	var revs workspace.RevisionsResponse
	if err := fetchJSON(addr+"/api/revisions", &revs); err != nil {
		fmt.Println(badStyle.Render("✗ " + err.Error()))
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("Revisions"))
	for i := len(revs.List) - 1; i >= 0; i-- {
		id := revs.List[i]
		fmt.Printf("  %s\n", renderRevision(id, revs.Latest))
	}
}

func renderRevision(id, latest revision.ID) string {
	if id == latest {
		return fmt.Sprintf("%6d  %s", id, okStyle.Render("[head, writable]"))
	}
	return fmt.Sprintf("%6d  %s", id, sealedStyle.Render("[sealed]"))
}

// runSnapshot asks a running server to seal its head into a new revision.
func runSnapshot(cmd *cobra.Command, args []string) {
	addr := serverAddr()

	var sealed workspace.RevisionResponse
	if err := postJSON(addr+"/api/fs/snapshot", &sealed); err != nil {
		fmt.Println(badStyle.Render("✗ " + err.Error()))
		os.Exit(1)
	}

	fmt.Printf("%s %s\n",
		okStyle.Render("Sealed revision"),
		titleStyle.Render(fmt.Sprintf("%d", sealed.ID)))
	fmt.Printf("  %s\n", mutedStyle.Render("The head keeps writing at this id until the next seal."))
}
