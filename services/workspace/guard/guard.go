// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard grants one process exclusive ownership of a data
// directory.
//
// Ownership rides on an advisory lock over a marker file, so it
// evaporates with the process; the marker's JSON body only serves
// diagnostics when a second process is turned away. A watcher keeps an
// eye on the marker afterwards and raises the alarm if something
// external deletes or replaces it.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LockFileName is the ownership marker inside the data directory.
const LockFileName = ".tidepool.lock"

// ErrWorkspaceBusy reports a data directory already owned by a live
// process.
var ErrWorkspaceBusy = errors.New("workspace locked by another process")

// Owner describes the process holding the guard, for diagnostics.
type Owner struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Started  int64  `json:"started"`
}

// Guard is held ownership of one data directory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Guard struct {
	path    string
	file    *os.File
	locker  Locker
	watcher *fsnotify.Watcher
	log     *slog.Logger
	owner   Owner

	mu     sync.Mutex
	onLost []func()
	closed bool
}

// Acquire takes exclusive ownership of dataDir.
//
// # Description
//
// Non-blocking: a directory owned by a live process returns
// ErrWorkspaceBusy at once, with the holder described in the error.
// A marker left behind by a dead process carries no advisory lock, so
// it is simply taken over.
//
// # Inputs
//
//   - dataDir: The directory to own. Created when absent.
//   - version: Recorded in the marker for diagnostics.
//   - logger: May be nil for silent operation.
//
// # Outputs
//
//   - *Guard: Held ownership. Caller must Release.
//   - error: ErrWorkspaceBusy when a live process owns the directory.
func Acquire(dataDir, version string, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening guard marker %s: %w", path, err)
	}

	locker := newPlatformLocker()
	if err := locker.Lock(f); err != nil {
		holder := readOwner(path)
		f.Close()
		if errors.Is(err, errLockHeld) {
			if holder != nil {
				return nil, fmt.Errorf("%w: pid %d on %s since %s",
					ErrWorkspaceBusy, holder.PID, holder.Hostname,
					time.Unix(holder.Started, 0).Format(time.RFC3339))
			}
			return nil, ErrWorkspaceBusy
		}
		return nil, fmt.Errorf("locking guard marker: %w", err)
	}

	if prev := readOwner(path); prev != nil && !isProcessAlive(prev.PID) {
		logger.Warn("taking over guard from dead process",
			slog.Int("old_pid", prev.PID))
	}

	hostname, _ := os.Hostname()
	owner := Owner{
		PID:      os.Getpid(),
		Hostname: hostname,
		Version:  version,
		Started:  time.Now().Unix(),
	}
	if err := writeOwner(f, owner); err != nil {
		locker.Unlock(f)
		f.Close()
		return nil, err
	}

	g := &Guard{
		path:   path,
		file:   f,
		locker: locker,
		log:    logger,
		owner:  owner,
	}
	if err := g.watch(); err != nil {
		logger.Warn("guard marker watch unavailable",
			slog.String("error", err.Error()))
	}

	logger.Info("workspace guard acquired",
		slog.String("path", path),
		slog.Int("pid", owner.PID))
	return g, nil
}

// Owner returns the recorded ownership details.
func (g *Guard) Owner() Owner {
	return g.owner
}

// OnLost registers a callback invoked when the marker is removed or
// replaced behind the guard's back.
func (g *Guard) OnLost(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLost = append(g.onLost, fn)
}

// Release gives up ownership and removes the marker.
func (g *Guard) Release() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.watcher != nil {
		g.watcher.Close()
	}
	if err := g.locker.Unlock(g.file); err != nil {
		g.log.Warn("guard unlock failed", slog.String("error", err.Error()))
	}
	if err := g.file.Close(); err != nil {
		return fmt.Errorf("closing guard marker: %w", err)
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing guard marker: %w", err)
	}
	g.log.Info("workspace guard released", slog.String("path", g.path))
	return nil
}

// watch raises onLost when the marker vanishes externally.
func (g *Guard) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(g.path); err != nil {
		watcher.Close()
		return err
	}
	g.watcher = watcher
	go g.watchLoop()
	return nil
}

func (g *Guard) watchLoop() {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			g.mu.Lock()
			closed := g.closed
			callbacks := g.onLost
			g.mu.Unlock()
			if closed {
				return
			}
			g.log.Error("workspace guard marker removed externally",
				slog.String("path", g.path))
			for _, fn := range callbacks {
				fn()
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Warn("guard watcher error", slog.String("error", err.Error()))
		}
	}
}

func readOwner(path string) *Owner {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil
	}
	return &o
}

func writeOwner(f *os.File, o Owner) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding guard owner: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating guard marker: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing guard owner: %w", err)
	}
	return f.Sync()
}
