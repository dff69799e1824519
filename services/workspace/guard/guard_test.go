// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	g, err := Acquire(dir, "1.2.3", nil)
	require.NoError(t, err)
	defer g.Release()

	assert.Equal(t, os.Getpid(), g.Owner().PID)
	assert.Equal(t, "1.2.3", g.Owner().Version)

	raw, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	var o Owner
	require.NoError(t, json.Unmarshal(raw, &o))
	assert.Equal(t, os.Getpid(), o.PID)
	assert.Greater(t, o.Started, int64(0))
}

func TestSecondAcquireRefused(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir, "dev", nil)
	require.NoError(t, err)
	defer g.Release()

	_, err = Acquire(dir, "dev", nil)
	assert.ErrorIs(t, err, ErrWorkspaceBusy)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir, "dev", nil)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.NoError(t, g.Release()) // Idempotent.

	_, statErr := os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(statErr))

	g2, err := Acquire(dir, "dev", nil)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestStaleMarkerTakenOver(t *testing.T) {
	dir := t.TempDir()

	// A marker from a dead process holds no advisory lock.
	stale := Owner{PID: 1 << 30, Hostname: "gone", Started: time.Now().Unix()}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), raw, 0o640))

	g, err := Acquire(dir, "dev", nil)
	require.NoError(t, err)
	defer g.Release()
	assert.Equal(t, os.Getpid(), g.Owner().PID)
}

func TestOnLostFires(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir, "dev", nil)
	require.NoError(t, err)
	defer g.Release()

	var fired atomic.Bool
	g.OnLost(func() { fired.Store(true) })

	require.NoError(t, os.Remove(filepath.Join(dir, LockFileName)))

	assert.Eventually(t, fired.Load, 2*time.Second, 10*time.Millisecond,
		"marker removal not observed")
}
