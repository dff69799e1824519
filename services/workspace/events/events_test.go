// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingWrap(t *testing.T) {
	r := NewRing[int](3)
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Slice())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Slice())

	r.Push(3)
	r.Push(4) // overwrites 1
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{2, 3, 4}, r.Slice())
	assert.Equal(t, []int{4, 3}, r.Last(2))
	assert.Equal(t, []int{4, 3, 2}, r.Last(10))
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing[string](0)
	assert.Equal(t, 256, r.Cap())
}

func TestFeedSequencing(t *testing.T) {
	f := NewFeed(16)
	defer f.Close()

	e1 := f.Publish(OpWrite, 1, "a.txt", "")
	e2 := f.Publish(OpRename, 1, "a.txt", "b.txt")

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, "b.txt", e2.To)
	assert.Greater(t, e1.At, int64(0))
	assert.Equal(t, uint64(2), f.Seq())
}

func TestFeedSubscribeReplayAndLive(t *testing.T) {
	f := NewFeed(16)
	defer f.Close()

	f.Publish(OpWrite, 1, "before.txt", "")

	ch, replay, cancel := f.Subscribe()
	defer cancel()
	require.Len(t, replay, 1)
	assert.Equal(t, "before.txt", replay[0].Path)

	f.Publish(OpDelete, 1, "after.txt", "")
	select {
	case e := <-ch:
		assert.Equal(t, OpDelete, e.Op)
		assert.Equal(t, "after.txt", e.Path)
	case <-time.After(time.Second):
		t.Fatal("no live delivery")
	}
}

func TestFeedCancelStopsDelivery(t *testing.T) {
	f := NewFeed(16)
	defer f.Close()

	ch, _, cancel := f.Subscribe()
	cancel()
	cancel() // Idempotent.

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	f.Publish(OpWrite, 1, "x.txt", "")
}

func TestFeedSlowSubscriberDropsNotBlocks(t *testing.T) {
	f := NewFeed(512)
	defer f.Close()

	ch, _, cancel := f.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subBuffer*2; i++ {
			f.Publish(OpWrite, 1, "spam.txt", "")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.LessOrEqual(t, len(ch), subBuffer)
}

func TestFeedOnDropCountsLostEvents(t *testing.T) {
	f := NewFeed(512)
	defer f.Close()

	dropped := 0
	f.OnDrop(func(n int) { dropped += n })

	// A subscriber that never reads fills its buffer, then loses events.
	_, _, cancel := f.Subscribe()
	defer cancel()

	for i := 0; i < subBuffer+8; i++ {
		f.Publish(OpWrite, 1, "spam.txt", "")
	}

	assert.Equal(t, 8, dropped)
}

func TestFeedClose(t *testing.T) {
	f := NewFeed(16)
	ch, _, _ := f.Subscribe()

	f.Close()
	f.Close() // Idempotent.

	_, open := <-ch
	assert.False(t, open)

	e := f.Publish(OpWrite, 1, "x.txt", "")
	assert.Zero(t, e.Seq)

	// Subscribing after close yields a closed channel.
	ch2, replay, cancel := f.Subscribe()
	defer cancel()
	assert.Nil(t, replay)
	_, open = <-ch2
	assert.False(t, open)
}

// mockWriteAPI captures audit points, in place of a live InfluxDB.
type mockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, point...)
	return nil
}

func (m *mockWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return nil }

func (m *mockWriteAPI) EnableBatching() {}

func (m *mockWriteAPI) Flush(ctx context.Context) error { return nil }

func (m *mockWriteAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func TestInfluxSinkRecordsPoint(t *testing.T) {
	mock := &mockWriteAPI{}
	sink := NewInfluxSinkWithAPI(mock, nil)

	sink.Record(context.Background(), Event{
		Seq: 7, Op: OpSnapshot, Revision: 3, At: time.Now().UnixMilli(),
	})

	require.Equal(t, 1, mock.count())
}

func TestFeedDeliversToSink(t *testing.T) {
	mock := &mockWriteAPI{}
	f := NewFeed(16, NewInfluxSinkWithAPI(mock, nil))
	defer f.Close()

	f.Publish(OpWrite, 1, "a.txt", "")

	// Sink delivery is async.
	deadline := time.Now().Add(2 * time.Second)
	for mock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, mock.count())
}
