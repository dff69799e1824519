// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts workspace activity to live subscribers.
//
// Every successful mutation and seal publishes one Event. Subscribers
// get a replay of the recent window on attach, then live delivery; a
// subscriber that cannot keep up loses events rather than stalling the
// feed. Optional sinks receive every event for off-process audit.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

// Op names the action an Event records.
type Op string

const (
	OpWrite    Op = "write"
	OpMkdir    Op = "mkdir"
	OpRename   Op = "rename"
	OpDelete   Op = "delete"
	OpSnapshot Op = "snapshot"
	OpImport   Op = "import"
)

// Event is one observed workspace action.
type Event struct {
	Seq      uint64      `json:"seq"`
	Op       Op          `json:"op"`
	Revision revision.ID `json:"revision"`
	Path     string      `json:"path,omitempty"`
	To       string      `json:"to,omitempty"`
	At       int64       `json:"at"`
}

// Sink receives every published event, for audit pipelines.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// subscriber channel depth; beyond this a slow consumer drops events.
const subBuffer = 64

// Feed is the broadcast hub.
//
// # Thread Safety
//
// Safe for concurrent use.
type Feed struct {
	mu     sync.Mutex
	ring   *Ring[Event]
	seq    uint64
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
	onDrop func(n int)
	closed bool
}

// NewFeed builds a Feed with the given replay window.
func NewFeed(capacity int, sinks ...Sink) *Feed {
	return &Feed{
		ring:  NewRing[Event](capacity),
		subs:  make(map[int]chan Event),
		sinks: sinks,
	}
}

// Publish records one action and delivers it to subscribers and sinks.
//
// # Outputs
//
//   - Event: The stamped event, with its sequence number assigned.
func (f *Feed) Publish(op Op, rev revision.ID, path, to string) Event {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Event{}
	}
	f.seq++
	e := Event{
		Seq:      f.seq,
		Op:       op,
		Revision: rev,
		Path:     path,
		To:       to,
		At:       time.Now().UnixMilli(),
	}
	f.ring.Push(e)
	dropped := 0
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; it catches up from its own replay.
			dropped++
		}
	}
	sinks := f.sinks
	onDrop := f.onDrop
	f.mu.Unlock()

	if dropped > 0 && onDrop != nil {
		onDrop(dropped)
	}
	for _, s := range sinks {
		go s.Record(context.Background(), e)
	}
	return e
}

// OnDrop registers fn to run whenever slow subscribers lose an event,
// with the number of subscribers that missed it. fn runs on the
// publishing goroutine and must not block.
func (f *Feed) OnDrop(fn func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDrop = fn
}

// Subscribe attaches a live consumer.
//
// # Outputs
//
//   - <-chan Event: Live delivery channel, closed on feed shutdown.
//   - []Event: Replay of the buffered window, oldest first.
//   - func(): Cancel; must be called to release the subscription.
func (f *Feed) Subscribe() (<-chan Event, []Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, subBuffer)
	if f.closed {
		close(ch)
		return ch, nil, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	replay := f.ring.Slice()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
	return ch, replay, cancel
}

// Recent returns up to n buffered events, newest first.
func (f *Feed) Recent(n int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ring.Last(n)
}

// Seq returns the last assigned sequence number.
func (f *Feed) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Close shuts the feed; all subscriber channels close and further
// publishes are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
