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

// Ring is a fixed-size circular buffer.
//
// # Description
//
// O(1) push with bounded memory; once full, each push overwrites the
// oldest item. The feed keeps its replay window in one of these.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type Ring[T any] struct {
	data  []T
	head  int  // Next write position
	tail  int  // First element position
	count int  // Current number of elements
	cap   int  // Maximum capacity
	full  bool // Whether buffer has wrapped
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring[T]{
		data: make([]T, capacity),
		cap:  capacity,
	}
}

// Push adds an item, overwriting the oldest when full.
func (r *Ring[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % r.cap

	if r.full {
		r.tail = (r.tail + 1) % r.cap
	} else {
		r.count++
		if r.count == r.cap {
			r.full = true
		}
	}
}

// Slice returns all items from oldest to newest, as a copy.
func (r *Ring[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	if r.full {
		n := copy(result, r.data[r.tail:])
		copy(result[n:], r.data[:r.head])
	} else {
		copy(result, r.data[r.tail:r.tail+r.count])
	}
	return result
}

// Last returns up to n items, newest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		idx := r.head - 1 - i
		if idx < 0 {
			idx += r.cap
		}
		result[i] = r.data[idx]
	}
	return result
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum capacity.
func (r *Ring[T]) Cap() int {
	return r.cap
}
