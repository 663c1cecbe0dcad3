/*
 * This file is part of Hearthline (https://github.com/hearthline/fxs-bridge).
 * Copyright (C) 2025 Hearthline Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"fmt"
	"sync"
)

// Ring is a fixed-capacity byte ring buffer that decouples the device read
// loop from downstream consumers. When full, new writes evict the oldest
// data so the real-time read loop never stalls; every evicted byte counts
// toward the overrun total, which is exposed as a health metric.
type Ring struct {
	mu       sync.Mutex
	buf      []byte
	readPos  int
	writePos int
	fill     int
	overruns uint64

	// Invoked outside the hot path decision, inside the lock, whenever an
	// eviction occurs. May be nil.
	onOverrun func(evicted int)
}

// NewRing creates a ring buffer with the given capacity in bytes
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Ring{buf: make([]byte, capacity)}, nil
}

// SetOverrunCallback registers a callback fired when old data is evicted
func (r *Ring) SetOverrunCallback(cb func(evicted int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOverrun = cb
}

// Write copies p into the ring, evicting the oldest data if p does not fit.
// Writes larger than the ring keep only the newest capacity bytes.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) == 0 {
		return 0
	}

	capacity := len(r.buf)
	if len(p) > capacity {
		// Only the newest data survives; everything skipped counts as overrun
		dropped := len(p) - capacity
		r.overruns += uint64(dropped)
		if r.onOverrun != nil {
			r.onOverrun(dropped)
		}
		p = p[dropped:]
	}

	free := capacity - r.fill
	if len(p) > free {
		evict := len(p) - free
		r.readPos = (r.readPos + evict) % capacity
		r.fill -= evict
		r.overruns += uint64(evict)
		if r.onOverrun != nil {
			r.onOverrun(evict)
		}
	}

	n := copy(r.buf[r.writePos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.writePos = (r.writePos + len(p)) % capacity
	r.fill += len(p)
	return len(p)
}

// Read copies up to max bytes into a fresh slice, advancing the read cursor
func (r *Ring) Read(max int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || r.fill == 0 {
		return nil
	}
	if max > r.fill {
		max = r.fill
	}

	out := make([]byte, max)
	n := copy(out, r.buf[r.readPos:])
	if n < max {
		copy(out[n:], r.buf)
	}
	r.readPos = (r.readPos + max) % len(r.buf)
	r.fill -= max
	return out
}

// Clear discards all buffered data
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readPos = 0
	r.writePos = 0
	r.fill = 0
}

// AvailableToRead returns the number of buffered bytes
func (r *Ring) AvailableToRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fill
}

// AvailableToWrite returns the free space before eviction kicks in
func (r *Ring) AvailableToWrite() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.fill
}

// Overruns returns the total number of bytes evicted since creation
func (r *Ring) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}
