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

// Package dtmf buffers touch-tone digits into command strings.
package dtmf

import (
	"sync"
	"time"
)

// DefaultTimeout is the inter-digit gap after which the buffer resets
const DefaultTimeout = 5 * time.Second

// Collector accumulates DTMF digits. A digit arriving after the inter-digit
// timeout clears the buffer first, so stale partial input never leaks into
// the next command.
type Collector struct {
	timeout time.Duration

	mu     sync.Mutex
	digits []byte
	last   time.Time
}

// NewCollector creates a collector with the given inter-digit timeout
func NewCollector(timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collector{timeout: timeout}
}

// Append adds a digit at the given time and returns the current buffer
func (c *Collector) Append(digit byte, now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.last.IsZero() && now.Sub(c.last) > c.timeout {
		c.digits = c.digits[:0]
	}
	c.digits = append(c.digits, digit)
	c.last = now
	return string(c.digits)
}

// Buffer returns the accumulated digits without modifying state
func (c *Collector) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.digits)
}

// Reset clears the buffer, typically after a command is consumed
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digits = c.digits[:0]
	c.last = time.Time{}
}
