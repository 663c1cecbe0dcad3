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

// Package health drives the retry policy for transient device failures and
// exposes named diagnostic checks for health reporting.
package health

import (
	"sync"
	"time"

	"github.com/hearthline/fxs-bridge-go/internal/clock"
)

// Default retry policy
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
)

// Config holds the reconnect policy knobs
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means retry forever
}

// Check is the result of a single named diagnostic
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// CheckFunc produces a diagnostic result when invoked
type CheckFunc func() Check

// Supervisor tracks consecutive I/O failures and computes exponential
// backoff delays. The attempt counter resets to zero on any successful
// reopen; once MaxAttempts is exceeded the caller must treat the channel as
// lost until an operator restarts it.
type Supervisor struct {
	cfg Config
	clk clock.Clock

	mu          sync.Mutex
	attempts    int
	lastFailure time.Time
	checks      []CheckFunc
}

// NewSupervisor creates a supervisor with the given policy, filling in
// defaults for zero values
func NewSupervisor(cfg Config, clk clock.Clock) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Supervisor{cfg: cfg, clk: clk}
}

// RecordFailure registers a transient failure and returns the delay to wait
// before the next attempt: min(baseDelay * 2^failures, maxDelay)
func (s *Supervisor) RecordFailure() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.BaseDelay
	for i := 0; i < s.attempts; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
			break
		}
	}
	s.attempts++
	s.lastFailure = s.clk.Now()
	return delay
}

// RecordSuccess resets the attempt counter after a successful reopen
func (s *Supervisor) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

// Exhausted reports whether the retry budget is spent
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts
}

// Attempts returns the current consecutive failure count
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastFailure returns the time of the most recent recorded failure
func (s *Supervisor) LastFailure() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// RegisterCheck adds a named diagnostic to the set run by RunDiagnostics
func (s *Supervisor) RegisterCheck(fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, fn)
}

// RunDiagnostics executes every registered check and returns the results.
// A failing check is surfaced to the caller but does not by itself close
// the channel.
func (s *Supervisor) RunDiagnostics() []Check {
	s.mu.Lock()
	checks := make([]CheckFunc, len(s.checks))
	copy(checks, s.checks)
	s.mu.Unlock()

	results := make([]Check, 0, len(checks))
	for _, fn := range checks {
		results = append(results, fn())
	}
	return results
}
