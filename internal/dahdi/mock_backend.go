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

package dahdi

import (
	"fmt"
	"sync"
)

// MockBackend implements DeviceBackend for testing without hardware.
// Reads are scripted, writes are recorded, control operations log into an
// op trace, and every operation supports error injection.
type MockBackend struct {
	mu     sync.Mutex
	opened bool

	// scripted read frames, returned one per ReadFrame call
	readFrames [][]byte
	readPos    int

	// recorded writes
	writtenFrames [][]byte
	partialWrite  int // when >0, WriteFrame consumes at most this many bytes

	// scripted statuses, returned one per GetStatus call; the last repeats
	statuses  []LineStatus
	statusPos int

	// scripted out-of-band events
	events []LineEvent

	// op trace of control commands, in order
	ops []string

	// error injection
	openErr    error
	readErr    error
	writeErr   error
	statusErr  error
	paramsErr  error
	echoErr    error
	ringOnErr  error
	ringOffErr error
	dtmfErr    error
	bufErr     error

	ringing bool
}

// NewMockBackend creates an empty mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// SetOpenError injects an error returned by Open
func (m *MockBackend) SetOpenError(err error) { m.mu.Lock(); m.openErr = err; m.mu.Unlock() }

// SetReadError injects an error returned by ReadFrame
func (m *MockBackend) SetReadError(err error) { m.mu.Lock(); m.readErr = err; m.mu.Unlock() }

// SetWriteError injects an error returned by WriteFrame
func (m *MockBackend) SetWriteError(err error) { m.mu.Lock(); m.writeErr = err; m.mu.Unlock() }

// SetStatusError injects an error returned by GetStatus
func (m *MockBackend) SetStatusError(err error) { m.mu.Lock(); m.statusErr = err; m.mu.Unlock() }

// SetParamsError injects an error returned by SetParams
func (m *MockBackend) SetParamsError(err error) { m.mu.Lock(); m.paramsErr = err; m.mu.Unlock() }

// SetEchoCancelError injects an error returned by EchoCancel
func (m *MockBackend) SetEchoCancelError(err error) { m.mu.Lock(); m.echoErr = err; m.mu.Unlock() }

// SetRingOnError injects an error returned by RingOn
func (m *MockBackend) SetRingOnError(err error) { m.mu.Lock(); m.ringOnErr = err; m.mu.Unlock() }

// SetRingOffError injects an error returned by RingOff
func (m *MockBackend) SetRingOffError(err error) { m.mu.Lock(); m.ringOffErr = err; m.mu.Unlock() }

// SetDTMFModeError injects an error returned by SetDTMFMode
func (m *MockBackend) SetDTMFModeError(err error) { m.mu.Lock(); m.dtmfErr = err; m.mu.Unlock() }

// SetBufferError injects an error returned by GetBufferInfo
func (m *MockBackend) SetBufferError(err error) { m.mu.Lock(); m.bufErr = err; m.mu.Unlock() }

// SetPartialWrite makes WriteFrame consume at most n bytes per call
func (m *MockBackend) SetPartialWrite(n int) { m.mu.Lock(); m.partialWrite = n; m.mu.Unlock() }

// QueueReadFrame scripts a frame for the next ReadFrame call
func (m *MockBackend) QueueReadFrame(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	m.readFrames = append(m.readFrames, frame)
}

// QueueStatus scripts the next GetStatus snapshot; the final queued status
// repeats for all later polls
func (m *MockBackend) QueueStatus(s LineStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, s)
}

// QueueEvent scripts an out-of-band event for NextEvent
func (m *MockBackend) QueueEvent(ev LineEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// WrittenFrames returns copies of every frame written so far
func (m *MockBackend) WrittenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writtenFrames))
	for i, f := range m.writtenFrames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Ops returns the ordered trace of control commands issued
func (m *MockBackend) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// Ringing reports the mock line's ring state
func (m *MockBackend) Ringing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringing
}

// Open claims the mock device
func (m *MockBackend) Open(devicePath, controlPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	if m.opened {
		return fmt.Errorf("mock device already open: %w", ErrInvalidState)
	}
	m.opened = true
	m.ops = append(m.ops, "open")
	return nil
}

// Close releases the mock device. Idempotent.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		m.opened = false
		m.ops = append(m.ops, "close")
	}
	return nil
}

// ReadFrame returns the next scripted frame, or a zero-byte read when the
// script is exhausted
func (m *MockBackend) ReadFrame(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	if !m.opened {
		return 0, ErrInvalidState
	}
	if m.readPos >= len(m.readFrames) {
		return 0, nil
	}
	frame := m.readFrames[m.readPos]
	m.readPos++
	return copy(buf, frame), nil
}

// WriteFrame records the written bytes, honoring partial-write scripting
func (m *MockBackend) WriteFrame(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if !m.opened {
		return 0, ErrInvalidState
	}

	n := len(buf)
	if m.partialWrite > 0 && n > m.partialWrite {
		n = m.partialWrite
	}
	m.writtenFrames = append(m.writtenFrames, append([]byte(nil), buf[:n]...))
	return n, nil
}

// GetStatus returns the next scripted status snapshot
func (m *MockBackend) GetStatus() (LineStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return LineStatus{}, m.statusErr
	}
	if len(m.statuses) == 0 {
		return LineStatus{Hookstate: OnHook, Voltage: 48.0}, nil
	}
	s := m.statuses[m.statusPos]
	if m.statusPos < len(m.statuses)-1 {
		m.statusPos++
	}
	return s, nil
}

// SetParams records the parameter-set command
func (m *MockBackend) SetParams(p LineParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paramsErr != nil {
		return m.paramsErr
	}
	m.ops = append(m.ops, "set-params")
	return nil
}

// EchoCancel records the echo-cancel command
func (m *MockBackend) EchoCancel(enabled bool, taps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.echoErr != nil {
		return m.echoErr
	}
	m.ops = append(m.ops, fmt.Sprintf("echo-cancel:%t", enabled))
	return nil
}

// SetDTMFMode records the DTMF-mode command
func (m *MockBackend) SetDTMFMode(mode DTMFMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dtmfErr != nil {
		return m.dtmfErr
	}
	m.ops = append(m.ops, "dtmf-mode")
	return nil
}

// RingOn records ring-on and raises the mock ring state
func (m *MockBackend) RingOn() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringOnErr != nil {
		return m.ringOnErr
	}
	m.ringing = true
	m.ops = append(m.ops, "ring-on")
	return nil
}

// RingOff records ring-off and clears the mock ring state
func (m *MockBackend) RingOff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringOffErr != nil {
		return m.ringOffErr
	}
	m.ringing = false
	m.ops = append(m.ops, "ring-off")
	return nil
}

// GetBufferInfo returns a fixed mock layout
func (m *MockBackend) GetBufferInfo() (BufferInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bufErr != nil {
		return BufferInfo{}, m.bufErr
	}
	return BufferInfo{NumBufs: 4, BufSize: 320}, nil
}

// SetBufferInfo records the buffer-set command
func (m *MockBackend) SetBufferInfo(info BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bufErr != nil {
		return m.bufErr
	}
	m.ops = append(m.ops, "set-bufinfo")
	return nil
}

// NextEvent drains the next scripted out-of-band event
func (m *MockBackend) NextEvent() (LineEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return LineEvent{}, false, nil
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, true, nil
}
