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

// Package dahdi owns the telephony channel interface: the device handles,
// the read loop, the control protocol, and the line-state model.
package dahdi

// Hookstate is the physical line state reported by the hardware
type Hookstate int

const (
	OnHook Hookstate = iota
	OffHook
)

func (h Hookstate) String() string {
	if h == OffHook {
		return "off-hook"
	}
	return "on-hook"
}

// DTMFMode selects how the hardware reports touch tones
type DTMFMode int

const (
	DTMFModeOff DTMFMode = iota
	DTMFModeHardware
	DTMFModeSoftware
)

// SignalingType is the FXS signaling variant configured on the channel
type SignalingType int

const (
	SignalingFXSLoopstart SignalingType = iota
	SignalingFXSGroundstart
	SignalingFXSKewlstart
)

// Alarm bitmask flags reported by the driver
const (
	AlarmNone    uint32 = 0
	AlarmRed     uint32 = 1 << 0 // no signal
	AlarmYellow  uint32 = 1 << 1 // remote fault
	AlarmBlue    uint32 = 1 << 2 // framing error
	AlarmNotOpen uint32 = 1 << 3
)

// LineParams is the fixed-layout set-parameters payload of the control
// protocol
type LineParams struct {
	Signaling      SignalingType
	EchoCancelTaps int
	CallerIDFormat string
	ImpedanceOhms  int
}

// LineStatus is the fixed-layout get-parameters response: a snapshot of
// hook, ring, alarm, and level state
type LineStatus struct {
	Hookstate Hookstate
	Ringing   bool
	Alarms    uint32
	RxLevel   float64 // dBm, 0 when unreported
	TxLevel   float64
	Voltage   float64 // line voltage, volts
}

// BufferInfo is the driver's buffer layout report
type BufferInfo struct {
	NumBufs   int
	BufSize   int
	NumQueued int
}

// LineEvent is an out-of-band hardware event drained during polling
type LineEvent struct {
	Digit byte // DTMF digit, 0 when the event carries none
}

// DeviceBackend is the single boundary to the underlying telephony device.
// The rest of the system never sees raw command codes; each control
// operation is a typed method with a fixed payload or response. Exactly one
// backend instance may hold a given device at a time.
type DeviceBackend interface {
	// Open claims the data and control device nodes
	Open(devicePath, controlPath string) error

	// Close releases both handles. Idempotent.
	Close() error

	// ReadFrame reads up to len(buf) bytes of hardware-format PCM.
	// A zero-byte read means no data yet, not an error.
	ReadFrame(buf []byte) (int, error)

	// WriteFrame writes hardware-format PCM, possibly partially
	WriteFrame(buf []byte) (int, error)

	// GetStatus issues the parameter-get command
	GetStatus() (LineStatus, error)

	// SetParams issues the parameter-set command
	SetParams(p LineParams) error

	// EchoCancel enables or disables echo cancellation with the given taps
	EchoCancel(enabled bool, taps int) error

	// SetDTMFMode selects the DTMF reporting mode
	SetDTMFMode(mode DTMFMode) error

	// RingOn starts ringing the line
	RingOn() error

	// RingOff stops ringing the line
	RingOff() error

	// GetBufferInfo reports the driver buffer layout
	GetBufferInfo() (BufferInfo, error)

	// SetBufferInfo configures the driver buffer layout
	SetBufferInfo(info BufferInfo) error

	// NextEvent drains one pending out-of-band event, or returns ok=false
	// when none are queued
	NextEvent() (ev LineEvent, ok bool, err error)
}
