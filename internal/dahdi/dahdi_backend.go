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
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction and encoding, matching the kernel's _IOC macros
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// DAHDI control protocol command numbers under the 0xDA ioctl type
const (
	dahdiCode = 0xDA

	cmdGetParams  = 5
	cmdSetParams  = 6
	cmdHook       = 7
	cmdGetEvent   = 8
	cmdGetBufInfo = 9
	cmdSetBufInfo = 10
	cmdEchoCancel = 11
	cmdDTMFMode   = 12
)

// Hook ioctl argument values
const (
	hookOn      = 0
	hookOff     = 1
	hookWink    = 2
	hookFlash   = 3
	hookStart   = 4
	hookRing    = 5
	hookRingOff = 6
)

// Out-of-band event codes returned by the get-event command
const (
	eventNone     = 0
	eventDTMFBase = 0x100 // low byte carries the digit
)

// chanParams mirrors the driver's fixed-layout channel parameter block
type chanParams struct {
	ChanNo     uint32
	Sigtype    uint32
	Hookstate  uint32
	Ringing    uint32
	Alarms     uint32
	EchoTaps   uint32
	CIDFormat  uint32
	Impedance  uint32
	RxLevelTen int32 // tenths of dBm
	TxLevelTen int32
	VoltageTen int32 // tenths of volts
	reserved   [4]uint32
}

type chanBufInfo struct {
	NumBufs   uint32
	BufSize   uint32
	NumQueued uint32
	reserved  uint32
}

// cidFormatCodes maps the textual caller-ID formats to their wire codes
var cidFormatCodes = map[string]uint32{
	"":     0,
	"bell": 1,
	"v23":  2,
	"dtmf": 3,
}

// DeviceHandle is the real DeviceBackend over a DAHDI telephony character
// device. All control operations go through ioctls on the control node; PCM
// flows through blocking reads and writes on the data node.
type DeviceHandle struct {
	mu      sync.Mutex
	data    *os.File
	control *os.File
}

// NewDeviceHandle creates an unopened hardware backend
func NewDeviceHandle() *DeviceHandle {
	return &DeviceHandle{}
}

// Open claims the data and control device nodes. Opening an already-claimed
// device fails fast with the driver's busy error.
func (d *DeviceHandle) Open(devicePath, controlPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.data != nil {
		return fmt.Errorf("device already open: %w", ErrInvalidState)
	}

	data, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return classifyOpenError(devicePath, err)
	}

	control, err := os.OpenFile(controlPath, os.O_RDWR, 0)
	if err != nil {
		_ = data.Close()
		return classifyOpenError(controlPath, err)
	}

	d.data = data
	d.control = control
	return nil
}

func classifyOpenError(path string, err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("open %s: %w", path, ErrPermissionDenied)
	}
	return fmt.Errorf("open %s: %v: %w", path, err, ErrDeviceUnavailable)
}

// Close releases both handles. Calling it twice is a no-op.
func (d *DeviceHandle) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	if d.data != nil {
		if err := d.data.Close(); err != nil && first == nil {
			first = err
		}
		d.data = nil
	}
	if d.control != nil {
		if err := d.control.Close(); err != nil && first == nil {
			first = err
		}
		d.control = nil
	}
	return first
}

// ReadFrame reads one block of hardware PCM from the data node
func (d *DeviceHandle) ReadFrame(buf []byte) (int, error) {
	f := d.dataFile()
	if f == nil {
		return 0, ErrInvalidState
	}

	n, err := f.Read(buf)
	if err != nil {
		if isRetryableErrno(err) {
			return 0, nil
		}
		return n, fmt.Errorf("read %s: %v: %w", f.Name(), err, ErrIOFailure)
	}
	return n, nil
}

// WriteFrame writes hardware PCM to the data node
func (d *DeviceHandle) WriteFrame(buf []byte) (int, error) {
	f := d.dataFile()
	if f == nil {
		return 0, ErrInvalidState
	}

	n, err := f.Write(buf)
	if err != nil && !isRetryableErrno(err) {
		return n, fmt.Errorf("write %s: %v: %w", f.Name(), err, ErrIOFailure)
	}
	return n, nil
}

// GetStatus issues the parameter-get command and decodes the snapshot
func (d *DeviceHandle) GetStatus() (LineStatus, error) {
	var p chanParams
	req := ioc(iocRead, dahdiCode, cmdGetParams, unsafe.Sizeof(p))
	if err := d.ioctl(req, unsafe.Pointer(&p)); err != nil {
		return LineStatus{}, fmt.Errorf("get-params: %v: %w", err, ErrIOFailure)
	}

	status := LineStatus{
		Ringing: p.Ringing != 0,
		Alarms:  p.Alarms,
		RxLevel: float64(p.RxLevelTen) / 10.0,
		TxLevel: float64(p.TxLevelTen) / 10.0,
		Voltage: float64(p.VoltageTen) / 10.0,
	}
	if p.Hookstate != hookOn {
		status.Hookstate = OffHook
	}
	return status, nil
}

// SetParams issues the parameter-set command
func (d *DeviceHandle) SetParams(params LineParams) error {
	code, ok := cidFormatCodes[params.CallerIDFormat]
	if !ok {
		return fmt.Errorf("unknown caller-ID format %q", params.CallerIDFormat)
	}

	p := chanParams{
		Sigtype:   uint32(params.Signaling),
		EchoTaps:  uint32(params.EchoCancelTaps),
		CIDFormat: code,
		Impedance: uint32(params.ImpedanceOhms),
	}
	req := ioc(iocWrite, dahdiCode, cmdSetParams, unsafe.Sizeof(p))
	if err := d.ioctl(req, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("set-params: %v: %w", err, ErrIOFailure)
	}
	return nil
}

// EchoCancel enables or disables echo cancellation
func (d *DeviceHandle) EchoCancel(enabled bool, taps int) error {
	arg := int32(0)
	if enabled {
		arg = int32(taps)
	}
	req := ioc(iocWrite, dahdiCode, cmdEchoCancel, unsafe.Sizeof(arg))
	if err := d.ioctl(req, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("echo-cancel: %v: %w", err, ErrIOFailure)
	}
	return nil
}

// SetDTMFMode selects the DTMF reporting mode
func (d *DeviceHandle) SetDTMFMode(mode DTMFMode) error {
	arg := int32(mode)
	req := ioc(iocWrite, dahdiCode, cmdDTMFMode, unsafe.Sizeof(arg))
	if err := d.ioctl(req, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("dtmf-mode: %v: %w", err, ErrIOFailure)
	}
	return nil
}

// RingOn starts ringing the line via the hook command
func (d *DeviceHandle) RingOn() error {
	return d.hook(hookRing, "ring-on")
}

// RingOff stops ringing the line
func (d *DeviceHandle) RingOff() error {
	return d.hook(hookRingOff, "ring-off")
}

func (d *DeviceHandle) hook(value int32, op string) error {
	req := ioc(iocWrite, dahdiCode, cmdHook, unsafe.Sizeof(value))
	if err := d.ioctl(req, unsafe.Pointer(&value)); err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, ErrIOFailure)
	}
	return nil
}

// GetBufferInfo reports the driver buffer layout
func (d *DeviceHandle) GetBufferInfo() (BufferInfo, error) {
	var b chanBufInfo
	req := ioc(iocRead, dahdiCode, cmdGetBufInfo, unsafe.Sizeof(b))
	if err := d.ioctl(req, unsafe.Pointer(&b)); err != nil {
		return BufferInfo{}, fmt.Errorf("get-bufinfo: %v: %w", err, ErrIOFailure)
	}
	return BufferInfo{NumBufs: int(b.NumBufs), BufSize: int(b.BufSize), NumQueued: int(b.NumQueued)}, nil
}

// SetBufferInfo configures the driver buffer layout
func (d *DeviceHandle) SetBufferInfo(info BufferInfo) error {
	b := chanBufInfo{NumBufs: uint32(info.NumBufs), BufSize: uint32(info.BufSize)}
	req := ioc(iocWrite, dahdiCode, cmdSetBufInfo, unsafe.Sizeof(b))
	if err := d.ioctl(req, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("set-bufinfo: %v: %w", err, ErrIOFailure)
	}
	return nil
}

// NextEvent drains one pending out-of-band event
func (d *DeviceHandle) NextEvent() (LineEvent, bool, error) {
	var code int32
	req := ioc(iocRead, dahdiCode, cmdGetEvent, unsafe.Sizeof(code))
	if err := d.ioctl(req, unsafe.Pointer(&code)); err != nil {
		return LineEvent{}, false, fmt.Errorf("get-event: %v: %w", err, ErrIOFailure)
	}
	if code == eventNone {
		return LineEvent{}, false, nil
	}
	if code&eventDTMFBase != 0 {
		return LineEvent{Digit: byte(code & 0xFF)}, true, nil
	}
	// Unknown event codes are drained and ignored
	return LineEvent{}, false, nil
}

func (d *DeviceHandle) dataFile() *os.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

func (d *DeviceHandle) ioctl(req uintptr, arg unsafe.Pointer) error {
	d.mu.Lock()
	f := d.control
	d.mu.Unlock()

	if f == nil {
		return ErrInvalidState
	}

	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

func isRetryableErrno(err error) bool {
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno == unix.EAGAIN || errno == unix.EINTR
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}
