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

	"github.com/gordonklaus/portaudio"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
)

// SoundcardBackend emulates the FXS line over the local sound card so the
// full pipeline can run on development machines without telephony hardware.
// PCM flows through PortAudio at the hardware rate; control operations are
// emulated in software state.
type SoundcardBackend struct {
	mu          sync.Mutex
	initialized bool
	inStream    *portaudio.Stream
	outStream   *portaudio.Stream
	inBuffer    []float32
	outBuffer   []float32
	frameSize   int // samples per device block

	params  LineParams
	status  LineStatus
	pending []LineEvent
}

// NewSoundcardBackend creates a soundcard backend with the given block size
// in bytes
func NewSoundcardBackend(bufferBytes int) *SoundcardBackend {
	frameSize := bufferBytes / 2
	if frameSize <= 0 {
		frameSize = 160
	}
	return &SoundcardBackend{frameSize: frameSize}
}

// Open initializes PortAudio and opens mono input/output streams at the
// hardware sample rate. The device paths are ignored.
func (s *SoundcardBackend) Open(devicePath, controlPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return fmt.Errorf("soundcard backend already open: %w", ErrInvalidState)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %v: %w", err, ErrDeviceUnavailable)
	}

	s.inBuffer = make([]float32, s.frameSize)
	in, err := portaudio.OpenDefaultStream(1, 0, float64(audio.HardwareSampleRate), s.frameSize, s.inBuffer)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to open input stream: %v: %w", err, ErrDeviceUnavailable)
	}

	s.outBuffer = make([]float32, s.frameSize)
	out, err := portaudio.OpenDefaultStream(0, 1, float64(audio.HardwareSampleRate), s.frameSize, s.outBuffer)
	if err != nil {
		_ = in.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to open output stream: %v: %w", err, ErrDeviceUnavailable)
	}

	if err := in.Start(); err != nil {
		_ = in.Close()
		_ = out.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %v: %w", err, ErrIOFailure)
	}
	if err := out.Start(); err != nil {
		_ = in.Stop()
		_ = in.Close()
		_ = out.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to start output stream: %v: %w", err, ErrIOFailure)
	}

	s.inStream = in
	s.outStream = out
	s.initialized = true
	// A sound card has no hook switch; the emulated line starts off-hook
	// with healthy levels so audio flows immediately
	s.status = LineStatus{Hookstate: OffHook, Voltage: 48.0}
	return nil
}

// Close stops and closes both streams. Idempotent.
func (s *SoundcardBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	if s.inStream != nil {
		_ = s.inStream.Stop()
		_ = s.inStream.Close()
		s.inStream = nil
	}
	if s.outStream != nil {
		_ = s.outStream.Stop()
		_ = s.outStream.Close()
		s.outStream = nil
	}
	s.initialized = false
	return portaudio.Terminate()
}

// ReadFrame captures one block from the microphone as 16-bit LE PCM
func (s *SoundcardBackend) ReadFrame(buf []byte) (int, error) {
	s.mu.Lock()
	in := s.inStream
	s.mu.Unlock()

	if in == nil {
		return 0, ErrInvalidState
	}
	if len(buf) < s.frameSize*2 {
		return 0, fmt.Errorf("read buffer too small: %d < %d", len(buf), s.frameSize*2)
	}

	if err := in.Read(); err != nil {
		return 0, fmt.Errorf("soundcard read: %v: %w", err, ErrIOFailure)
	}

	for i, sample := range s.inBuffer {
		v := clampSample(sample)
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return s.frameSize * 2, nil
}

// WriteFrame plays 16-bit LE PCM through the speakers
func (s *SoundcardBackend) WriteFrame(buf []byte) (int, error) {
	s.mu.Lock()
	out := s.outStream
	s.mu.Unlock()

	if out == nil {
		return 0, ErrInvalidState
	}

	written := 0
	for written < len(buf) {
		block := len(buf) - written
		if block > s.frameSize*2 {
			block = s.frameSize * 2
		}

		samples := block / 2
		for i := 0; i < samples; i++ {
			v := int16(buf[written+i*2]) | int16(buf[written+i*2+1])<<8
			s.outBuffer[i] = float32(v) / 32768.0
		}
		for i := samples; i < s.frameSize; i++ {
			s.outBuffer[i] = 0
		}

		if err := out.Write(); err != nil {
			return written, fmt.Errorf("soundcard write: %v: %w", err, ErrIOFailure)
		}
		written += block
	}
	return written, nil
}

// GetStatus returns the emulated line snapshot
func (s *SoundcardBackend) GetStatus() (LineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return LineStatus{}, ErrInvalidState
	}
	return s.status, nil
}

// SetParams records the channel parameters in software state
func (s *SoundcardBackend) SetParams(p LineParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

// EchoCancel is a no-op on the sound card
func (s *SoundcardBackend) EchoCancel(enabled bool, taps int) error {
	return nil
}

// SetDTMFMode is a no-op on the sound card
func (s *SoundcardBackend) SetDTMFMode(mode DTMFMode) error {
	return nil
}

// RingOn marks the emulated line as ringing
func (s *SoundcardBackend) RingOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Ringing = true
	return nil
}

// RingOff clears the emulated ringing state
func (s *SoundcardBackend) RingOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Ringing = false
	return nil
}

// GetBufferInfo reports the emulated block layout
func (s *SoundcardBackend) GetBufferInfo() (BufferInfo, error) {
	return BufferInfo{NumBufs: 2, BufSize: s.frameSize * 2}, nil
}

// SetBufferInfo is a no-op on the sound card
func (s *SoundcardBackend) SetBufferInfo(info BufferInfo) error {
	return nil
}

// NextEvent drains an injected event, if any
func (s *SoundcardBackend) NextEvent() (LineEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return LineEvent{}, false, nil
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true, nil
}

// InjectDigit queues a DTMF digit event, useful for local testing where a
// keypad does not exist
func (s *SoundcardBackend) InjectDigit(digit byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, LineEvent{Digit: digit})
}

// SetHookstate toggles the emulated hook switch
func (s *SoundcardBackend) SetHookstate(h Hookstate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Hookstate = h
}

func clampSample(f float32) int16 {
	scaled := f * 32768
	switch {
	case scaled > 32767:
		return 32767
	case scaled <= -32768:
		return -32767
	default:
		return int16(scaled)
	}
}
