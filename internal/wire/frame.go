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

// Package wire frames captured PCM for the message bus. Consumers on the
// audio subject need ordering and capture-time information that raw PCM
// bytes cannot carry.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AudioFrame is one captured PCM block with its bus metadata
type AudioFrame struct {
	Channel   uint16
	Sequence  uint32
	Timestamp uint64 // capture time, Unix microseconds
	PCM       []byte
}

// frameHeader is the fixed-size header preceding the PCM payload
type frameHeader struct {
	Magic     uint32
	Version   uint8
	Reserved  uint8
	Channel   uint16
	Sequence  uint32
	Timestamp uint64
	Length    uint16
	Pad       uint16
}

const (
	// FrameMagic is "HFXS" in big-endian
	FrameMagic = 0x48465853

	// FrameVersion identifies this header layout
	FrameVersion = 1

	// HeaderSize is the fixed header length in bytes
	HeaderSize = 24

	// MaxPCMSize bounds a single frame payload. Device blocks are a few
	// hundred bytes; anything near this limit indicates a producer bug.
	MaxPCMSize = 16000
)

// Encode serializes the frame as a big-endian header followed by the PCM
// payload
func (f *AudioFrame) Encode() ([]byte, error) {
	if len(f.PCM) > MaxPCMSize {
		return nil, fmt.Errorf("pcm payload too large: %d bytes (max %d)", len(f.PCM), MaxPCMSize)
	}

	header := frameHeader{
		Magic:     FrameMagic,
		Version:   FrameVersion,
		Channel:   f.Channel,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Length:    uint16(len(f.PCM)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.PCM)))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.PCM)
	return buf.Bytes(), nil
}

// Decode parses an encoded frame, validating magic, version, and payload
// length
func Decode(data []byte) (*AudioFrame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes (header is %d)", len(data), HeaderSize)
	}

	var header frameHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("bad frame magic 0x%08x", header.Magic)
	}
	if header.Version != FrameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", header.Version)
	}
	if int(header.Length) != len(data)-HeaderSize {
		return nil, fmt.Errorf("frame length mismatch: header says %d, payload is %d",
			header.Length, len(data)-HeaderSize)
	}

	pcm := make([]byte, header.Length)
	copy(pcm, data[HeaderSize:])
	return &AudioFrame{
		Channel:   header.Channel,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
		PCM:       pcm,
	}, nil
}
