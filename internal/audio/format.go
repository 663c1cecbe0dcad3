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
	"strings"

	resampling "github.com/tphakala/go-audio-resampling"
)

// The FXS hardware accepts exactly one PCM format. These are driver
// constants, not tunables.
const (
	HardwareSampleRate = 8000
	HardwareChannels   = 1
	HardwareBitDepth   = 16
)

// Format describes the layout of a PCM byte buffer
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// HardwareFormat returns the single format the telephony device accepts
func HardwareFormat() Format {
	return Format{SampleRate: HardwareSampleRate, Channels: HardwareChannels, BitDepth: HardwareBitDepth}
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Frame is a PCM byte block tagged with its format
type Frame struct {
	Data   []byte
	Format Format
}

// NewFrame wraps raw hardware-format PCM bytes in a Frame
func NewFrame(data []byte) *Frame {
	return &Frame{Data: data, Format: HardwareFormat()}
}

// UnsupportedFormatError reports a conversion input the guard cannot handle,
// naming the offending fields
type UnsupportedFormatError struct {
	Format Format
	Fields []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported audio format %s (offending: %s)", e.Format, strings.Join(e.Fields, ", "))
}

// Validate reports whether a format matches the hardware format exactly
func Validate(f Format) bool {
	return f == HardwareFormat()
}

// Convert transforms an arbitrary PCM buffer into the hardware format:
// 8-bit samples are requantized to 16-bit, stereo is downmixed to mono, and
// sample rates are converted with the resampling library. When the source
// already matches the hardware format the input bytes pass through
// byte-identical.
func Convert(data []byte, src Format) (*Frame, error) {
	if bad := unsupportedFields(src); len(bad) > 0 {
		return nil, &UnsupportedFormatError{Format: src, Fields: bad}
	}

	if Validate(src) {
		out := make([]byte, len(data))
		copy(out, data)
		return NewFrame(out), nil
	}

	samples, err := decodeSamples(data, src)
	if err != nil {
		return nil, err
	}

	if src.Channels == 2 {
		samples = downmixStereo(samples)
	}

	if src.SampleRate != HardwareSampleRate {
		samples, err = resample(samples, src.SampleRate)
		if err != nil {
			return nil, err
		}
	}

	return NewFrame(encodeSamples(samples)), nil
}

// unsupportedFields lists any dimensions of src that the guard has no
// conversion path for
func unsupportedFields(src Format) []string {
	var bad []string
	if src.SampleRate <= 0 {
		bad = append(bad, fmt.Sprintf("sample rate %d", src.SampleRate))
	}
	if src.Channels != 1 && src.Channels != 2 {
		bad = append(bad, fmt.Sprintf("channels %d", src.Channels))
	}
	if src.BitDepth != 8 && src.BitDepth != 16 {
		bad = append(bad, fmt.Sprintf("bit depth %d", src.BitDepth))
	}
	return bad
}

// decodeSamples converts raw bytes into normalized float64 samples
func decodeSamples(data []byte, src Format) ([]float64, error) {
	switch src.BitDepth {
	case 8:
		// Unsigned 8-bit PCM centered at 128
		samples := make([]float64, len(data))
		for i, b := range data {
			samples[i] = (float64(b) - 128.0) / 128.0
		}
		return samples, nil
	case 16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("16-bit PCM buffer has odd length %d", len(data))
		}
		samples := make([]float64, len(data)/2)
		for i := range samples {
			s := int16(data[i*2]) | int16(data[i*2+1])<<8
			samples[i] = float64(s) / 32768.0
		}
		return samples, nil
	default:
		return nil, &UnsupportedFormatError{Format: src, Fields: []string{fmt.Sprintf("bit depth %d", src.BitDepth)}}
	}
}

// encodeSamples converts normalized samples back to 16-bit little-endian PCM
func encodeSamples(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case s >= 1.0:
			v = 32767
		case s <= -1.0:
			v = -32768
		default:
			v = int16(s * 32767.0)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// downmixStereo averages interleaved L/R sample pairs into mono
func downmixStereo(samples []float64) []float64 {
	frames := len(samples) / 2
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		mono[i] = (samples[i*2] + samples[i*2+1]) / 2.0
	}
	return mono
}

// resample converts mono samples from srcRate to the hardware rate
func resample(samples []float64, srcRate int) ([]float64, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(HardwareSampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	out, err := rs.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return out, nil
}
