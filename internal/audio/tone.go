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
	"math"
	"time"
)

// ToneStep is a single step of a tone pattern: either an audible tone
// (Frequency > 0) or a silent pause (Frequency == 0)
type ToneStep struct {
	Frequency float64       // Hz, 0 for a pause
	Duration  time.Duration // step length
	Level     float64       // amplitude 0.0-1.0, ignored for pauses
}

// Pause returns a silent step
func Pause(d time.Duration) ToneStep {
	return ToneStep{Duration: d}
}

// Tone returns an audible step
func Tone(freq float64, d time.Duration, level float64) ToneStep {
	return ToneStep{Frequency: freq, Duration: d, Level: level}
}

// IsPause reports whether the step emits silence
func (s ToneStep) IsPause() bool {
	return s.Frequency == 0
}

// TonePattern is an ordered, read-only sequence of tone steps. Patterns are
// stateless and safe to share across invocations.
type TonePattern struct {
	Name  string
	Steps []ToneStep
}

// Built-in feedback patterns
var (
	PatternError = &TonePattern{
		Name: "error",
		Steps: []ToneStep{
			Tone(480, 250*time.Millisecond, 0.6),
			Pause(100 * time.Millisecond),
			Tone(480, 250*time.Millisecond, 0.6),
			Pause(100 * time.Millisecond),
			Tone(480, 250*time.Millisecond, 0.6),
		},
	}

	PatternWarning = &TonePattern{
		Name: "warning",
		Steps: []ToneStep{
			Tone(440, 200*time.Millisecond, 0.5),
			Pause(150 * time.Millisecond),
			Tone(440, 200*time.Millisecond, 0.5),
		},
	}

	PatternProcessing = &TonePattern{
		Name: "processing",
		Steps: []ToneStep{
			Tone(620, 120*time.Millisecond, 0.4),
		},
	}

	PatternConfirm = &TonePattern{
		Name: "confirm",
		Steps: []ToneStep{
			Tone(660, 100*time.Millisecond, 0.5),
			Tone(880, 150*time.Millisecond, 0.5),
		},
	}
)

// PatternForSeverity maps a notification severity to its feedback pattern.
// Pure lookup, no hidden state. Unknown severities fall back to the
// processing tone.
func PatternForSeverity(severity string) *TonePattern {
	switch severity {
	case "critical", "high", "error":
		return PatternError
	case "medium", "warning":
		return PatternWarning
	default:
		return PatternProcessing
	}
}

// SynthesizeTone renders a sine tone in the hardware PCM format
func SynthesizeTone(freq float64, d time.Duration, level float64) *Frame {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	samples := int(float64(HardwareSampleRate) * d.Seconds())
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(HardwareSampleRate)
		v := int16(level * 32767.0 * math.Sin(2*math.Pi*freq*t))
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return NewFrame(data)
}

// SynthesizeSilence renders a silent buffer in the hardware PCM format
func SynthesizeSilence(d time.Duration) *Frame {
	samples := int(float64(HardwareSampleRate) * d.Seconds())
	return NewFrame(make([]byte, samples*2))
}
