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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternForSeverity(t *testing.T) {
	tests := []struct {
		severity string
		want     *TonePattern
	}{
		{"critical", PatternError},
		{"high", PatternError},
		{"error", PatternError},
		{"medium", PatternWarning},
		{"warning", PatternWarning},
		{"low", PatternProcessing},
		{"info", PatternProcessing},
		{"", PatternProcessing},
		{"bogus", PatternProcessing},
	}

	for _, tt := range tests {
		t.Run("severity_"+tt.severity, func(t *testing.T) {
			assert.Same(t, tt.want, PatternForSeverity(tt.severity))
		})
	}
}

func TestPatternForSeverityIsPure(t *testing.T) {
	// Repeated lookups return the same shared pattern, no per-call state
	a := PatternForSeverity("critical")
	b := PatternForSeverity("critical")
	assert.Same(t, a, b)
	assert.Equal(t, "error", a.Name)
}

func TestBuiltinPatternShapes(t *testing.T) {
	// The error pattern is three identical tones separated by pauses
	require.Len(t, PatternError.Steps, 5)
	for i, step := range PatternError.Steps {
		if i%2 == 0 {
			assert.False(t, step.IsPause())
			assert.Equal(t, 480.0, step.Frequency)
		} else {
			assert.True(t, step.IsPause())
		}
	}

	require.Len(t, PatternWarning.Steps, 3)
	require.Len(t, PatternProcessing.Steps, 1)
}

func TestSynthesizeTone(t *testing.T) {
	frame := SynthesizeTone(480, 20*time.Millisecond, 0.6)

	require.Equal(t, HardwareFormat(), frame.Format)
	// 20 ms at 8 kHz 16-bit mono is one 320-byte device block
	assert.Len(t, frame.Data, 320)

	// A sine tone is not silence
	silent := true
	for _, b := range frame.Data {
		if b != 0 {
			silent = false
			break
		}
	}
	assert.False(t, silent)
}

func TestSynthesizeToneClampsLevel(t *testing.T) {
	frame := SynthesizeTone(480, 10*time.Millisecond, 2.5)
	for _, s := range decode16(t, frame.Data) {
		assert.GreaterOrEqual(t, s, int16(-32767))
	}
}

func TestSynthesizeSilence(t *testing.T) {
	frame := SynthesizeSilence(20 * time.Millisecond)

	require.Equal(t, HardwareFormat(), frame.Format)
	assert.Len(t, frame.Data, 320)
	for _, b := range frame.Data {
		require.Zero(t, b)
	}
}
