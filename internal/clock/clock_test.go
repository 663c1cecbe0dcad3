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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfter(t *testing.T) {
	fake := NewFake()
	ch := fake.After(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case now := <-ch:
		assert.Equal(t, fake.Now(), now)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeAfterFunc(t *testing.T) {
	fake := NewFake()

	fired := 0
	fake.AfterFunc(2*time.Second, func() { fired++ })

	fake.Advance(time.Second)
	assert.Equal(t, 0, fired)

	fake.Advance(time.Second)
	assert.Equal(t, 1, fired)

	// One-shot: further advances do not re-fire
	fake.Advance(10 * time.Second)
	assert.Equal(t, 1, fired)
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := NewFake()

	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())

	fake.Advance(5 * time.Second)
	assert.False(t, fired)
}

func TestFakeNowAdvances(t *testing.T) {
	fake := NewFake()
	start := fake.Now()

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())
}

func TestSystemClockBasics(t *testing.T) {
	clk := System()

	before := time.Now()
	now := clk.Now()
	assert.False(t, now.Before(before))

	select {
	case <-clk.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("system After never fired")
	}
}
