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
	"context"
	"fmt"
	"time"
)

// CadenceStep is one burst of a ring cadence: ring for On, then stay silent
// for Off
type CadenceStep struct {
	On  time.Duration
	Off time.Duration
}

// RingCadence is a named ring pattern repeated a fixed number of times
type RingCadence struct {
	Name   string
	Steps  []CadenceStep
	Repeat int // full pattern repetitions, minimum 1
}

// Built-in cadences
var (
	// CadenceNormal is the standard North American ring: 2 s on, 4 s off
	CadenceNormal = RingCadence{
		Name:   "normal",
		Steps:  []CadenceStep{{On: 2 * time.Second, Off: 4 * time.Second}},
		Repeat: 3,
	}

	// CadenceTimer is two short bursts, used for timer expiry
	CadenceTimer = RingCadence{
		Name: "timer",
		Steps: []CadenceStep{
			{On: 500 * time.Millisecond, Off: 500 * time.Millisecond},
			{On: 500 * time.Millisecond, Off: 2 * time.Second},
		},
		Repeat: 2,
	}

	// CadenceUrgent is rapid insistent bursts
	CadenceUrgent = RingCadence{
		Name: "urgent",
		Steps: []CadenceStep{
			{On: 800 * time.Millisecond, Off: 400 * time.Millisecond},
		},
		Repeat: 6,
	}
)

// CadenceByName looks up a built-in cadence
func CadenceByName(name string) (RingCadence, bool) {
	switch name {
	case "", "normal":
		return CadenceNormal, true
	case "timer":
		return CadenceTimer, true
	case "urgent":
		return CadenceUrgent, true
	default:
		return RingCadence{}, false
	}
}

// RingPattern rings the line through a full cadence, blocking until the
// pattern completes or ctx is cancelled. Each burst goes through Ring, so
// the usual ring-off scheduling and fallback apply.
func (c *Channel) RingPattern(ctx context.Context, cadence RingCadence) error {
	if len(cadence.Steps) == 0 {
		return c.opErr("ring-pattern", fmt.Errorf("cadence %q has no steps", cadence.Name))
	}

	repeat := cadence.Repeat
	if repeat < 1 {
		repeat = 1
	}

	for r := 0; r < repeat; r++ {
		for _, step := range cadence.Steps {
			if err := c.Ring(step.On); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clk.After(step.On + step.Off):
			}
		}
	}
	return nil
}
