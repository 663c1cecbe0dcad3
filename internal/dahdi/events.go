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
	"sync"
	"time"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
)

// EventType tags the variants of the channel event union
type EventType uint8

const (
	EventReady EventType = iota
	EventAudioReceived
	EventHookStateChanged
	EventRingStart
	EventRingStop
	EventAlarmRaised
	EventAlarmCleared
	EventDTMFDigit
	EventConnectionLost
	EventError
)

var eventNames = map[EventType]string{
	EventReady:            "ready",
	EventAudioReceived:    "audio_received",
	EventHookStateChanged: "hook_state_changed",
	EventRingStart:        "ring_start",
	EventRingStop:         "ring_stop",
	EventAlarmRaised:      "alarm_raised",
	EventAlarmCleared:     "alarm_cleared",
	EventDTMFDigit:        "dtmf_digit",
	EventConnectionLost:   "connection_lost",
	EventError:            "error",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one entry of the channel's typed event stream. Only the fields
// relevant to Type are populated.
type Event struct {
	Type      EventType
	Channel   int
	Time      time.Time
	Frame     *audio.Frame // EventAudioReceived
	Hookstate Hookstate    // EventHookStateChanged
	Alarms    uint32       // EventAlarmRaised / EventAlarmCleared
	Digit     byte         // EventDTMFDigit
	Err       error        // EventError / EventConnectionLost
}

// emitter fans events out to subscriber channels. Slow subscribers drop
// events rather than stalling the device loops.
type emitter struct {
	mu      sync.Mutex
	subs    []chan Event
	dropped uint64
}

// subscribe registers a new subscriber with the given buffer depth
func (e *emitter) subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// emit delivers ev to every subscriber, dropping on full buffers
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
		}
	}
}

// droppedCount returns how many events were discarded on full subscribers
func (e *emitter) droppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// closeAll closes every subscriber channel
func (e *emitter) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
