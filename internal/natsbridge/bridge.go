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

// Package natsbridge connects the channel's event surface and the feedback
// sequencer to the NATS message bus: line events and captured audio go out,
// playback and ring requests come in.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
	"github.com/hearthline/fxs-bridge-go/internal/dahdi"
	"github.com/hearthline/fxs-bridge-go/internal/dtmf"
	"github.com/hearthline/fxs-bridge-go/internal/feedback"
	"github.com/hearthline/fxs-bridge-go/internal/wire"
)

// Conn is the bridge's view of a NATS connection, narrowed for dependency
// injection in tests
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnAdapter adapts *nats.Conn to the Conn interface
type ConnAdapter struct {
	conn *nats.Conn
}

// NewConnAdapter wraps an established NATS connection
func NewConnAdapter(conn *nats.Conn) *ConnAdapter {
	return &ConnAdapter{conn: conn}
}

func (a *ConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnAdapter) Close() {
	a.conn.Close()
}

// Connect dials NATS with retry
func Connect(url string) (Conn, error) {
	var nc *nats.Conn
	var err error

	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(url)
		if err == nil {
			break
		}
		log.Printf("⚠️  Failed to connect to NATS (attempt %d/5): %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after 5 attempts: %w", err)
	}

	log.Printf("✅ Connected to NATS at %s", url)
	return NewConnAdapter(nc), nil
}

// LineController is the subset of the channel interface the bridge drives
type LineController interface {
	Ring(duration time.Duration) error
	RingPattern(ctx context.Context, cadence dahdi.RingCadence) error
}

// EventMessage is the JSON shape of a published line event
type EventMessage struct {
	Type      string    `json:"type"`
	Channel   int       `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Hookstate string    `json:"hookstate,omitempty"`
	Digit     string    `json:"digit,omitempty"`
	Buffer    string    `json:"buffer,omitempty"`
	Alarms    uint32    `json:"alarms,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// PlayRequest is the JSON shape of an inbound playback request. The audio
// payload may be in any PCM format the format guard can convert.
type PlayRequest struct {
	AudioData  []byte `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// RingRequest is the JSON shape of an inbound ring request. When Pattern
// names a cadence (normal, timer, urgent) the whole cadence is played and
// DurationMs is ignored.
type RingRequest struct {
	DurationMs int    `json:"duration_ms"`
	Pattern    string `json:"pattern,omitempty"`
}

// ToneRequest asks for a severity-mapped feedback tone
type ToneRequest struct {
	Severity string `json:"severity"`
}

// Bridge pumps channel events to NATS subjects and feeds inbound requests
// into the feedback sequencer and line controller
type Bridge struct {
	conn      Conn
	channel   int
	events    <-chan dahdi.Event
	seq       *feedback.Sequencer
	line      LineController
	collector *dtmf.Collector

	audioSeq uint32
	stopCh   chan struct{}
}

// NewBridge creates a bridge for one channel
func NewBridge(conn Conn, channel int, events <-chan dahdi.Event, seq *feedback.Sequencer, line LineController, collector *dtmf.Collector) *Bridge {
	return &Bridge{
		conn:      conn,
		channel:   channel,
		events:    events,
		seq:       seq,
		line:      line,
		collector: collector,
		stopCh:    make(chan struct{}),
	}
}

func (b *Bridge) subject(suffix string) string {
	return fmt.Sprintf("phone.%d.%s", b.channel, suffix)
}

// Start subscribes to the inbound request subjects and launches the event
// pump
func (b *Bridge) Start() error {
	if _, err := b.conn.Subscribe(b.subject("play"), b.handlePlay); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject("play"), err)
	}
	if _, err := b.conn.Subscribe(b.subject("ring"), b.handleRing); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject("ring"), err)
	}
	if _, err := b.conn.Subscribe(b.subject("tone"), b.handleTone); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject("tone"), err)
	}

	go b.pumpEvents()
	log.Printf("🎧 Bridge: subscribed to %s, %s, %s",
		b.subject("play"), b.subject("ring"), b.subject("tone"))
	return nil
}

// Stop halts the event pump. The NATS connection itself is owned by the
// caller.
func (b *Bridge) Stop() {
	close(b.stopCh)
}

// pumpEvents publishes every channel event until the event stream or the
// bridge closes
func (b *Bridge) pumpEvents() {
	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.publishEvent(ev)
		}
	}
}

func (b *Bridge) publishEvent(ev dahdi.Event) {
	// Captured audio goes out framed on its own subject; everything else
	// is a JSON event
	if ev.Type == dahdi.EventAudioReceived {
		if ev.Frame == nil {
			return
		}
		frame := &wire.AudioFrame{
			Channel:   uint16(b.channel),
			Sequence:  atomic.AddUint32(&b.audioSeq, 1),
			Timestamp: uint64(ev.Time.UnixMicro()),
			PCM:       ev.Frame.Data,
		}
		data, err := frame.Encode()
		if err != nil {
			log.Printf("⚠️ Bridge: failed to encode audio frame: %v", err)
			return
		}
		if err := b.conn.Publish(b.subject("audio"), data); err != nil {
			log.Printf("⚠️ Bridge: failed to publish audio: %v", err)
		}
		return
	}

	msg := EventMessage{
		Type:      ev.Type.String(),
		Channel:   ev.Channel,
		Timestamp: ev.Time,
	}
	switch ev.Type {
	case dahdi.EventHookStateChanged:
		msg.Hookstate = ev.Hookstate.String()
	case dahdi.EventDTMFDigit:
		msg.Digit = string(rune(ev.Digit))
		if b.collector != nil {
			msg.Buffer = b.collector.Append(ev.Digit, ev.Time)
		}
	case dahdi.EventAlarmRaised, dahdi.EventAlarmCleared:
		msg.Alarms = ev.Alarms
	case dahdi.EventError, dahdi.EventConnectionLost:
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ Bridge: failed to marshal event: %v", err)
		return
	}
	if err := b.conn.Publish(b.subject("event."+msg.Type), data); err != nil {
		log.Printf("⚠️ Bridge: failed to publish event %s: %v", msg.Type, err)
	}
}

// handlePlay converts an inbound audio payload through the format guard and
// queues it for playback
func (b *Bridge) handlePlay(msg *nats.Msg) {
	var req PlayRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("❌ Bridge: invalid play request: %v", err)
		return
	}

	format := audio.Format{SampleRate: req.SampleRate, Channels: req.Channels, BitDepth: req.BitDepth}
	frame, err := audio.Convert(req.AudioData, format)
	if err != nil {
		log.Printf("❌ Bridge: play request rejected: %v", err)
		return
	}

	task := feedback.NewAudioTask(frame)
	if err := b.seq.Enqueue(task); err != nil {
		log.Printf("⚠️ Bridge: playback queue full, dropping %d bytes", len(req.AudioData))
	}
}

// handleRing rings the line for the requested duration
func (b *Bridge) handleRing(msg *nats.Msg) {
	var req RingRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("❌ Bridge: invalid ring request: %v", err)
		return
	}
	if req.Pattern != "" {
		cadence, ok := dahdi.CadenceByName(req.Pattern)
		if !ok {
			log.Printf("❌ Bridge: unknown ring cadence %q", req.Pattern)
			return
		}
		go func() {
			if err := b.line.RingPattern(context.Background(), cadence); err != nil {
				log.Printf("❌ Bridge: ring cadence %q failed: %v", cadence.Name, err)
			}
		}()
		return
	}

	if req.DurationMs <= 0 {
		req.DurationMs = 2000
	}

	if err := b.line.Ring(time.Duration(req.DurationMs) * time.Millisecond); err != nil {
		log.Printf("❌ Bridge: ring failed: %v", err)
	}
}

// handleTone plays the severity-mapped feedback tone, fire-and-forget
func (b *Bridge) handleTone(msg *nats.Msg) {
	var req ToneRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("❌ Bridge: invalid tone request: %v", err)
		return
	}

	task := feedback.NewToneTask(audio.PatternForSeverity(req.Severity))
	_ = b.seq.Enqueue(task)
}
