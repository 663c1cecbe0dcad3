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
	"log"
	"sync"
	"time"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
	"github.com/hearthline/fxs-bridge-go/internal/clock"
	"github.com/hearthline/fxs-bridge-go/internal/health"
	"github.com/hearthline/fxs-bridge-go/internal/metrics"
)

// State is the channel lifecycle position
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConfiguring
	StateActive
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	default:
		return "closed"
	}
}

// ChannelConfig is the immutable per-session configuration. The PCM format
// is hardware-fixed (8000 Hz, mono, 16-bit) and deliberately not part of
// the config surface.
type ChannelConfig struct {
	DevicePath    string
	ControlPath   string
	ChannelNumber int
	BufferSize    int // bytes per device block, multiple of 160
	PollInterval  time.Duration
	RingFallback  time.Duration // clears local ring state when ring-off fails
	Params        LineParams
	DTMFMode      DTMFMode
}

// Validate checks the configuration invariants
func (c ChannelConfig) Validate() error {
	if c.DevicePath == "" {
		return fmt.Errorf("device path must not be empty")
	}
	if c.ControlPath == "" {
		return fmt.Errorf("control path must not be empty")
	}
	if c.BufferSize <= 0 || c.BufferSize%160 != 0 {
		return fmt.Errorf("buffer size must be a positive multiple of 160, got %d", c.BufferSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

// Format returns the fixed hardware PCM format
func (c ChannelConfig) Format() audio.Format {
	return audio.HardwareFormat()
}

// One channel instance per device path within this process; concurrent
// opens must fail fast regardless of driver behavior.
var (
	claimedMu sync.Mutex
	claimed   = map[string]bool{}
)

func claimDevice(path string) error {
	claimedMu.Lock()
	defer claimedMu.Unlock()
	if claimed[path] {
		return fmt.Errorf("device %s already claimed: %w", path, ErrDeviceUnavailable)
	}
	claimed[path] = true
	return nil
}

func releaseDevice(path string) {
	claimedMu.Lock()
	delete(claimed, path)
	claimedMu.Unlock()
}

// Channel owns the device lifecycle: it is the single reader and writer of
// hardware state. The read loop, the status poll loop, and any feedback
// producer interact with it only through these public operations.
type Channel struct {
	cfg     ChannelConfig
	backend DeviceBackend
	sup     *health.Supervisor
	clk     clock.Clock
	met     *metrics.Metrics

	ring   *audio.Ring
	events emitter

	mu           sync.Mutex
	state        State
	prevStatus   LineStatus
	havePrev     bool
	ringingLocal bool
	ringTimer    clock.Timer
	fallbackTmr  clock.Timer
	lastRead     time.Time

	stopCh  chan struct{}
	loopsWg sync.WaitGroup
}

// NewChannel creates an unopened channel over the given backend
func NewChannel(cfg ChannelConfig, backend DeviceBackend, sup *health.Supervisor, clk clock.Clock) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ChannelError{Op: "new", Channel: cfg.ChannelNumber, Err: err}
	}
	if clk == nil {
		clk = clock.System()
	}
	if sup == nil {
		sup = health.NewSupervisor(health.Config{}, clk)
	}

	// Holds ~16 device blocks so bursty consumers do not stall the reader
	ring, err := audio.NewRing(cfg.BufferSize * 16)
	if err != nil {
		return nil, &ChannelError{Op: "new", Channel: cfg.ChannelNumber, Err: err}
	}

	c := &Channel{
		cfg:     cfg,
		backend: backend,
		sup:     sup,
		clk:     clk,
		ring:    ring,
	}
	c.registerDiagnostics()
	return c, nil
}

// SetMetrics attaches Prometheus instrumentation. Must be called before
// Open.
func (c *Channel) SetMetrics(m *metrics.Metrics) {
	c.met = m
	if m != nil {
		c.ring.SetOverrunCallback(func(evicted int) {
			m.RingOverruns.Add(float64(evicted))
		})
	}
}

// Config returns the immutable session configuration
func (c *Channel) Config() ChannelConfig {
	return c.cfg
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns the ring buffer fed by the read loop
func (c *Channel) Buffer() *audio.Ring {
	return c.ring
}

// Supervisor returns the health supervisor owning this channel's retry
// policy and diagnostics
func (c *Channel) Supervisor() *health.Supervisor {
	return c.sup
}

// Subscribe registers an event subscriber. Slow subscribers drop events
// rather than blocking the device loops.
func (c *Channel) Subscribe(buffer int) <-chan Event {
	return c.events.subscribe(buffer)
}

// DroppedEvents reports events discarded on full subscriber buffers
func (c *Channel) DroppedEvents() uint64 {
	return c.events.droppedCount()
}

// Open claims the data and control devices, moving the channel from Closed
// to Configuring
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return c.opErr("open", ErrInvalidState)
	}
	c.state = StateOpening
	c.mu.Unlock()

	if err := claimDevice(c.cfg.DevicePath); err != nil {
		c.setState(StateClosed)
		return c.opErr("open", err)
	}

	if err := c.backend.Open(c.cfg.DevicePath, c.cfg.ControlPath); err != nil {
		releaseDevice(c.cfg.DevicePath)
		c.setState(StateClosed)
		return c.opErr("open", err)
	}

	log.Printf("📞 Channel %d: opened %s", c.cfg.ChannelNumber, c.cfg.DevicePath)
	c.setState(StateConfiguring)
	return nil
}

// Configure issues the hardware parameter-set command followed by
// echo-cancel enable and DTMF mode, in that order. Any failure aborts
// configuration and names the failing command.
func (c *Channel) Configure() error {
	if c.State() != StateConfiguring {
		return c.opErr("configure", ErrInvalidState)
	}

	if err := c.configureBackend(); err != nil {
		return err
	}

	c.sup.RecordSuccess()
	c.setState(StateActive)
	c.emit(Event{Type: EventReady})
	log.Printf("✅ Channel %d: configured and active", c.cfg.ChannelNumber)
	return nil
}

func (c *Channel) configureBackend() error {
	if err := c.backend.SetParams(c.cfg.Params); err != nil {
		return c.opErr("configure", fmt.Errorf("set-params: %v: %w", err, ErrConfigurationFailed))
	}
	if err := c.backend.EchoCancel(c.cfg.Params.EchoCancelTaps > 0, c.cfg.Params.EchoCancelTaps); err != nil {
		return c.opErr("configure", fmt.Errorf("echo-cancel: %v: %w", err, ErrConfigurationFailed))
	}
	if err := c.backend.SetDTMFMode(c.cfg.DTMFMode); err != nil {
		return c.opErr("configure", fmt.Errorf("dtmf-mode: %v: %w", err, ErrConfigurationFailed))
	}
	return nil
}

// Start launches the read loop and the status poll loop. The channel must
// be Active.
func (c *Channel) Start() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return c.opErr("start", ErrInvalidState)
	}
	if c.stopCh != nil {
		c.mu.Unlock()
		return nil // already running
	}
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.loopsWg.Add(2)
	go c.readLoop(stop)
	go c.pollLoop(stop)
	return nil
}

// Write validates the frame against the fixed hardware format and writes it
// through, retrying partial writes until the buffer is fully consumed
func (c *Channel) Write(frame *audio.Frame) error {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}
	if frame.Format != audio.HardwareFormat() {
		return c.opErr("write", fmt.Errorf("frame format %s, hardware needs %s: %w",
			frame.Format, audio.HardwareFormat(), ErrFormatMismatch))
	}

	switch c.State() {
	case StateActive, StateRecovering:
	default:
		return c.opErr("write", ErrInvalidState)
	}

	written := 0
	for written < len(frame.Data) {
		n, err := c.backend.WriteFrame(frame.Data[written:])
		if err != nil {
			return c.opErr("write", err)
		}
		if n == 0 {
			// Device back-pressure; yield briefly rather than spin
			c.clk.Sleep(time.Millisecond)
			continue
		}
		written += n
	}

	if c.met != nil {
		c.met.FramesWritten.Inc()
		c.met.BytesWritten.Add(float64(written))
	}
	return nil
}

// Ring issues ring-on and schedules ring-off after the given duration.
// A ring-off failure is logged, not returned, and local ringing state is
// cleared after a fallback timeout so the line can never ring forever.
func (c *Channel) Ring(duration time.Duration) error {
	switch c.State() {
	case StateActive, StateRecovering:
	default:
		return c.opErr("ring", ErrInvalidState)
	}

	if err := c.backend.RingOn(); err != nil {
		return c.opErr("ring", err)
	}

	c.mu.Lock()
	c.ringingLocal = true
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	if c.fallbackTmr != nil {
		c.fallbackTmr.Stop()
		c.fallbackTmr = nil
	}
	c.ringTimer = c.clk.AfterFunc(duration, c.ringOff)
	c.mu.Unlock()

	log.Printf("🔔 Channel %d: ringing for %v", c.cfg.ChannelNumber, duration)
	return nil
}

func (c *Channel) ringOff() {
	if err := c.backend.RingOff(); err != nil {
		log.Printf("⚠️ Channel %d: ring-off failed: %v", c.cfg.ChannelNumber, err)

		fallback := c.cfg.RingFallback
		if fallback <= 0 {
			fallback = 5 * time.Second
		}
		c.mu.Lock()
		if c.fallbackTmr != nil {
			c.fallbackTmr.Stop()
		}
		c.fallbackTmr = c.clk.AfterFunc(fallback, c.clearLocalRinging)
		c.mu.Unlock()
		return
	}
	c.clearLocalRinging()
}

func (c *Channel) clearLocalRinging() {
	c.mu.Lock()
	c.ringingLocal = false
	c.fallbackTmr = nil
	c.mu.Unlock()
}

// RingingLocally reports whether this channel believes it started a ring
// that has not yet been stopped
func (c *Channel) RingingLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringingLocal
}

// Close stops the loops and releases both device handles. Calling Close
// twice is a no-op, never an error.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	if c.fallbackTmr != nil {
		c.fallbackTmr.Stop()
		c.fallbackTmr = nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.loopsWg.Wait()

	err := c.backend.Close()
	releaseDevice(c.cfg.DevicePath)
	c.events.closeAll()
	log.Printf("📪 Channel %d: closed", c.cfg.ChannelNumber)
	return err
}

// readLoop continuously moves device blocks into the ring buffer and emits
// AudioReceived events. Transient I/O errors hand control to the recovery
// path; the loop never spins tightly on persistent failures.
func (c *Channel) readLoop(stop <-chan struct{}) {
	defer c.loopsWg.Done()

	buf := make([]byte, c.cfg.BufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := c.backend.ReadFrame(buf)
		if err != nil {
			if !c.recover(stop, err) {
				return
			}
			continue
		}

		if n == 0 {
			// No data yet; wait one poll interval before retrying
			select {
			case <-stop:
				return
			case <-c.clk.After(c.cfg.PollInterval):
			}
			continue
		}

		c.ring.Write(buf[:n])
		c.mu.Lock()
		c.lastRead = c.clk.Now()
		c.mu.Unlock()

		if c.met != nil {
			c.met.FramesRead.Inc()
			c.met.BytesRead.Add(float64(n))
		}

		frame := audio.NewFrame(append([]byte(nil), buf[:n]...))
		c.emit(Event{Type: EventAudioReceived, Frame: frame})
	}
}

// recover drives the Active→Recovering→Active|Closed transition. Returns
// false when the channel is finished (stopped or connection lost).
func (c *Channel) recover(stop <-chan struct{}, cause error) bool {
	c.setState(StateRecovering)
	c.emit(Event{Type: EventError, Err: c.opErr("read", cause)})
	log.Printf("⚠️ Channel %d: read failed, entering recovery: %v", c.cfg.ChannelNumber, cause)

	for {
		if c.sup.Exhausted() {
			log.Printf("❌ Channel %d: retry budget exhausted, connection lost", c.cfg.ChannelNumber)
			c.emit(Event{Type: EventConnectionLost, Err: c.opErr("read", ErrConnectionLost)})

			// Terminal close mirrors Close: stop the loops and timers so a
			// later Open/Configure/Start on the same instance works.
			c.mu.Lock()
			c.state = StateClosed
			if c.stopCh != nil {
				close(c.stopCh)
				c.stopCh = nil
			}
			if c.ringTimer != nil {
				c.ringTimer.Stop()
				c.ringTimer = nil
			}
			if c.fallbackTmr != nil {
				c.fallbackTmr.Stop()
				c.fallbackTmr = nil
			}
			c.mu.Unlock()
			if c.met != nil {
				c.met.ChannelState.Set(float64(StateClosed))
			}

			_ = c.backend.Close()
			releaseDevice(c.cfg.DevicePath)
			return false
		}

		delay := c.sup.RecordFailure()
		if c.met != nil {
			c.met.ReconnectAttempts.Inc()
		}
		log.Printf("🔁 Channel %d: reopen attempt %d in %v", c.cfg.ChannelNumber, c.sup.Attempts(), delay)

		select {
		case <-stop:
			return false
		case <-c.clk.After(delay):
		}

		_ = c.backend.Close()
		if err := c.backend.Open(c.cfg.DevicePath, c.cfg.ControlPath); err != nil {
			log.Printf("⚠️ Channel %d: reopen failed: %v", c.cfg.ChannelNumber, err)
			continue
		}
		if err := c.configureBackend(); err != nil {
			log.Printf("⚠️ Channel %d: reconfigure failed: %v", c.cfg.ChannelNumber, err)
			continue
		}

		c.sup.RecordSuccess()
		c.setState(StateActive)
		c.emit(Event{Type: EventReady})
		log.Printf("✅ Channel %d: recovered", c.cfg.ChannelNumber)
		return true
	}
}

// pollLoop periodically reads line status and emits one edge event per
// actual transition, never on repeated identical polls
func (c *Channel) pollLoop(stop <-chan struct{}) {
	defer c.loopsWg.Done()

	for {
		select {
		case <-stop:
			return
		case <-c.clk.After(c.cfg.PollInterval):
		}

		if c.State() != StateActive {
			continue
		}

		status, err := c.backend.GetStatus()
		if err != nil {
			// The read loop owns recovery; a failed poll is only logged
			log.Printf("⚠️ Channel %d: status poll failed: %v", c.cfg.ChannelNumber, err)
			continue
		}
		c.compareStatus(status)
		c.drainEvents()
	}
}

// compareStatus diffs a fresh snapshot against the previous one and emits
// edge events for every observed transition
func (c *Channel) compareStatus(status LineStatus) {
	c.mu.Lock()
	prev := c.prevStatus
	had := c.havePrev
	c.prevStatus = status
	c.havePrev = true
	c.mu.Unlock()

	if !had {
		return
	}

	if prev.Hookstate != status.Hookstate {
		c.emit(Event{Type: EventHookStateChanged, Hookstate: status.Hookstate})
		log.Printf("📞 Channel %d: hookstate %s", c.cfg.ChannelNumber, status.Hookstate)
	}

	if !prev.Ringing && status.Ringing {
		c.emit(Event{Type: EventRingStart})
	} else if prev.Ringing && !status.Ringing {
		c.emit(Event{Type: EventRingStop})
	}

	raised := status.Alarms &^ prev.Alarms
	cleared := prev.Alarms &^ status.Alarms
	if raised != 0 {
		c.emit(Event{Type: EventAlarmRaised, Alarms: raised})
		log.Printf("🚨 Channel %d: alarm raised 0x%x", c.cfg.ChannelNumber, raised)
	}
	if cleared != 0 {
		c.emit(Event{Type: EventAlarmCleared, Alarms: cleared})
	}
}

// drainEvents pulls queued out-of-band hardware events (DTMF digits)
func (c *Channel) drainEvents() {
	for {
		ev, ok, err := c.backend.NextEvent()
		if err != nil {
			log.Printf("⚠️ Channel %d: event drain failed: %v", c.cfg.ChannelNumber, err)
			return
		}
		if !ok {
			return
		}
		if ev.Digit != 0 {
			c.emit(Event{Type: EventDTMFDigit, Digit: ev.Digit})
			if c.met != nil {
				c.met.DTMFDigits.Inc()
			}
		}
	}
}

// LastStatus returns the most recent polled snapshot
func (c *Channel) LastStatus() (LineStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevStatus, c.havePrev
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.met != nil {
		c.met.ChannelState.Set(float64(s))
	}
}

func (c *Channel) emit(ev Event) {
	ev.Channel = c.cfg.ChannelNumber
	ev.Time = c.clk.Now()
	c.events.emit(ev)
	if c.met != nil {
		c.met.EventsEmitted.WithLabelValues(ev.Type.String()).Inc()
	}
}

// registerDiagnostics wires the named health checks into the supervisor
func (c *Channel) registerDiagnostics() {
	c.sup.RegisterCheck(func() health.Check {
		state := c.State()
		return health.Check{
			Name:   "device-open",
			Pass:   state == StateActive || state == StateRecovering || state == StateConfiguring,
			Detail: fmt.Sprintf("state %s", state),
		}
	})

	c.sup.RegisterCheck(func() health.Check {
		status, ok := c.LastStatus()
		if !ok {
			return health.Check{Name: "line-voltage", Pass: false, Detail: "no status polled yet"}
		}
		// Loop voltage: nominal 48V on-hook, sags under load off-hook
		pass := status.Voltage >= 5.0 && status.Voltage <= 56.0
		return health.Check{
			Name:   "line-voltage",
			Pass:   pass,
			Detail: fmt.Sprintf("%.1fV", status.Voltage),
		}
	})

	c.sup.RegisterCheck(func() health.Check {
		if c.State() != StateActive {
			return health.Check{Name: "audio-loopback", Pass: false, Detail: "channel not active"}
		}
		// A short silent block exercises the full write path
		probe := audio.SynthesizeSilence(20 * time.Millisecond)
		if err := c.Write(probe); err != nil {
			return health.Check{Name: "audio-loopback", Pass: false, Detail: err.Error()}
		}
		return health.Check{Name: "audio-loopback", Pass: true}
	})
}
