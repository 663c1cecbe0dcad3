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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
	"github.com/hearthline/fxs-bridge-go/internal/clock"
	"github.com/hearthline/fxs-bridge-go/internal/health"
)

// testConfig returns a valid config with a per-test device path so claims
// never collide across tests
func testConfig(t *testing.T) ChannelConfig {
	t.Helper()
	return ChannelConfig{
		DevicePath:    "/dev/mock/" + t.Name(),
		ControlPath:   "/dev/mock/ctl",
		ChannelNumber: 1,
		BufferSize:    320,
		PollInterval:  10 * time.Millisecond,
		RingFallback:  5 * time.Second,
		Params: LineParams{
			Signaling:      SignalingFXSLoopstart,
			EchoCancelTaps: 128,
			CallerIDFormat: "bell",
			ImpedanceOhms:  600,
		},
		DTMFMode: DTMFModeHardware,
	}
}

// openActive drives a fresh channel to the Active state
func openActive(t *testing.T, cfg ChannelConfig, backend DeviceBackend, clk clock.Clock) *Channel {
	t.Helper()
	ch, err := NewChannel(cfg, backend, nil, clk)
	require.NoError(t, err)
	require.NoError(t, ch.Open())
	require.NoError(t, ch.Configure())
	return ch
}

// drainPending collects every event currently buffered on the subscription
func drainPending(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestChannelConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ChannelConfig)
		wantErr bool
	}{
		{"valid", func(c *ChannelConfig) {}, false},
		{"empty device path", func(c *ChannelConfig) { c.DevicePath = "" }, true},
		{"empty control path", func(c *ChannelConfig) { c.ControlPath = "" }, true},
		{"zero buffer", func(c *ChannelConfig) { c.BufferSize = 0 }, true},
		{"buffer not multiple of 160", func(c *ChannelConfig) { c.BufferSize = 300 }, true},
		{"large aligned buffer", func(c *ChannelConfig) { c.BufferSize = 1600 }, false},
		{"zero poll interval", func(c *ChannelConfig) { c.PollInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChannelLifecycle(t *testing.T) {
	backend := NewMockBackend()
	cfg := testConfig(t)

	ch, err := NewChannel(cfg, backend, nil, clock.NewFake())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, ch.State())

	events := ch.Subscribe(16)

	require.NoError(t, ch.Open())
	assert.Equal(t, StateConfiguring, ch.State())

	require.NoError(t, ch.Configure())
	assert.Equal(t, StateActive, ch.State())

	// Configuration command order is fixed
	assert.Equal(t, []string{"open", "set-params", "echo-cancel:true", "dtmf-mode"}, backend.Ops())

	got := drainPending(events)
	require.Len(t, got, 1)
	assert.Equal(t, EventReady, got[0].Type)
	assert.Equal(t, 1, got[0].Channel)

	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())

	// Close twice is a no-op, never an error
	require.NoError(t, ch.Close())
}

func TestChannelOpenFailures(t *testing.T) {
	t.Run("backend_open_error", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetOpenError(fmt.Errorf("no such device: %w", ErrDeviceUnavailable))

		ch, err := NewChannel(testConfig(t), backend, nil, clock.NewFake())
		require.NoError(t, err)

		err = ch.Open()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDeviceUnavailable))
		assert.Equal(t, StateClosed, ch.State())

		var cerr *ChannelError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "open", cerr.Op)
	})

	t.Run("open_when_not_closed", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		err := ch.Open()
		assert.True(t, errors.Is(err, ErrInvalidState))
	})

	t.Run("concurrent_claim_fails_fast", func(t *testing.T) {
		cfg := testConfig(t)

		first := openActive(t, cfg, NewMockBackend(), clock.NewFake())
		defer first.Close()

		second, err := NewChannel(cfg, NewMockBackend(), nil, clock.NewFake())
		require.NoError(t, err)

		err = second.Open()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDeviceUnavailable))
	})

	t.Run("claim_released_on_close", func(t *testing.T) {
		cfg := testConfig(t)

		first := openActive(t, cfg, NewMockBackend(), clock.NewFake())
		require.NoError(t, first.Close())

		second, err := NewChannel(cfg, NewMockBackend(), nil, clock.NewFake())
		require.NoError(t, err)
		require.NoError(t, second.Open())
		second.Close()
	})
}

func TestConfigureFailures(t *testing.T) {
	tests := []struct {
		name    string
		inject  func(*MockBackend)
		wantCmd string
	}{
		{"set_params", func(m *MockBackend) { m.SetParamsError(fmt.Errorf("rejected")) }, "set-params"},
		{"echo_cancel", func(m *MockBackend) { m.SetEchoCancelError(fmt.Errorf("rejected")) }, "echo-cancel"},
		{"dtmf_mode", func(m *MockBackend) { m.SetDTMFModeError(fmt.Errorf("rejected")) }, "dtmf-mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMockBackend()
			tt.inject(backend)

			ch, err := NewChannel(testConfig(t), backend, nil, clock.NewFake())
			require.NoError(t, err)
			require.NoError(t, ch.Open())
			defer ch.Close()

			err = ch.Configure()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigurationFailed))
			// The failing command is named in the error
			assert.Contains(t, err.Error(), tt.wantCmd)
			assert.NotEqual(t, StateActive, ch.State())
		})
	}
}

func TestBufferInfoError(t *testing.T) {
	backend := NewMockBackend()
	backend.SetBufferError(fmt.Errorf("query failed: %w", ErrIOFailure))

	_, err := backend.GetBufferInfo()
	assert.True(t, errors.Is(err, ErrIOFailure))
}

func TestChannelWrite(t *testing.T) {
	t.Run("hardware_format_accepted", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		frame := audio.NewFrame(make([]byte, 320))
		require.NoError(t, ch.Write(frame))

		written := backend.WrittenFrames()
		require.Len(t, written, 1)
		assert.Len(t, written[0], 320)
	})

	t.Run("format_mismatch_rejected", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		frame := &audio.Frame{
			Data:   make([]byte, 640),
			Format: audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		}
		err := ch.Write(frame)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFormatMismatch))
		assert.Empty(t, backend.WrittenFrames())
	})

	t.Run("partial_writes_complete", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetPartialWrite(100)
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		require.NoError(t, ch.Write(audio.NewFrame(make([]byte, 320))))

		// 320 bytes in chunks of at most 100: 100+100+100+20
		written := backend.WrittenFrames()
		require.Len(t, written, 4)
		total := 0
		for _, w := range written {
			total += len(w)
		}
		assert.Equal(t, 320, total)
		assert.Len(t, written[3], 20)
	})

	t.Run("write_error_propagates", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		backend.SetWriteError(fmt.Errorf("bus fault: %w", ErrIOFailure))
		err := ch.Write(audio.NewFrame(make([]byte, 320)))
		assert.True(t, errors.Is(err, ErrIOFailure))
	})

	t.Run("closed_channel_rejects", func(t *testing.T) {
		backend := NewMockBackend()
		ch, err := NewChannel(testConfig(t), backend, nil, clock.NewFake())
		require.NoError(t, err)

		err = ch.Write(audio.NewFrame(make([]byte, 320)))
		assert.True(t, errors.Is(err, ErrInvalidState))
	})

	t.Run("empty_frame_is_noop", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		assert.NoError(t, ch.Write(nil))
		assert.NoError(t, ch.Write(audio.NewFrame(nil)))
		assert.Empty(t, backend.WrittenFrames())
	})
}

func TestEdgeEvents(t *testing.T) {
	t.Run("hookstate_transition_emits_once", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		events := ch.Subscribe(16)

		// First snapshot only seeds the baseline
		ch.compareStatus(LineStatus{Hookstate: OnHook, Voltage: 48})
		assert.Empty(t, drainPending(events))

		ch.compareStatus(LineStatus{Hookstate: OffHook, Voltage: 8})
		got := drainPending(events)
		require.Len(t, got, 1)
		assert.Equal(t, EventHookStateChanged, got[0].Type)
		assert.Equal(t, OffHook, got[0].Hookstate)

		// Repeated identical polls stay silent
		ch.compareStatus(LineStatus{Hookstate: OffHook, Voltage: 8})
		ch.compareStatus(LineStatus{Hookstate: OffHook, Voltage: 8})
		assert.Empty(t, drainPending(events))

		ch.compareStatus(LineStatus{Hookstate: OnHook, Voltage: 48})
		got = drainPending(events)
		require.Len(t, got, 1)
		assert.Equal(t, OnHook, got[0].Hookstate)
	})

	t.Run("ring_edges", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		events := ch.Subscribe(16)

		ch.compareStatus(LineStatus{Voltage: 48})
		ch.compareStatus(LineStatus{Voltage: 48, Ringing: true})
		ch.compareStatus(LineStatus{Voltage: 48, Ringing: true})
		ch.compareStatus(LineStatus{Voltage: 48})

		got := drainPending(events)
		require.Len(t, got, 2)
		assert.Equal(t, EventRingStart, got[0].Type)
		assert.Equal(t, EventRingStop, got[1].Type)
	})

	t.Run("alarm_bitmask_edges", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		events := ch.Subscribe(16)

		ch.compareStatus(LineStatus{Voltage: 48})
		ch.compareStatus(LineStatus{Voltage: 48, Alarms: AlarmRed | AlarmYellow})

		got := drainPending(events)
		require.Len(t, got, 1)
		assert.Equal(t, EventAlarmRaised, got[0].Type)
		assert.Equal(t, AlarmRed|AlarmYellow, got[0].Alarms)

		// One flag clears while the other persists: only the cleared flag
		// is reported
		ch.compareStatus(LineStatus{Voltage: 48, Alarms: AlarmRed})
		got = drainPending(events)
		require.Len(t, got, 1)
		assert.Equal(t, EventAlarmCleared, got[0].Type)
		assert.Equal(t, AlarmYellow, got[0].Alarms)
	})

	t.Run("dtmf_digits_drained", func(t *testing.T) {
		backend := NewMockBackend()
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		events := ch.Subscribe(16)
		backend.QueueEvent(LineEvent{Digit: '5'})
		backend.QueueEvent(LineEvent{Digit: '#'})

		ch.drainEvents()

		got := drainPending(events)
		require.Len(t, got, 2)
		assert.Equal(t, EventDTMFDigit, got[0].Type)
		assert.Equal(t, byte('5'), got[0].Digit)
		assert.Equal(t, byte('#'), got[1].Digit)
	})
}

func TestPollLoopIntegration(t *testing.T) {
	backend := NewMockBackend()
	backend.QueueStatus(LineStatus{Hookstate: OnHook, Voltage: 48})
	backend.QueueStatus(LineStatus{Hookstate: OffHook, Voltage: 8})

	cfg := testConfig(t)
	cfg.PollInterval = 2 * time.Millisecond

	ch := openActive(t, cfg, backend, nil)
	defer ch.Close()

	events := ch.Subscribe(32)
	require.NoError(t, ch.Start())

	require.Eventually(t, func() bool {
		for _, ev := range drainPending(events) {
			if ev.Type == EventHookStateChanged && ev.Hookstate == OffHook {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "hookstate edge never emitted")
}

func TestRing(t *testing.T) {
	t.Run("ring_then_scheduled_off", func(t *testing.T) {
		backend := NewMockBackend()
		fake := clock.NewFake()
		ch := openActive(t, testConfig(t), backend, fake)
		defer ch.Close()

		require.NoError(t, ch.Ring(2*time.Second))
		assert.True(t, backend.Ringing())
		assert.True(t, ch.RingingLocally())

		fake.Advance(2 * time.Second)
		assert.False(t, backend.Ringing())
		assert.False(t, ch.RingingLocally())
	})

	t.Run("ring_on_failure_returned", func(t *testing.T) {
		backend := NewMockBackend()
		backend.SetRingOnError(fmt.Errorf("ring generator fault: %w", ErrIOFailure))
		ch := openActive(t, testConfig(t), backend, clock.NewFake())
		defer ch.Close()

		err := ch.Ring(time.Second)
		require.Error(t, err)
		assert.False(t, ch.RingingLocally())
	})

	t.Run("ring_off_failure_clears_after_fallback", func(t *testing.T) {
		backend := NewMockBackend()
		fake := clock.NewFake()
		ch := openActive(t, testConfig(t), backend, fake)
		defer ch.Close()

		require.NoError(t, ch.Ring(2*time.Second))
		backend.SetRingOffError(fmt.Errorf("stuck relay: %w", ErrIOFailure))

		// Ring-off fails; local state holds until the fallback fires
		fake.Advance(2 * time.Second)
		assert.True(t, ch.RingingLocally())

		fake.Advance(5 * time.Second)
		assert.False(t, ch.RingingLocally())
	})

	t.Run("new_ring_cancels_stale_fallback", func(t *testing.T) {
		backend := NewMockBackend()
		fake := clock.NewFake()
		ch := openActive(t, testConfig(t), backend, fake)
		defer ch.Close()

		require.NoError(t, ch.Ring(2*time.Second))
		backend.SetRingOffError(fmt.Errorf("stuck relay: %w", ErrIOFailure))
		fake.Advance(2 * time.Second) // ring-off fails, fallback armed

		// The relay recovers and a fresh ring starts before the old
		// fallback would have fired
		backend.SetRingOffError(nil)
		require.NoError(t, ch.Ring(10*time.Second))

		fake.Advance(6 * time.Second)
		assert.True(t, ch.RingingLocally(), "stale fallback cleared a live ring")
		assert.True(t, backend.Ringing())

		fake.Advance(4 * time.Second)
		assert.False(t, ch.RingingLocally())
		assert.False(t, backend.Ringing())
	})

	t.Run("ring_requires_active", func(t *testing.T) {
		ch, err := NewChannel(testConfig(t), NewMockBackend(), nil, clock.NewFake())
		require.NoError(t, err)

		err = ch.Ring(time.Second)
		assert.True(t, errors.Is(err, ErrInvalidState))
	})
}

func TestRecovery(t *testing.T) {
	t.Run("reopen_restores_active", func(t *testing.T) {
		backend := NewMockBackend()
		sup := health.NewSupervisor(health.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
			MaxAttempts: 5,
		}, nil)

		cfg := testConfig(t)
		ch, err := NewChannel(cfg, backend, sup, nil)
		require.NoError(t, err)
		require.NoError(t, ch.Open())
		require.NoError(t, ch.Configure())
		defer ch.Close()

		events := ch.Subscribe(16)
		drainPending(events)

		stop := make(chan struct{})
		ok := ch.recover(stop, fmt.Errorf("short read: %w", ErrIOFailure))
		require.True(t, ok)
		assert.Equal(t, StateActive, ch.State())

		// Counter resets after the successful reopen
		assert.Equal(t, 0, sup.Attempts())

		var sawError, sawReady bool
		for _, ev := range drainPending(events) {
			switch ev.Type {
			case EventError:
				sawError = true
			case EventReady:
				sawReady = true
			}
		}
		assert.True(t, sawError, "recovery must announce the failure")
		assert.True(t, sawReady, "recovery must announce the restored channel")
	})

	t.Run("exhausted_budget_is_terminal", func(t *testing.T) {
		backend := NewMockBackend()
		sup := health.NewSupervisor(health.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			MaxAttempts: 2,
		}, nil)

		cfg := testConfig(t)
		ch, err := NewChannel(cfg, backend, sup, nil)
		require.NoError(t, err)
		require.NoError(t, ch.Open())
		require.NoError(t, ch.Configure())

		events := ch.Subscribe(16)
		drainPending(events)

		// Every reopen fails until the budget runs out
		backend.SetOpenError(fmt.Errorf("device gone: %w", ErrDeviceUnavailable))

		stop := make(chan struct{})
		ok := ch.recover(stop, fmt.Errorf("read: %w", ErrIOFailure))
		require.False(t, ok)
		assert.Equal(t, StateClosed, ch.State())

		var sawLost bool
		for _, ev := range drainPending(events) {
			if ev.Type == EventConnectionLost {
				sawLost = true
				assert.True(t, errors.Is(ev.Err, ErrConnectionLost))
			}
		}
		assert.True(t, sawLost, "terminal failure must emit connection-lost")

		// The device claim is released; a fresh channel can take over
		replacement, err := NewChannel(cfg, NewMockBackend(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, replacement.Open())
		replacement.Close()
	})

	t.Run("restart_after_terminal_loss", func(t *testing.T) {
		backend := NewMockBackend()
		sup := health.NewSupervisor(health.Config{
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			MaxAttempts: 1,
		}, nil)

		cfg := testConfig(t)
		cfg.PollInterval = 2 * time.Millisecond
		ch, err := NewChannel(cfg, backend, sup, nil)
		require.NoError(t, err)
		require.NoError(t, ch.Open())
		require.NoError(t, ch.Configure())
		require.NoError(t, ch.Start())

		events := ch.Subscribe(32)

		// The device dies and every reopen fails, exhausting the budget
		backend.SetReadError(fmt.Errorf("read: %w", ErrIOFailure))
		backend.SetOpenError(fmt.Errorf("device gone: %w", ErrDeviceUnavailable))

		require.Eventually(t, func() bool {
			return ch.State() == StateClosed
		}, 2*time.Second, time.Millisecond, "exhausted channel never closed")

		var sawLost bool
		for _, ev := range drainPending(events) {
			if ev.Type == EventConnectionLost {
				sawLost = true
			}
		}
		require.True(t, sawLost)

		// The device comes back; the same instance restarts from Closed
		backend.SetReadError(nil)
		backend.SetOpenError(nil)
		backend.QueueReadFrame(make([]byte, 320))

		require.NoError(t, ch.Close())
		require.NoError(t, ch.Open())
		require.NoError(t, ch.Configure())
		require.NoError(t, ch.Start())
		defer ch.Close()

		assert.Equal(t, StateActive, ch.State())
		assert.False(t, sup.Exhausted(), "restart must restore the retry budget")

		require.Eventually(t, func() bool {
			return ch.Buffer().AvailableToRead() > 0
		}, 2*time.Second, time.Millisecond, "read loop never resumed after restart")
	})
}

func TestReadLoopFillsRing(t *testing.T) {
	backend := NewMockBackend()
	block := make([]byte, 320)
	for i := range block {
		block[i] = byte(i % 251)
	}
	backend.QueueReadFrame(block)

	cfg := testConfig(t)
	cfg.PollInterval = 2 * time.Millisecond

	ch := openActive(t, cfg, backend, nil)
	defer ch.Close()

	events := ch.Subscribe(32)
	require.NoError(t, ch.Start())

	require.Eventually(t, func() bool {
		return ch.Buffer().AvailableToRead() >= 320
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, block, ch.Buffer().Read(320))

	// The same block also arrived as an audio event
	require.Eventually(t, func() bool {
		for _, ev := range drainPending(events) {
			if ev.Type == EventAudioReceived && ev.Frame != nil {
				return assert.ObjectsAreEqual(block, ev.Frame.Data)
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDiagnosticChecks(t *testing.T) {
	backend := NewMockBackend()
	ch := openActive(t, testConfig(t), backend, clock.NewFake())
	defer ch.Close()

	ch.compareStatus(LineStatus{Hookstate: OnHook, Voltage: 48})

	results := ch.Supervisor().RunDiagnostics()
	byName := map[string]health.Check{}
	for _, r := range results {
		byName[r.Name] = r
	}

	require.Contains(t, byName, "device-open")
	assert.True(t, byName["device-open"].Pass)

	require.Contains(t, byName, "line-voltage")
	assert.True(t, byName["line-voltage"].Pass)

	require.Contains(t, byName, "audio-loopback")
	assert.True(t, byName["audio-loopback"].Pass)

	// A dead line fails the voltage check
	ch.compareStatus(LineStatus{Hookstate: OnHook, Voltage: 0})
	results = ch.Supervisor().RunDiagnostics()
	for _, r := range results {
		if r.Name == "line-voltage" {
			assert.False(t, r.Pass)
		}
	}
}
