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

package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
	"github.com/hearthline/fxs-bridge-go/internal/clock"
	"github.com/hearthline/fxs-bridge-go/internal/config"
	"github.com/hearthline/fxs-bridge-go/internal/dahdi"
	"github.com/hearthline/fxs-bridge-go/internal/dtmf"
	"github.com/hearthline/fxs-bridge-go/internal/feedback"
	"github.com/hearthline/fxs-bridge-go/internal/health"
	"github.com/hearthline/fxs-bridge-go/internal/metrics"
	"github.com/hearthline/fxs-bridge-go/internal/natsbridge"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		cfg = loaded
	}

	log.Printf("🚀 Starting Hearthline FXS bridge")
	log.Printf("📞 Channel %d: %s (%s backend)", cfg.Device.Channel, cfg.Device.DevicePath, cfg.Device.Backend)

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("📊 Metrics listening on %s", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Printf("⚠️ Metrics server stopped: %v", err)
			}
		}()
	}

	var backend dahdi.DeviceBackend
	switch cfg.Device.Backend {
	case "soundcard":
		backend = dahdi.NewSoundcardBackend(cfg.Device.BufferSize)
	default:
		backend = dahdi.NewDeviceHandle()
	}

	clk := clock.System()
	sup := health.NewSupervisor(health.Config{
		BaseDelay:   cfg.Health.BaseDelay,
		MaxDelay:    cfg.Health.MaxDelay,
		MaxAttempts: cfg.Health.MaxAttempts,
	}, clk)

	ch, err := dahdi.NewChannel(dahdi.ChannelConfig{
		DevicePath:    cfg.Device.DevicePath,
		ControlPath:   cfg.Device.ControlPath,
		ChannelNumber: cfg.Device.Channel,
		BufferSize:    cfg.Device.BufferSize,
		PollInterval:  cfg.Device.PollInterval,
		RingFallback:  cfg.Device.RingFallback,
		Params: dahdi.LineParams{
			Signaling:      dahdi.SignalingFXSLoopstart,
			EchoCancelTaps: cfg.Device.EchoCancelTaps,
			CallerIDFormat: cfg.Device.CallerIDFormat,
			ImpedanceOhms:  cfg.Device.ImpedanceOhms,
		},
		DTMFMode: dahdi.DTMFModeHardware,
	}, backend, sup, clk)
	if err != nil {
		log.Fatalf("❌ Invalid channel configuration: %v", err)
	}
	ch.SetMetrics(met)

	// The bridge's event subscription must exist before Start so the
	// ready event is not missed
	events := ch.Subscribe(64)

	if err := ch.Open(); err != nil {
		log.Fatalf("❌ Failed to open channel: %v", err)
	}
	if err := ch.Configure(); err != nil {
		ch.Close()
		log.Fatalf("❌ Failed to configure channel: %v", err)
	}

	for _, check := range sup.RunDiagnostics() {
		if check.Pass {
			log.Printf("✅ Diagnostic %s: ok", check.Name)
		} else {
			log.Printf("⚠️ Diagnostic %s: %s", check.Name, check.Detail)
		}
		if met != nil {
			pass := 0.0
			if check.Pass {
				pass = 1.0
			}
			met.DiagnosticResult.WithLabelValues(check.Name).Set(pass)
		}
	}

	seq := feedback.NewSequencer(ch, nil, cfg.Feedback.QueueDepth, clk)
	seq.SetMetrics(met)
	seq.Start()

	collector := dtmf.NewCollector(cfg.DTMF.InterDigitTimeout)

	var bridge *natsbridge.Bridge
	var conn natsbridge.Conn
	if cfg.NATS.Enabled {
		conn, err = natsbridge.Connect(cfg.NATS.URL)
		if err != nil {
			ch.Close()
			log.Fatalf("❌ %v", err)
		}
		bridge = natsbridge.NewBridge(conn, cfg.Device.Channel, events, seq, ch, collector)
		if err := bridge.Start(); err != nil {
			conn.Close()
			ch.Close()
			log.Fatalf("❌ Failed to start bridge: %v", err)
		}
	}

	if err := ch.Start(); err != nil {
		log.Fatalf("❌ Failed to start channel loops: %v", err)
	}

	// Audible confirmation that the line is live
	if err := seq.PlayTonePattern(audio.PatternConfirm); err != nil {
		log.Printf("⚠️ Startup tone failed: %v", err)
	}

	log.Printf("✅ Bridge running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 Shutting down...")
	if bridge != nil {
		bridge.Stop()
	}
	seq.Stop()
	if err := ch.Close(); err != nil {
		log.Printf("⚠️ Channel close: %v", err)
	}
	if conn != nil {
		conn.Close()
	}
	log.Println("📪 Bridge stopped")
}
