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

// Package metrics exposes Prometheus instrumentation for the FXS bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the bridge
type Metrics struct {
	// Audio path
	FramesRead    prometheus.Counter
	FramesWritten prometheus.Counter
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter
	RingOverruns  prometheus.Counter

	// Line state
	ChannelState  prometheus.Gauge
	EventsEmitted *prometheus.CounterVec
	DTMFDigits    prometheus.Counter

	// Recovery
	ReconnectAttempts prometheus.Counter

	// Feedback
	FeedbackQueueDepth prometheus.Gauge
	FeedbackTasks      *prometheus.CounterVec

	// Diagnostics
	DiagnosticResult *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FramesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_frames_read_total",
			Help: "Total PCM blocks read from the telephony device",
		}),
		FramesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_frames_written_total",
			Help: "Total PCM frames written to the telephony device",
		}),
		BytesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_bytes_read_total",
			Help: "Total PCM bytes read from the telephony device",
		}),
		BytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_bytes_written_total",
			Help: "Total PCM bytes written to the telephony device",
		}),
		RingOverruns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_ring_buffer_overrun_bytes_total",
			Help: "Bytes evicted from the ring buffer because consumers fell behind",
		}),
		ChannelState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fxs_channel_state",
			Help: "Channel lifecycle state (0=closed 1=opening 2=configuring 3=active 4=recovering)",
		}),
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fxs_events_emitted_total",
			Help: "Channel events emitted, by event type",
		}, []string{"type"}),
		DTMFDigits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_dtmf_digits_total",
			Help: "Total DTMF digits reported by the hardware",
		}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fxs_reconnect_attempts_total",
			Help: "Total device reopen attempts after transient I/O failures",
		}),
		FeedbackQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fxs_feedback_queue_depth",
			Help: "Feedback tasks currently queued for playback",
		}),
		FeedbackTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fxs_feedback_tasks_total",
			Help: "Feedback tasks processed, by outcome",
		}, []string{"outcome"}),
		DiagnosticResult: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxs_diagnostic_pass",
			Help: "Latest diagnostic result per named check (1=pass 0=fail)",
		}, []string{"check"}),
	}
}
