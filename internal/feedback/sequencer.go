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

// Package feedback serializes tone and speech playback into the channel's
// write path: at most one active playback at a time, FIFO order, with
// cooperative interruption.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/hearthline/fxs-bridge-go/internal/audio"
	"github.com/hearthline/fxs-bridge-go/internal/clock"
	"github.com/hearthline/fxs-bridge-go/internal/metrics"
)

var (
	// ErrQueueOverflow means the FIFO queue is full and the task was rejected
	ErrQueueOverflow = errors.New("feedback queue overflow")

	// ErrInterrupted means the task was cancelled before completing
	ErrInterrupted = errors.New("playback interrupted")
)

// FrameWriter is the sequencer's only view of the channel interface
type FrameWriter interface {
	Write(frame *audio.Frame) error
}

// Synthesizer is the external speech service seam. Synthesized buffers are
// run through the format guard before they reach hardware.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (data []byte, format audio.Format, err error)
}

// Task is one queued unit of playback: either a tone pattern or an audio
// frame. A task is owned exclusively by the sequencer once enqueued and is
// destroyed on completion or interruption.
type Task struct {
	pattern *audio.TonePattern
	frame   *audio.Frame

	done     chan error
	doneOnce sync.Once

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewToneTask creates a task that plays a tone pattern
func NewToneTask(pattern *audio.TonePattern) *Task {
	return newTask(pattern, nil)
}

// NewAudioTask creates a task that plays a PCM frame
func NewAudioTask(frame *audio.Frame) *Task {
	return newTask(nil, frame)
}

func newTask(pattern *audio.TonePattern, frame *audio.Frame) *Task {
	return &Task{
		pattern:  pattern,
		frame:    frame,
		done:     make(chan error, 1),
		cancelCh: make(chan struct{}),
	}
}

// Wait blocks until the task completes or is interrupted
func (t *Task) Wait() error {
	return <-t.done
}

// Done exposes the completion signal for select-based callers
func (t *Task) Done() <-chan error {
	return t.done
}

func (t *Task) complete(err error) {
	t.doneOnce.Do(func() { t.done <- err })
}

func (t *Task) cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *Task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Sequencer drains queued feedback tasks one at a time in FIFO order
type Sequencer struct {
	writer FrameWriter
	synth  Synthesizer
	clk    clock.Clock
	met    *metrics.Metrics

	queue chan *Task

	mu      sync.Mutex
	current *Task
	stopCh  chan struct{}
	started bool

	wg sync.WaitGroup
}

// NewSequencer creates a sequencer writing through the given FrameWriter.
// synth may be nil when no speech service is attached.
func NewSequencer(writer FrameWriter, synth Synthesizer, queueDepth int, clk clock.Clock) *Sequencer {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Sequencer{
		writer: writer,
		synth:  synth,
		clk:    clk,
		queue:  make(chan *Task, queueDepth),
		stopCh: make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus instrumentation
func (s *Sequencer) SetMetrics(m *metrics.Metrics) {
	s.met = m
}

// Start launches the drain loop
func (s *Sequencer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.drainLoop()
}

// Stop halts the drain loop, interrupting any in-flight playback
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.Interrupt()
	s.wg.Wait()
}

// Enqueue submits a task to the FIFO queue. Callers that care about the
// outcome Wait on the task; fire-and-forget callers just drop the handle.
// A full queue rejects the task with ErrQueueOverflow.
func (s *Sequencer) Enqueue(task *Task) error {
	select {
	case s.queue <- task:
		if s.met != nil {
			s.met.FeedbackQueueDepth.Set(float64(len(s.queue)))
		}
		return nil
	default:
		task.complete(ErrQueueOverflow)
		return ErrQueueOverflow
	}
}

// PlayTonePattern enqueues a tone pattern and waits for it to finish
func (s *Sequencer) PlayTonePattern(pattern *audio.TonePattern) error {
	task := NewToneTask(pattern)
	if err := s.Enqueue(task); err != nil {
		return err
	}
	return task.Wait()
}

// PlaySeverity plays the fixed tone pattern mapped to a notification
// severity
func (s *Sequencer) PlaySeverity(severity string) error {
	return s.PlayTonePattern(audio.PatternForSeverity(severity))
}

// Speak synthesizes text through the attached speech service, converts the
// result to the hardware format, and plays it as a queued task
func (s *Sequencer) Speak(ctx context.Context, text string) error {
	if s.synth == nil {
		return fmt.Errorf("no speech synthesizer attached")
	}

	data, format, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize failed: %w", err)
	}

	frame, err := audio.Convert(data, format)
	if err != nil {
		return fmt.Errorf("synthesized audio rejected: %w", err)
	}

	task := NewAudioTask(frame)
	if err := s.Enqueue(task); err != nil {
		return err
	}
	return task.Wait()
}

// Interrupt clears the pending queue and cancels the in-flight task. The
// channel interface is not forced to abort a write already in progress;
// no further steps of cancelled tasks execute.
func (s *Sequencer) Interrupt() {
	for {
		select {
		case task := <-s.queue:
			task.cancel()
			task.complete(ErrInterrupted)
		default:
			s.mu.Lock()
			if s.current != nil {
				s.current.cancel()
			}
			s.mu.Unlock()
			if s.met != nil {
				s.met.FeedbackQueueDepth.Set(0)
			}
			return
		}
	}
}

// QueueDepth reports the number of pending tasks
func (s *Sequencer) QueueDepth() int {
	return len(s.queue)
}

func (s *Sequencer) drainLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if s.met != nil {
				s.met.FeedbackQueueDepth.Set(float64(len(s.queue)))
			}

			s.mu.Lock()
			s.current = task
			s.mu.Unlock()

			err := s.run(task)

			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()

			task.complete(err)
			if s.met != nil {
				s.met.FeedbackTasks.WithLabelValues(outcomeLabel(err)).Inc()
			}
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		return "error"
	}
}

// run executes a single task to completion, interruption, or failure
func (s *Sequencer) run(task *Task) error {
	if task.cancelled() {
		return ErrInterrupted
	}

	if task.pattern != nil {
		return s.playPattern(task)
	}
	if task.frame != nil {
		return s.writer.Write(task.frame)
	}
	return nil
}

// playPattern steps through the pattern in order. A pause step suspends
// without touching hardware; a failure mid-pattern aborts the remaining
// steps and propagates to the waiting caller.
func (s *Sequencer) playPattern(task *Task) error {
	for i, step := range task.pattern.Steps {
		if task.cancelled() {
			return ErrInterrupted
		}

		if step.IsPause() {
			select {
			case <-task.cancelCh:
				return ErrInterrupted
			case <-s.clk.After(step.Duration):
			}
			continue
		}

		frame := audio.SynthesizeTone(step.Frequency, step.Duration, step.Level)
		if err := s.writer.Write(frame); err != nil {
			log.Printf("⚠️ Feedback: pattern %q aborted at step %d: %v", task.pattern.Name, i, err)
			return err
		}
	}
	return nil
}
