package voice

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// PlaybackHandle describes one buffer committed to the output device. Start
// and Duration are seconds on the output stream's clock.
type PlaybackHandle struct {
	// ID is the device's handle for the buffer.
	ID audio.BufferID

	// Start is when the buffer begins playing.
	Start float64

	// Duration is the buffer's playback length.
	Duration float64
}

// End returns the clock time at which the buffer finishes.
func (h PlaybackHandle) End() float64 { return h.Start + h.Duration }

// Scheduler places decoded frames back to back on an output stream so that
// contiguous arrivals play without gaps or overlap, and flushes everything on
// barge-in.
//
// Each frame starts at max(cursor, now); the cursor then advances to the end
// of that frame. The cursor never moves backwards except on Interrupt, where
// it is reset to the current clock time.
//
// A Scheduler is owned by a single goroutine and is not safe for concurrent
// use.
type Scheduler struct {
	out    audio.OutputStream
	cursor float64
	live   map[audio.BufferID]PlaybackHandle
}

// NewScheduler returns a scheduler for out with its cursor at the stream's
// current time.
func NewScheduler(out audio.OutputStream) *Scheduler {
	return &Scheduler{
		out:    out,
		cursor: out.CurrentTime(),
		live:   make(map[audio.BufferID]PlaybackHandle),
	}
}

// Schedule copies f into a device buffer and commits it at the cursor. Empty
// frames are ignored and return a zero handle. Errors come from the output
// device.
func (s *Scheduler) Schedule(f audio.AudioFrame) (PlaybackHandle, error) {
	frames := f.FrameCount()
	if frames == 0 {
		return PlaybackHandle{}, nil
	}
	buf, err := s.out.CreateBuffer(f.Channels, frames, f.SampleRate)
	if err != nil {
		return PlaybackHandle{}, fmt.Errorf("create buffer: %w", err)
	}
	if err := buf.CopyFrom(f); err != nil {
		return PlaybackHandle{}, err
	}

	start := max(s.cursor, s.out.CurrentTime())
	id, err := s.out.ScheduleBuffer(buf, start)
	if err != nil {
		return PlaybackHandle{}, fmt.Errorf("schedule buffer: %w", err)
	}
	h := PlaybackHandle{ID: id, Start: start, Duration: buf.Seconds()}
	s.cursor = h.End()
	s.live[id] = h
	return h, nil
}

// Ended records the natural completion of id and reports whether it was live.
// Unknown ids (already flushed, or from another stream) are ignored.
func (s *Scheduler) Ended(id audio.BufferID) bool {
	if _, ok := s.live[id]; !ok {
		return false
	}
	delete(s.live, id)
	return true
}

// Interrupt stops every live buffer, empties the live set, and moves the
// cursor to the current clock time so the next frame plays immediately. It
// returns the number of buffers flushed.
func (s *Scheduler) Interrupt() int {
	n := len(s.live)
	s.stopAll()
	s.cursor = s.out.CurrentTime()
	return n
}

// Close stops every live buffer without touching the cursor.
func (s *Scheduler) Close() { s.stopAll() }

func (s *Scheduler) stopAll() {
	for id := range s.live {
		// ErrUnknownBuffer means the device finished it first.
		_ = s.out.StopBuffer(id)
	}
	clear(s.live)
}

// Speaking reports whether any scheduled buffer has not finished.
func (s *Scheduler) Speaking() bool { return len(s.live) > 0 }

// Cursor returns the clock time at which the next frame would start if it
// arrived now and the clock had not caught up.
func (s *Scheduler) Cursor() float64 { return s.cursor }

// Live returns the live handles ordered by start time.
func (s *Scheduler) Live() []PlaybackHandle {
	out := make([]PlaybackHandle, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b PlaybackHandle) int { return cmp.Compare(a.Start, b.Start) })
	return out
}
