package voice_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/livevoice/internal/voice"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
)

// monoFrame returns a silent 24 kHz mono frame lasting seconds.
func monoFrame(seconds float64) audio.AudioFrame {
	n := int(seconds * audio.OutputSampleRate)
	return audio.AudioFrame{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate, Channels: 1}
}

func TestScheduler_ContiguousFrames(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(3.0)
	s := voice.NewScheduler(out)

	h1, err := s.Schedule(monoFrame(0.5))
	if err != nil {
		t.Fatalf("Schedule #1: %v", err)
	}
	h2, err := s.Schedule(monoFrame(0.5))
	if err != nil {
		t.Fatalf("Schedule #2: %v", err)
	}

	if h1.Start != 3.0 {
		t.Errorf("first start = %v, want 3.0", h1.Start)
	}
	if h2.Start != 3.5 {
		t.Errorf("second start = %v, want 3.5", h2.Start)
	}
	if h1.End() != h2.Start {
		t.Errorf("gap between frames: first ends %v, second starts %v", h1.End(), h2.Start)
	}
	if got := s.Cursor(); got != 4.0 {
		t.Errorf("Cursor() = %v, want 4.0", got)
	}
	if !s.Speaking() {
		t.Error("Speaking() = false with two live buffers")
	}
}

func TestScheduler_StartsAtClockAfterIdleGap(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(0)
	s := voice.NewScheduler(out)

	if _, err := s.Schedule(monoFrame(0.25)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out.SetTime(7)
	h, err := s.Schedule(monoFrame(0.25))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if h.Start != 7 {
		t.Errorf("start = %v, want 7 (clock ahead of cursor)", h.Start)
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(1.0)
	s := voice.NewScheduler(out)

	var ids []audio.BufferID
	for range 3 {
		h, err := s.Schedule(monoFrame(0.5))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		ids = append(ids, h.ID)
	}

	out.SetTime(1.2)
	if n := s.Interrupt(); n != 3 {
		t.Errorf("Interrupt() flushed %d, want 3", n)
	}
	if s.Speaking() {
		t.Error("Speaking() = true after Interrupt")
	}
	if len(s.Live()) != 0 {
		t.Errorf("Live() = %v, want empty", s.Live())
	}
	if out.Live() != 0 {
		t.Errorf("device still holds %d buffers", out.Live())
	}
	if got := len(out.Stops()); got != len(ids) {
		t.Errorf("StopBuffer calls = %d, want %d", got, len(ids))
	}
	if got := s.Cursor(); got < out.CurrentTime() {
		t.Errorf("Cursor() = %v, behind clock %v", got, out.CurrentTime())
	}

	h, err := s.Schedule(monoFrame(0.5))
	if err != nil {
		t.Fatalf("Schedule after interrupt: %v", err)
	}
	if h.Start != 1.2 {
		t.Errorf("start after interrupt = %v, want 1.2", h.Start)
	}
}

func TestScheduler_InterruptWhenIdle(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(4)
	s := voice.NewScheduler(out)
	if n := s.Interrupt(); n != 0 {
		t.Errorf("Interrupt() = %d on empty scheduler, want 0", n)
	}
	if got := s.Cursor(); got != 4 {
		t.Errorf("Cursor() = %v, want 4", got)
	}
}

func TestScheduler_Ended(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(0)
	s := voice.NewScheduler(out)

	h1, _ := s.Schedule(monoFrame(0.1))
	h2, _ := s.Schedule(monoFrame(0.1))

	if !s.Ended(h1.ID) {
		t.Error("Ended(h1) = false, want true")
	}
	if s.Ended(h1.ID) {
		t.Error("second Ended(h1) = true, want false")
	}
	if s.Ended(audio.BufferID(999)) {
		t.Error("Ended(unknown) = true, want false")
	}
	if live := s.Live(); len(live) != 1 || live[0].ID != h2.ID {
		t.Errorf("Live() = %v, want only h2", live)
	}
	s.Ended(h2.ID)
	if s.Speaking() {
		t.Error("Speaking() = true after all buffers ended")
	}
}

func TestScheduler_EmptyFrameIgnored(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(0)
	s := voice.NewScheduler(out)

	h, err := s.Schedule(audio.AudioFrame{SampleRate: audio.OutputSampleRate, Channels: 1})
	if err != nil {
		t.Fatalf("Schedule(empty): %v", err)
	}
	if h != (voice.PlaybackHandle{}) {
		t.Errorf("handle = %+v, want zero", h)
	}
	if len(out.Schedules()) != 0 {
		t.Error("empty frame reached the device")
	}
}

func TestScheduler_DeviceError(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(0)
	out.ScheduleError = audio.ErrDeviceUnavailable
	s := voice.NewScheduler(out)

	_, err := s.Schedule(monoFrame(0.1))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Schedule error = %v, want ErrDeviceUnavailable", err)
	}
	if s.Speaking() {
		t.Error("failed schedule left a live buffer")
	}
	if s.Cursor() != 0 {
		t.Errorf("Cursor() moved to %v on failure", s.Cursor())
	}
}

func TestScheduler_CopiesSamples(t *testing.T) {
	t.Parallel()

	out := audiomock.NewOutputStream(0)
	s := voice.NewScheduler(out)

	f := audio.AudioFrame{Samples: []float32{0.1, -0.1, 0.2, -0.2}, SampleRate: audio.OutputSampleRate, Channels: 2}
	if _, err := s.Schedule(f); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	buf := out.Schedules()[0].Buffer
	if buf.Channels() != 2 || buf.FrameCount() != 2 {
		t.Fatalf("buffer shape = %dch x %d, want 2ch x 2", buf.Channels(), buf.FrameCount())
	}
	if buf.Data[0][1] != 0.2 || buf.Data[1][1] != -0.2 {
		t.Errorf("buffer data = %v, want deinterleaved samples", buf.Data)
	}
}
