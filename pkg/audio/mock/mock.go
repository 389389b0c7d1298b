// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Capture is push-driven and the output clock is manual:
//
//	mic := &mock.CaptureDevice{}
//	spk := &mock.OutputDevice{}
//	// ... start the session ...
//	mic.Stream().Push(audio.AudioFrame{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
//	spk.Stream().SetTime(1.5)
//	spk.Stream().Finish(id)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// defaultFrameBuffer is the capacity of a mock capture stream's frame channel.
const defaultFrameBuffer = 256

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// OpenStreamCall records the arguments of a single [CaptureDevice.OpenStream]
// invocation.
type OpenStreamCall struct {
	SampleRate      int
	FramesPerBuffer int
}

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Each
// successful OpenStream creates a fresh [CaptureStream].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenError is returned by OpenStream when non-nil.
	OpenError error

	// OpenStreamCalls records all OpenStream invocations.
	OpenStreamCalls []OpenStreamCall

	streams []*CaptureStream
}

// OpenStream implements [audio.CaptureDevice].
func (d *CaptureDevice) OpenStream(_ context.Context, sampleRate, framesPerBuffer int) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenStreamCalls = append(d.OpenStreamCalls, OpenStreamCall{SampleRate: sampleRate, FramesPerBuffer: framesPerBuffer})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := NewCaptureStream(sampleRate)
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *CaptureDevice) Stream() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Streams returns every stream opened so far.
func (d *CaptureDevice) Streams() []*CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*CaptureStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock [audio.CaptureStream] driven by the test.
type CaptureStream struct {
	mu sync.Mutex

	// SampleRate is the rate passed to OpenStream.
	SampleRate int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.AudioFrame
	err    error
	ended  bool
}

// NewCaptureStream returns an open stream.
func NewCaptureStream(sampleRate int) *CaptureStream {
	return &CaptureStream{
		SampleRate: sampleRate,
		frames:     make(chan audio.AudioFrame, defaultFrameBuffer),
	}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.endLocked(nil)
	return nil
}

// Push delivers f to the reader. It reports false if the stream has ended or
// the channel is full.
func (s *CaptureStream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Fail ends the stream with err, as a device fault would.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

// CloseCount returns CallCountClose.
func (s *CaptureStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Closed reports whether Close was called at least once.
func (s *CaptureStream) Closed() bool { return s.CloseCount() > 0 }

func (s *CaptureStream) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.frames)
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [OutputDevice.Open] invocation.
type OpenCall struct {
	SampleRate int
	Channels   int
}

// OutputDevice is a mock implementation of [audio.OutputDevice]. Each
// successful Open creates a fresh [OutputStream] whose clock starts at
// StartTime.
type OutputDevice struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// StartTime is the initial clock value of new streams.
	StartTime float64

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	streams []*OutputStream
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, sampleRate, channels int) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{SampleRate: sampleRate, Channels: channels})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := NewOutputStream(d.StartTime)
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *OutputDevice) Stream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Streams returns every stream opened so far.
func (d *OutputDevice) Streams() []*OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*OutputStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// ScheduleCall records a single [OutputStream.ScheduleBuffer] invocation.
type ScheduleCall struct {
	ID       audio.BufferID
	Start    float64
	Duration float64
	Buffer   *audio.Buffer
}

// OutputStream is a mock [audio.OutputStream] with a manually driven clock.
// Scheduled buffers never finish on their own; call Finish to simulate
// natural completion.
type OutputStream struct {
	mu sync.Mutex

	// ScheduleError is returned by ScheduleBuffer when non-nil.
	ScheduleError error

	// ScheduleCalls records all successful ScheduleBuffer invocations.
	ScheduleCalls []ScheduleCall

	// StopCalls records the ids passed to StopBuffer.
	StopCalls []audio.BufferID

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now    float64
	nextID audio.BufferID
	live   map[audio.BufferID]bool
	ended  *audio.EndedQueue
	closed bool
}

// NewOutputStream returns an open stream whose clock reads start.
func NewOutputStream(start float64) *OutputStream {
	return &OutputStream{
		now:   start,
		live:  make(map[audio.BufferID]bool),
		ended: audio.NewEndedQueue(),
	}
}

// CreateBuffer implements [audio.OutputStream].
func (s *OutputStream) CreateBuffer(channels, frameCount, sampleRate int) (*audio.Buffer, error) {
	return audio.NewBuffer(channels, frameCount, sampleRate)
}

// ScheduleBuffer implements [audio.OutputStream].
func (s *OutputStream) ScheduleBuffer(buf *audio.Buffer, start float64) (audio.BufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("mock output: schedule on closed stream: %w", audio.ErrDeviceUnavailable)
	}
	if s.ScheduleError != nil {
		return 0, s.ScheduleError
	}
	s.nextID++
	id := s.nextID
	s.live[id] = true
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{ID: id, Start: start, Duration: buf.Seconds(), Buffer: buf})
	return id, nil
}

// StopBuffer implements [audio.OutputStream].
func (s *OutputStream) StopBuffer(id audio.BufferID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls = append(s.StopCalls, id)
	if !s.live[id] {
		return audio.ErrUnknownBuffer
	}
	delete(s.live, id)
	return nil
}

// CurrentTime implements [audio.OutputStream].
func (s *OutputStream) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Ended implements [audio.OutputStream].
func (s *OutputStream) Ended() <-chan audio.BufferID { return s.ended.C }

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	clear(s.live)
	s.ended.Close()
	return nil
}

// SetTime moves the clock to t.
func (s *OutputStream) SetTime(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the clock forward by d seconds.
func (s *OutputStream) Advance(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Finish simulates natural completion of id and reports whether it was live.
func (s *OutputStream) Finish(id audio.BufferID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[id] {
		return false
	}
	delete(s.live, id)
	s.ended.Push(id)
	return true
}

// Live returns the number of scheduled buffers that are neither finished nor
// stopped.
func (s *OutputStream) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Schedules returns a copy of ScheduleCalls.
func (s *OutputStream) Schedules() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Stops returns a copy of StopCalls.
func (s *OutputStream) Stops() []audio.BufferID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.BufferID, len(s.StopCalls))
	copy(out, s.StopCalls)
	return out
}

// CloseCount returns CallCountClose.
func (s *OutputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Closed reports whether Close was called at least once.
func (s *OutputStream) Closed() bool { return s.CloseCount() > 0 }
