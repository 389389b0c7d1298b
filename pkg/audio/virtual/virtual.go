// Package virtual provides hardware-free audio devices driven by the wall
// clock. The output device completes buffers with timers and can render what
// it played to an [io.Writer] as PCM16; the capture device emits silence at
// the requested rate. Both are used for headless runs and integration tests.
package virtual

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice plays nothing audible. Each scheduled buffer completes when
// the wall clock passes its end time.
type OutputDevice struct {
	// Sink, when non-nil, receives each completed buffer as interleaved
	// PCM16 little-endian bytes in completion order.
	Sink io.Writer
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, sampleRate, channels int) (audio.OutputStream, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("virtual output: invalid format %d Hz/%d ch: %w", sampleRate, channels, audio.ErrDeviceUnavailable)
	}
	return &outputStream{
		epoch:  time.Now(),
		sink:   d.Sink,
		timers: make(map[audio.BufferID]*scheduled),
		ended:  audio.NewEndedQueue(),
	}, nil
}

type scheduled struct {
	timer *time.Timer
	buf   *audio.Buffer
}

type outputStream struct {
	epoch time.Time
	sink  io.Writer

	mu     sync.Mutex
	nextID audio.BufferID
	timers map[audio.BufferID]*scheduled
	ended  *audio.EndedQueue
	closed bool
}

func (s *outputStream) CreateBuffer(channels, frameCount, sampleRate int) (*audio.Buffer, error) {
	return audio.NewBuffer(channels, frameCount, sampleRate)
}

func (s *outputStream) ScheduleBuffer(buf *audio.Buffer, start float64) (audio.BufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("virtual output: stream closed: %w", audio.ErrDeviceUnavailable)
	}
	s.nextID++
	id := s.nextID
	end := start + buf.Seconds()
	delay := time.Duration((end - s.now()) * float64(time.Second))
	s.timers[id] = &scheduled{
		buf:   buf,
		timer: time.AfterFunc(max(delay, 0), func() { s.complete(id) }),
	}
	return id, nil
}

func (s *outputStream) complete(id audio.BufferID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.timers[id]
	if !ok {
		return
	}
	delete(s.timers, id)
	if s.sink != nil {
		pcm := audio.FloatToPCM16(audio.Interleave(sc.buf.Data))
		if _, err := s.sink.Write(pcm); err != nil {
			slog.Warn("virtual output: sink write failed", "err", err)
		}
	}
	s.ended.Push(id)
}

func (s *outputStream) StopBuffer(id audio.BufferID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.timers[id]
	if !ok {
		return audio.ErrUnknownBuffer
	}
	sc.timer.Stop()
	delete(s.timers, id)
	return nil
}

func (s *outputStream) CurrentTime() float64 { return s.now() }

func (s *outputStream) now() float64 { return time.Since(s.epoch).Seconds() }

func (s *outputStream) Ended() <-chan audio.BufferID { return s.ended.C }

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sc := range s.timers {
		sc.timer.Stop()
		delete(s.timers, id)
	}
	s.ended.Close()
	return nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice emits silent mono frames of framesPerBuffer samples, paced at
// the requested sample rate.
type CaptureDevice struct{}

// OpenStream implements [audio.CaptureDevice].
func (CaptureDevice) OpenStream(ctx context.Context, sampleRate, framesPerBuffer int) (audio.CaptureStream, error) {
	if sampleRate <= 0 || framesPerBuffer <= 0 {
		return nil, fmt.Errorf("virtual capture: invalid format %d Hz/%d frames: %w", sampleRate, framesPerBuffer, audio.ErrDeviceUnavailable)
	}
	period := time.Duration(float64(framesPerBuffer) / float64(sampleRate) * float64(time.Second))
	return NewPacedStream(ctx, period, func() (audio.AudioFrame, bool, error) {
		return audio.AudioFrame{
			Samples:    make([]float32, framesPerBuffer),
			SampleRate: sampleRate,
			Channels:   1,
		}, true, nil
	}), nil
}

// PacedStream is an [audio.CaptureStream] that calls a source function once
// per period and forwards the frame it returns. A full channel drops the
// frame, as a real device would overrun.
type PacedStream struct {
	frames chan audio.AudioFrame
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewPacedStream starts a stream. next returns the next frame, whether more
// frames follow, and an error that ends the stream.
func NewPacedStream(ctx context.Context, period time.Duration, next func() (audio.AudioFrame, bool, error)) *PacedStream {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &PacedStream{
		frames: make(chan audio.AudioFrame, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, period, next)
	return s
}

func (s *PacedStream) run(ctx context.Context, period time.Duration, next func() (audio.AudioFrame, bool, error)) {
	defer close(s.done)
	defer close(s.frames)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f, more, err := next()
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		if len(f.Samples) > 0 {
			select {
			case s.frames <- f:
			default:
			}
		}
		if !more {
			return
		}
	}
}

// Frames implements [audio.CaptureStream].
func (s *PacedStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *PacedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream].
func (s *PacedStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
