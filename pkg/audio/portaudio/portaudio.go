//go:build portaudio

// Package portaudio binds the session's capture and output devices to the
// host's default sound hardware through PortAudio.
//
// Build with -tags portaudio; the PortAudio C library must be installed
// (brew install portaudio, apt install portaudio19-dev).
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice captures mono float32 audio from the default input device.
type CaptureDevice struct{}

// OpenStream implements [audio.CaptureDevice].
func (CaptureDevice) OpenStream(_ context.Context, sampleRate, framesPerBuffer int) (audio.CaptureStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	c := &captureStream{
		stream:     stream,
		buf:        buf,
		sampleRate: sampleRate,
		frames:     make(chan audio.AudioFrame, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type captureStream struct {
	stream     *portaudio.Stream
	buf        []float32
	sampleRate int
	frames     chan audio.AudioFrame

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *captureStream) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if err := c.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			select {
			case <-c.stop:
			default:
				c.mu.Lock()
				c.err = fmt.Errorf("portaudio: read: %w", err)
				c.mu.Unlock()
			}
			return
		}
		samples := make([]float32, len(c.buf))
		copy(samples, c.buf)
		select {
		case c.frames <- audio.AudioFrame{Samples: samples, SampleRate: c.sampleRate, Channels: 1}:
		default:
			slog.Debug("portaudio: capture reader behind, dropping frame")
		}
	}
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *captureStream) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *captureStream) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		// Stop unblocks a pending Read.
		err = c.stream.Stop()
		<-c.done
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		portaudio.Terminate()
	})
	return err
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice plays scheduled buffers on the default output device. Buffers
// are mixed sample-accurately in the PortAudio callback; the stream clock is
// the number of frames rendered so far.
type OutputDevice struct {
	// FramesPerBuffer is the callback period. Zero lets PortAudio choose.
	FramesPerBuffer int
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, sampleRate, channels int) (audio.OutputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	o := &outputStream{
		sampleRate: sampleRate,
		channels:   channels,
		live:       make(map[audio.BufferID]*voice),
		ended:      audio.NewEndedQueue(),
	}
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), d.FramesPerBuffer, o.render)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	o.stream = stream
	return o, nil
}

// voice is one scheduled buffer positioned on the frame clock.
type voice struct {
	buf        *audio.Buffer
	startFrame int64
}

type outputStream struct {
	stream     *portaudio.Stream
	sampleRate int
	channels   int
	rendered   atomic.Int64

	mu     sync.Mutex
	nextID audio.BufferID
	live   map[audio.BufferID]*voice
	ended  *audio.EndedQueue
	closed bool
}

// render is the PortAudio callback. out is interleaved.
func (o *outputStream) render(out []float32) {
	clear(out)
	frames := int64(len(out) / o.channels)
	first := o.rendered.Load()
	last := first + frames

	o.mu.Lock()
	for id, v := range o.live {
		n := int64(v.buf.FrameCount())
		if v.startFrame >= last {
			continue
		}
		from := max(first, v.startFrame)
		to := min(last, v.startFrame+n)
		for f := from; f < to; f++ {
			src := f - v.startFrame
			dst := (f - first) * int64(o.channels)
			for ch := 0; ch < o.channels; ch++ {
				plane := v.buf.Data[min(ch, len(v.buf.Data)-1)]
				out[dst+int64(ch)] += plane[src]
			}
		}
		if v.startFrame+n <= last {
			delete(o.live, id)
			o.ended.Push(id)
		}
	}
	o.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	o.rendered.Store(last)
}

func (o *outputStream) CreateBuffer(channels, frameCount, sampleRate int) (*audio.Buffer, error) {
	return audio.NewBuffer(channels, frameCount, sampleRate)
}

func (o *outputStream) ScheduleBuffer(buf *audio.Buffer, start float64) (audio.BufferID, error) {
	if buf.SampleRate != o.sampleRate {
		return 0, fmt.Errorf("portaudio: buffer at %d Hz on %d Hz stream", buf.SampleRate, o.sampleRate)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("portaudio: output closed: %w", audio.ErrDeviceUnavailable)
	}
	o.nextID++
	id := o.nextID
	startFrame := int64(math.Round(start * float64(o.sampleRate)))
	o.live[id] = &voice{buf: buf, startFrame: max(startFrame, o.rendered.Load())}
	return id, nil
}

func (o *outputStream) StopBuffer(id audio.BufferID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.live[id]; !ok {
		return audio.ErrUnknownBuffer
	}
	delete(o.live, id)
	return nil
}

func (o *outputStream) CurrentTime() float64 {
	return float64(o.rendered.Load()) / float64(o.sampleRate)
}

func (o *outputStream) Ended() <-chan audio.BufferID { return o.ended.C }

func (o *outputStream) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	clear(o.live)
	o.mu.Unlock()

	err := o.stream.Stop()
	if cerr := o.stream.Close(); err == nil {
		err = cerr
	}
	o.ended.Close()
	portaudio.Terminate()
	return err
}
