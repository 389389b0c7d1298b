package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceUnavailable is returned when a capture or output device cannot be
// opened (missing hardware, permission denied, already in use).
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// ErrUnknownBuffer is returned by [OutputStream.StopBuffer] for ids that are
// not (or no longer) scheduled.
var ErrUnknownBuffer = errors.New("audio: unknown buffer")

// BufferID identifies a buffer scheduled on an [OutputStream]. Ids are unique
// for the lifetime of the stream.
type BufferID uint64

// CaptureDevice opens microphone streams.
type CaptureDevice interface {
	// OpenStream starts capturing mono audio at sampleRate, delivering frames
	// of roughly framesPerBuffer samples. It fails with an error wrapping
	// [ErrDeviceUnavailable] when the device cannot be acquired.
	OpenStream(ctx context.Context, sampleRate, framesPerBuffer int) (CaptureStream, error)
}

// CaptureStream is a running capture.
//
// Frames is closed when the stream ends, either because Close was called or
// because the device failed; Err then reports the failure (nil for a clean
// end). Close is idempotent and releases the device.
type CaptureStream interface {
	Frames() <-chan AudioFrame
	Err() error
	Close() error
}

// OutputDevice opens playback streams.
type OutputDevice interface {
	// Open acquires the device for playback at sampleRate with the given
	// channel count.
	Open(ctx context.Context, sampleRate, channels int) (OutputStream, error)
}

// OutputStream is a playback context with its own monotonic clock.
//
// CurrentTime reports seconds since the stream was opened. ScheduleBuffer
// arranges for buf to begin playing at start on that clock (a start in the
// past plays immediately). When a scheduled buffer finishes naturally its id
// is delivered on Ended; buffers removed with StopBuffer produce no Ended
// notification. Close stops all buffers, closes Ended, and releases the
// device.
type OutputStream interface {
	CreateBuffer(channels, frameCount, sampleRate int) (*Buffer, error)
	ScheduleBuffer(buf *Buffer, start float64) (BufferID, error)
	StopBuffer(id BufferID) error
	CurrentTime() float64
	Ended() <-chan BufferID
	Close() error
}

// EndedQueue delivers buffer completion ids without ever blocking the
// producer. Device backends call Push from their audio or timer goroutines;
// consumers receive from C. The queue is unbounded so that a slow consumer
// never stalls the audio clock.
type EndedQueue struct {
	// C receives completed buffer ids in completion order. It is closed
	// after Close; ids still pending at that point are dropped.
	C <-chan BufferID

	out     chan BufferID
	mu      sync.Mutex
	cond    *sync.Cond
	pending []BufferID
	closed  bool
	done    chan struct{}
}

// NewEndedQueue starts the queue's delivery goroutine.
func NewEndedQueue() *EndedQueue {
	q := &EndedQueue{
		out:  make(chan BufferID),
		done: make(chan struct{}),
	}
	q.C = q.out
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push enqueues id. Pushes after Close are ignored.
func (q *EndedQueue) Push(id BufferID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, id)
	q.cond.Signal()
}

// Close stops delivery and closes C. Undelivered ids are discarded. Close is
// idempotent.
func (q *EndedQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.cond.Signal()
	q.mu.Unlock()
	close(q.done)
}

func (q *EndedQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- id:
		case <-q.done:
			return
		}
	}
}
