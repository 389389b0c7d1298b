package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// sendQueue is a bounded single-producer, single-consumer queue of encoded
// chunks. When it is full the oldest unsent chunk is discarded so the
// producer never blocks.
type sendQueue struct {
	ch chan audio.EncodedChunk
}

func newSendQueue(size int) *sendQueue {
	return &sendQueue{ch: make(chan audio.EncodedChunk, max(size, 1))}
}

// push enqueues c and reports how many older chunks were dropped to make
// room.
func (q *sendQueue) push(c audio.EncodedChunk) (dropped int) {
	for {
		select {
		case q.ch <- c:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// close signals the consumer that no more chunks follow. Only the producer
// may call it.
func (q *sendQueue) close() { close(q.ch) }

// capturePipeline forwards microphone audio to the transport while a session
// is active: device frames are re-sliced to a fixed size, encoded, and queued;
// a separate sender drains the queue into the transport.
type capturePipeline struct {
	stream    audio.CaptureStream
	transport live.Session
	framer    *audio.Framer
	queue     *sendQueue
	metrics   *observe.Metrics
	log       *slog.Logger
}

func newCapturePipeline(stream audio.CaptureStream, transport live.Session, frameSize, sampleRate, queueSize int, m *observe.Metrics, log *slog.Logger) *capturePipeline {
	return &capturePipeline{
		stream:    stream,
		transport: transport,
		framer:    audio.NewFramer(frameSize, sampleRate, 1),
		queue:     newSendQueue(queueSize),
		metrics:   m,
		log:       log,
	}
}

// run blocks until the capture stream ends, the transport stops accepting
// audio, or ctx is cancelled. A clean end of the capture stream and a closed
// transport both return nil; device, encode, and send failures return a
// classified *Error.
func (p *capturePipeline) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.queue.close()
		return p.read(gctx)
	})
	g.Go(func() error {
		return p.send(gctx)
	})
	return g.Wait()
}

// discardBacklog drops frames captured before the session became active. It
// must be called before run.
func (p *capturePipeline) discardBacklog() {
	for n := 0; ; n++ {
		select {
		case _, ok := <-p.stream.Frames():
			if !ok {
				return
			}
			continue
		default:
		}
		if n > 0 {
			p.log.Debug("capture: discarded frames captured during handshake", "frames", n)
		}
		return
	}
}

func (p *capturePipeline) read(ctx context.Context) error {
	var enc audio.Encoder
	frames := p.stream.Frames()
	for {
		var (
			f  audio.AudioFrame
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case f, ok = <-frames:
		}
		if !ok {
			if err := p.stream.Err(); err != nil {
				return deviceError("capture", err)
			}
			p.log.Info("capture: stream ended")
			return nil
		}
		for _, out := range p.framer.Push(f) {
			chunk, err := enc.Encode(out)
			if err != nil {
				return &Error{Kind: KindEncode, Op: "encode", Err: err}
			}
			if dropped := p.queue.push(chunk); dropped > 0 {
				p.metrics.CaptureFramesDropped.Add(ctx, int64(dropped))
				p.log.Debug("capture: send queue full, dropped oldest frame", "dropped", dropped)
			}
		}
	}
}

func (p *capturePipeline) send(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-p.queue.ch:
			if !ok {
				return nil
			}
			if err := p.transport.Send(ctx, chunk); err != nil {
				if errors.Is(err, live.ErrSessionClosed) || ctx.Err() != nil {
					// The transport reports its own closure as an event.
					return nil
				}
				return transportError("send", fmt.Errorf("send audio: %w", err))
			}
			p.metrics.CaptureFramesSent.Add(ctx, 1)
		}
	}
}
