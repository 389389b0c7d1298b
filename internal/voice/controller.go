// Package voice runs a realtime duplex voice session: it streams microphone
// audio to a live speech service, schedules the synthesised replies for
// gapless playback, flushes playback on barge-in, and tracks the session
// lifecycle.
//
// A single goroutine ([Controller.Run]) owns all session state. Commands,
// transport events, playback completions, and capture pipeline failures reach
// it over channels, so no session state is shared between goroutines.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

const (
	defaultFrameSize        = 4096
	defaultSendQueue        = 8
	defaultOutputChannels   = 1
	defaultHandshakeTimeout = 15 * time.Second
)

var errHandshakeTimeout = errors.New("no setup acknowledgement from the voice service")

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFrameSize sets the number of samples per outbound capture frame.
// Default: 4096.
func WithFrameSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithSendQueue sets the capacity of the outbound frame queue. Default: 8.
func WithSendQueue(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sendQueue = n
		}
	}
}

// WithHandshakeTimeout bounds the time between Start and the remote setup
// acknowledgement. Default: 15s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithSampleRates sets the capture and playback sample rates. Defaults:
// [audio.InputSampleRate] and [audio.OutputSampleRate].
func WithSampleRates(input, output int) Option {
	return func(c *Controller) {
		if input > 0 {
			c.inputRate = input
		}
		if output > 0 {
			c.outputRate = output
		}
	}
}

// WithOutputChannels sets the channel count of inbound audio. Default: 1.
func WithOutputChannels(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.outputChannels = n
		}
	}
}

// WithSessionConfig sets the initial per-session configuration.
func WithSessionConfig(cfg live.Config) Option {
	return func(c *Controller) { c.sessionCfg = cfg }
}

// ─── Controller ───────────────────────────────────────────────────────────────

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdToggle
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error
}

// connectResult carries the handles acquired by a connect attempt back to the
// loop.
type connectResult struct {
	gen       uint64
	output    audio.OutputStream
	capture   audio.CaptureStream
	transport live.Session
	err       error
}

func (r connectResult) release() {
	if r.transport != nil {
		_ = r.transport.Close()
	}
	if r.capture != nil {
		_ = r.capture.Close()
	}
	if r.output != nil {
		_ = r.output.Close()
	}
}

// session is the loop-owned state of one Start..Stop span.
type session struct {
	id        string
	gen       uint64
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelCauseFunc
	span      trace.Span
	startedAt time.Time

	connecting bool // a connect goroutine is in flight
	handshake  *time.Timer

	output    audio.OutputStream
	capture   audio.CaptureStream
	transport live.Session
	sched     *Scheduler
	decoder   audio.Decoder

	// pipelineDone receives the capture pipeline's result once. It is nil
	// before Active and after the result has been consumed.
	pipelineDone chan error
}

// Controller supervises one voice session at a time. Create it with New,
// call Run in a goroutine, then drive it with Start, Stop, and Toggle.
// Observers read Status or Subscribe to changes. All exported methods are
// safe for concurrent use.
type Controller struct {
	capture audio.CaptureDevice
	output  audio.OutputDevice
	factory live.Factory

	inputRate        int
	outputRate       int
	outputChannels   int
	frameSize        int
	sendQueue        int
	handshakeTimeout time.Duration
	metrics          *observe.Metrics

	cmds      chan command
	connected chan connectResult
	running   atomic.Bool
	done      chan struct{}

	mu         sync.Mutex
	status     Status
	sessionCfg live.Config

	statuses    *hub[Status]
	transcripts *hub[live.Transcript]

	// Owned by the Run goroutine.
	gen         uint64
	sess        *session
	stopWaiters []chan error
}

// New creates a Controller. The factory is invoked once per Start so that
// credentials are resolved per session.
func New(capture audio.CaptureDevice, output audio.OutputDevice, factory live.Factory, opts ...Option) *Controller {
	c := &Controller{
		capture:          capture,
		output:           output,
		factory:          factory,
		inputRate:        audio.InputSampleRate,
		outputRate:       audio.OutputSampleRate,
		outputChannels:   defaultOutputChannels,
		frameSize:        defaultFrameSize,
		sendQueue:        defaultSendQueue,
		handshakeTimeout: defaultHandshakeTimeout,
		cmds:             make(chan command),
		connected:        make(chan connectResult),
		done:             make(chan struct{}),
		status:           Status{State: StateIdle},
		statuses:         newHub[Status](),
		transcripts:      newHub[live.Transcript](),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run executes the controller loop until ctx is cancelled. Any open session
// is torn down before Run returns. Run may be called only once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("voice: controller already running")
	}
	select {
	case <-c.done:
		return errors.New("voice: controller already stopped")
	default:
	}
	defer func() {
		c.running.Store(false)
		c.statuses.close()
		c.transcripts.close()
		close(c.done)
	}()

	for {
		var (
			events    <-chan live.Event
			ended     <-chan audio.BufferID
			pipeline  <-chan error
			handshake <-chan time.Time
		)
		if s := c.sess; s != nil {
			if s.transport != nil {
				events = s.transport.Events()
			}
			if s.output != nil {
				ended = s.output.Ended()
			}
			pipeline = s.pipelineDone
			if s.handshake != nil {
				handshake = s.handshake.C
			}
		}

		select {
		case <-ctx.Done():
			if c.sess != nil || c.state() == StateClosing {
				c.endSession(StateClosed, nil)
			}
			c.replyStopWaiters(nil)
			return nil

		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)

		case res := <-c.connected:
			c.handleConnected(res)

		case ev, ok := <-events:
			c.handleEvent(ev, ok)

		case id, ok := <-ended:
			if !ok {
				c.fail(deviceError("playback", errors.New("output stream closed")))
				continue
			}
			if c.sess.sched != nil && c.sess.sched.Ended(id) {
				c.refreshSpeaking()
			}

		case err := <-pipeline:
			c.handlePipeline(err)

		case <-handshake:
			c.sess.handshake = nil
			if c.state() == StateConnecting {
				c.fail(transportError("handshake", errHandshakeTimeout))
			}
		}
	}
}

// Start begins a new session when the controller is Idle, Closed, or Failed,
// moving it to Connecting. While Connecting, Active, or Closing it does
// nothing. Start returns once the state change is visible; connection
// progress is reported through Status.
func (c *Controller) Start(ctx context.Context) error { return c.do(ctx, cmdStart) }

// Stop tears down the current session and moves the controller to Closed.
// Stop from Idle or Closed does nothing, and repeated calls never release a
// handle twice. Stop returns after every device and transport handle has
// been released.
func (c *Controller) Stop(ctx context.Context) error { return c.do(ctx, cmdStop) }

// Toggle stops a connecting or active session, and starts one otherwise.
func (c *Controller) Toggle(ctx context.Context) error { return c.do(ctx, cmdToggle) }

func (c *Controller) do(ctx context.Context, kind cmdKind) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
}

// Status returns the current status snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Speaking reports whether synthesised audio is currently scheduled.
func (c *Controller) Speaking() bool { return c.Status().Speaking }

// Running reports whether the controller loop is executing.
func (c *Controller) Running() bool { return c.running.Load() }

// Ready returns nil while the loop is running and the most recent session
// has not failed.
func (c *Controller) Ready() error {
	if !c.Running() {
		return ErrNotRunning
	}
	if st := c.Status(); st.State == StateFailed {
		return fmt.Errorf("voice: session failed: %s", st.Reason)
	}
	return nil
}

// Subscribe returns a channel that receives every status change, and a
// function that ends the subscription. Slow subscribers miss intermediate
// changes rather than stalling the controller. The channel is closed when
// Run returns.
func (c *Controller) Subscribe() (<-chan Status, func()) { return c.statuses.subscribe() }

// SubscribeTranscripts is like Subscribe for transcript fragments.
func (c *Controller) SubscribeTranscripts() (<-chan live.Transcript, func()) {
	return c.transcripts.subscribe()
}

// SetSessionConfig replaces the configuration used by the next Start. An
// open session is not affected.
func (c *Controller) SetSessionConfig(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCfg = cfg
}

// SessionConfig returns the configuration the next Start will use.
func (c *Controller) SessionConfig() live.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.sessionCfg
	cfg.ResponseModalities = append([]string(nil), cfg.ResponseModalities...)
	return cfg
}

// ─── Loop handlers ────────────────────────────────────────────────────────────

func (c *Controller) handleCommand(runCtx context.Context, cmd command) {
	kind := cmd.kind
	if kind == cmdToggle {
		switch c.state() {
		case StateConnecting, StateActive:
			kind = cmdStop
		case StateClosing:
			cmd.reply <- nil
			return
		default:
			kind = cmdStart
		}
	}

	switch kind {
	case cmdStart:
		if c.state().canStart() {
			c.start(runCtx, cmd.ctx)
		}
		cmd.reply <- nil
	case cmdStop:
		c.stop(cmd.reply)
	}
}

func (c *Controller) start(runCtx, reqCtx context.Context) {
	c.gen++
	id := uuid.NewString()

	_, span := observe.StartSpan(reqCtx, "voice.session.connect",
		trace.WithAttributes(attribute.String("session_id", id)),
	)
	ctx, cancel := context.WithCancelCause(observe.WithSession(trace.ContextWithSpan(runCtx, span), id))
	s := &session{
		id:         id,
		gen:        c.gen,
		log:        observe.Logger(ctx),
		ctx:        ctx,
		cancel:     cancel,
		span:       span,
		startedAt:  time.Now(),
		connecting: true,
		handshake:  time.NewTimer(c.handshakeTimeout),
		decoder:    audio.NewDecoder(c.outputRate, c.outputChannels),
	}
	c.sess = s
	c.setStatus(Status{State: StateConnecting, SessionID: id})
	s.log.Info("voice: session starting")

	go c.connect(ctx, s.gen, c.SessionConfig())
}

// connect acquires the output stream, capture stream, and transport for one
// session, then hands them to the loop. It runs outside the loop so that
// Stop stays responsive while dialing.
func (c *Controller) connect(ctx context.Context, gen uint64, cfg live.Config) {
	res := connectResult{gen: gen}
	res.output, res.capture, res.transport, res.err = c.acquire(ctx, cfg)
	select {
	case c.connected <- res:
	case <-c.done:
		res.release()
	}
}

func (c *Controller) acquire(ctx context.Context, cfg live.Config) (audio.OutputStream, audio.CaptureStream, live.Session, error) {
	out, err := c.output.Open(ctx, c.outputRate, c.outputChannels)
	if err != nil {
		return nil, nil, nil, deviceError("open output", err)
	}
	mic, err := c.capture.OpenStream(ctx, c.inputRate, c.frameSize)
	if err != nil {
		_ = out.Close()
		return nil, nil, nil, deviceError("open capture", err)
	}
	provider, err := c.factory(ctx)
	if err != nil {
		_ = mic.Close()
		_ = out.Close()
		return nil, nil, nil, transportError("create client", err)
	}
	transport, err := provider.Open(ctx, cfg)
	if err != nil {
		_ = mic.Close()
		_ = out.Close()
		return nil, nil, nil, transportError("open", err)
	}
	return out, mic, transport, nil
}

func (c *Controller) handleConnected(res connectResult) {
	s := c.sess
	if s == nil || s.gen != res.gen || !s.connecting {
		// The attempt was abandoned by Stop or a handshake timeout.
		res.release()
		return
	}
	s.connecting = false

	if c.state() == StateClosing {
		res.release()
		c.endSession(StateClosed, nil)
		return
	}
	if res.err != nil {
		c.fail(res.err)
		return
	}

	s.output = res.output
	s.capture = res.capture
	s.transport = res.transport
	s.sched = NewScheduler(s.output)
	s.log.Debug("voice: transport dialed, awaiting setup acknowledgement")
}

func (c *Controller) handleEvent(ev live.Event, ok bool) {
	s := c.sess
	if !ok {
		s.log.Info("voice: transport event stream ended")
		c.endSession(StateClosed, nil)
		return
	}

	switch ev.Kind {
	case live.EventOpened:
		if c.state() == StateConnecting {
			c.activate()
		}

	case live.EventAudio:
		if c.state() != StateActive {
			s.log.Debug("voice: ignoring audio before session is active")
			return
		}
		c.play(ev.Audio)

	case live.EventInterrupted:
		var queued float64
		for _, h := range s.sched.Live() {
			queued += h.Duration
		}
		n := s.sched.Interrupt()
		c.metrics.PlaybackInterruptions.Add(s.ctx, 1)
		s.log.Info("voice: playback interrupted", "flushed", n, "flushed_seconds", queued, "cursor", s.sched.Cursor())
		c.refreshSpeaking()

	case live.EventTurnComplete:
		s.log.Debug("voice: model turn complete")

	case live.EventTranscript:
		s.log.Info("voice: transcript", "role", ev.Transcript.Role, "text", ev.Transcript.Text)
		c.transcripts.publish(ev.Transcript)

	case live.EventClosed:
		s.log.Info("voice: remote side closed the session")
		c.endSession(StateClosed, nil)

	case live.EventError:
		c.fail(transportError("receive", ev.Err))

	case live.EventProtocolError:
		perr := &Error{Kind: KindProtocol, Op: "receive", Err: ev.Err}
		c.metrics.RecordProtocolError(s.ctx, "message")
		s.log.Warn("voice: dropping inbound message", "err", perr)

	default:
		s.log.Debug("voice: ignoring unknown event", "kind", ev.Kind)
	}
}

func (c *Controller) activate() {
	s := c.sess
	c.stopHandshake()

	elapsed := time.Since(s.startedAt)
	c.metrics.RecordSessionStart(s.ctx, "ok")
	c.metrics.ConnectDuration.Record(s.ctx, elapsed.Seconds())
	c.metrics.ActiveSessions.Add(s.ctx, 1)
	s.span.SetStatus(codes.Ok, "")
	s.span.End()

	p := newCapturePipeline(s.capture, s.transport, c.frameSize, c.inputRate, c.sendQueue, c.metrics, s.log)
	p.discardBacklog()
	done := make(chan error, 1)
	s.pipelineDone = done
	go func() { done <- p.run(s.ctx) }()

	c.setStatus(Status{State: StateActive, SessionID: s.id})
	s.log.Info("voice: session active", "connect_duration", elapsed)
}

func (c *Controller) play(chunk audio.EncodedChunk) {
	s := c.sess
	f, err := s.decoder.Decode(chunk)
	if err != nil {
		perr := &Error{Kind: KindProtocol, Op: "decode", Err: err}
		c.metrics.RecordProtocolError(s.ctx, "decode")
		s.log.Warn("voice: dropping inbound audio chunk", "err", perr, "mime_type", chunk.MIMEType)
		return
	}
	h, err := s.sched.Schedule(f)
	if err != nil {
		c.fail(deviceError("playback", err))
		return
	}
	if h.Duration > 0 {
		c.metrics.RecordPlayback(s.ctx, h.Duration)
	}
	c.refreshSpeaking()
}

func (c *Controller) handlePipeline(err error) {
	s := c.sess
	s.pipelineDone = nil
	if err != nil {
		c.fail(err)
		return
	}
	s.log.Info("voice: capture finished, session stays open for playback")
}

func (c *Controller) stop(reply chan error) {
	switch c.state() {
	case StateIdle, StateClosed:
		reply <- nil
	case StateFailed:
		c.setStatus(Status{State: StateClosed, SessionID: c.Status().SessionID})
		reply <- nil
	case StateClosing:
		c.stopWaiters = append(c.stopWaiters, reply)
	case StateConnecting:
		if c.sess != nil && c.sess.connecting {
			// Abort the dial; handles are released when the attempt reports
			// back. The handshake deadline no longer applies.
			c.sess.cancel(nil)
			c.stopHandshake()
			c.stopWaiters = append(c.stopWaiters, reply)
			c.setStatus(Status{State: StateClosing, SessionID: c.sess.id})
			return
		}
		c.endSession(StateClosed, nil)
		reply <- nil
	case StateActive:
		c.endSession(StateClosed, nil)
		reply <- nil
	}
}

func (c *Controller) stopHandshake() {
	if s := c.sess; s != nil && s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
}

// fail tears the session down and records err as the failure reason.
func (c *Controller) fail(err error) {
	if s := c.sess; s != nil {
		s.log.Error("voice: session failed", "err", err)
	}
	c.endSession(StateFailed, err)
}

// endSession releases every handle of the current session exactly once and
// moves to final (Closed or Failed).
func (c *Controller) endSession(final State, cause error) {
	prev := c.state()
	s := c.sess
	c.sess = nil

	var id string
	if s != nil {
		id = s.id
		if prev == StateConnecting || prev == StateClosing {
			if cause != nil {
				c.metrics.RecordSessionStart(s.ctx, "error")
				s.span.RecordError(cause)
				s.span.SetStatus(codes.Error, cause.Error())
			}
		}
		if prev == StateActive {
			c.metrics.ActiveSessions.Add(s.ctx, -1)
		}
		c.release(s, cause)
		s.log.Info("voice: session ended", "state", final)
	}

	st := Status{State: final, SessionID: id}
	if final == StateFailed {
		st.Reason = reasonFor(cause)
	}
	c.setStatus(st)
	c.replyStopWaiters(nil)
}

// release closes the session's handles. The capture pipeline is stopped and
// awaited before the output stream goes away. cause becomes the session
// context's cancellation cause; nil means a plain stop.
func (c *Controller) release(s *session, cause error) {
	s.cancel(cause)
	if s.handshake != nil {
		s.handshake.Stop()
	}
	if s.sched != nil {
		s.sched.Close()
	}
	if s.capture != nil {
		_ = s.capture.Close()
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.pipelineDone != nil {
		<-s.pipelineDone
	}
	if s.output != nil {
		_ = s.output.Close()
	}
	s.span.End()
}

func (c *Controller) replyStopWaiters(err error) {
	for _, w := range c.stopWaiters {
		w <- err
	}
	c.stopWaiters = nil
}

func (c *Controller) refreshSpeaking() {
	s := c.sess
	if s == nil || s.sched == nil {
		return
	}
	st := c.Status()
	if st.Speaking == s.sched.Speaking() {
		return
	}
	st.Speaking = !st.Speaking
	c.setStatus(st)
}

func (c *Controller) state() State { return c.Status().State }

func (c *Controller) setStatus(st Status) {
	c.mu.Lock()
	prev := c.status
	c.status = st
	c.mu.Unlock()
	if prev == st {
		return
	}
	if prev.State != st.State {
		slog.Info("voice: state changed", "from", prev.State, "to", st.State, "session_id", st.SessionID)
	}
	c.statuses.publish(st)
}
