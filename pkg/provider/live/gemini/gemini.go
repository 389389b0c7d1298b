// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Captured audio is sent as base64 PCM media chunks; synthesised
// audio, barge-in signals, transcripts, and turn boundaries come back as
// live.Event values on a single ordered channel.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Charon"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// defaultModalities is requested when live.Config.ResponseModalities is empty.
var defaultModalities = []string{"AUDIO"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVoice sets the voice used when live.Config.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithHTTPClient sets the client used for the WebSocket upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	voice      string
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		voice:   DefaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Open dials the Gemini Live endpoint and sends the setup message. The
// returned session reports live.EventOpened once setupComplete arrives.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := p.baseURL + servicePath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}
	if err := sess.writeJSON(ctx, buildSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("gemini: %s (%d)", msg, e.Code)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg live.Config) setupMessage {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = defaultModalities
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcripts {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	done   chan struct{}
	closed bool // Close was called
	ended  bool // remote side closed or failed

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. ctx bounds
// the write; the session context aborts it on Close.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// mergeCancel returns a context that is done when either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.markEnded()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Closed locally: emit nothing further.
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(live.Event{Kind: live.EventClosed})
			default:
				s.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			perr := fmt.Errorf("gemini: malformed server message (%d bytes): %w", len(data), err)
			if !s.emit(live.Event{Kind: live.EventProtocolError, Err: perr}) {
				return
			}
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

func (s *session) markEnded() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

// handleServerMessage emits the events carried by msg in protocol order. It
// returns false when the session has ended.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.emit(live.Event{Kind: live.EventError, Err: msg.Error})
		return false
	}
	if msg.SetupComplete != nil {
		if !s.emit(live.Event{Kind: live.EventOpened}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(transcriptEvent(live.RoleUser, sc.InputTranscription.Text)) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				ev := live.Event{
					Kind:  live.EventAudio,
					Audio: audio.EncodedChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
				}
				if !s.emit(ev) {
					return false
				}
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(transcriptEvent(live.RoleModel, sc.OutputTranscription.Text)) {
			return false
		}
	}
	if sc.Interrupted {
		if !s.emit(live.Event{Kind: live.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(live.Event{Kind: live.EventTurnComplete}) {
			return false
		}
	}
	return true
}

func transcriptEvent(role live.Role, text string) live.Event {
	return live.Event{Kind: live.EventTranscript, Transcript: live.Transcript{Role: role, Text: text}}
}

// emit delivers ev unless the session has been closed locally.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// Send delivers one encoded capture chunk to the model.
func (s *session) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
