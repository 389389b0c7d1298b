package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/voice"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// eventWriteTimeout bounds a single write to an events subscriber.
const eventWriteTimeout = 5 * time.Second

// Event is one message on the /v1/session/events stream.
type Event struct {
	// Type is "status" or "transcript".
	Type string `json:"type"`

	// Status is set for "status" events.
	Status *voice.Status `json:"status,omitempty"`

	// Transcript is set for "transcript" events.
	Transcript *live.Transcript `json:"transcript,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

// handleCommand runs a controller command and answers 202 with the status
// the command left behind. Connection progress continues asynchronously.
// Commands that may start a session re-render the session config first.
func (a *App) handleCommand(cmd func(context.Context) error, mayStart bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mayStart {
			if err := a.refreshSession(); err != nil {
				observe.Logger(r.Context()).Warn("session config refresh failed, using previous", "err", err)
			}
		}
		if err := cmd(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, voice.ErrNotRunning) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, a.ctrl.Status())
	}
}

// handleEvents upgrades to a WebSocket and streams the current status, every
// later status change, and transcripts until either side goes away.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	statuses, unsubStatus := a.ctrl.Subscribe()
	defer unsubStatus()
	transcripts, unsubTranscripts := a.ctrl.SubscribeTranscripts()
	defer unsubTranscripts()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	current := a.ctrl.Status()
	if err := writeEvent(ctx, conn, Event{Type: "status", Status: &current}); err != nil {
		return
	}

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			ev = Event{Type: "status", Status: &st}
		case tr, ok := <-transcripts:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			ev = Event{Type: "transcript", Transcript: &tr}
		}
		if err := writeEvent(ctx, conn, ev); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("events: write failed", "err", err)
			}
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
