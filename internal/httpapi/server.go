package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/faxrelay/internal/faxrelay"
)

// Server exposes read-only operational state for a running pipeline:
// health, counters, tracker entries, and a live event stream.
type Server struct {
	pipeline    *faxrelay.Pipeline
	broadcaster *Broadcaster
	logger      *slog.Logger
}

func NewServer(pipeline *faxrelay.Pipeline, broadcaster *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		pipeline:    pipeline,
		broadcaster: broadcaster,
		logger:      logger.With("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/status":
		writeJSON(w, http.StatusOK, s.pipeline.Status())
	case "/v1/entries":
		writeJSON(w, http.StatusOK, s.pipeline.Entries())
	case "/v1/events":
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleEvents upgrades to a websocket and relays pipeline events until the
// client disconnects. Events published while no client is connected are
// dropped, not buffered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not enabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	events := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Broadcaster fans pipeline events out to websocket subscribers. Publish
// never blocks; a subscriber that cannot keep up loses events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan faxrelay.Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan faxrelay.Event]struct{}{}}
}

func (b *Broadcaster) Subscribe() chan faxrelay.Event {
	ch := make(chan faxrelay.Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan faxrelay.Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Publish(event faxrelay.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
