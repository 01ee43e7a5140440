package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/faxrelay/internal/faxrelay"
)

type stubBuilder struct{}

func (stubBuilder) Build(localPath, sender, receiver, extension string) (*faxrelay.Envelope, error) {
	return &faxrelay.Envelope{ID: "env-stub"}, nil
}

type stubPoster struct{}

func (stubPoster) Post(env *faxrelay.Envelope) bool { return true }

func newTestServer(t *testing.T) (*Server, *faxrelay.Pipeline, *Broadcaster) {
	t.Helper()
	broadcaster := NewBroadcaster()
	pipeline, err := faxrelay.NewPipeline(faxrelay.PipelineOptions{
		Parser:  faxrelay.NewFilenameParser(regexp.MustCompile(`(\d+)_(\d+)\.(jpg|png)`)),
		Builder: stubBuilder{},
		Poster:  stubPoster{},
		Tracker: faxrelay.NewStateTracker(faxrelay.NewInMemoryStateBackend(), nil),
		Events:  broadcaster,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return NewServer(pipeline, broadcaster, nil), pipeline, broadcaster
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestStatusRoute(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status faxrelay.PipelineStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.SourceType != faxrelay.SourceFilesystem {
		t.Fatalf("unexpected source type: %s", status.SourceType)
	}
}

func TestEntriesRoute(t *testing.T) {
	server, pipeline, _ := newTestServer(t)
	// An unparseable candidate leaves no entry; the route reflects that.
	pipeline.HandleFile("/tmp/whatever.txt")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entries", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries map[string]faxrelay.TrackedEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	server, _, broadcaster := newTestServer(t)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(httpServer.URL, "http://", "ws://", 1) + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := faxrelay.Event{Type: "posted", Identifier: "faxes/a.jpg", EnvelopeID: "env-1"}
	broadcaster.Publish(want)

	var got faxrelay.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != want.Type || got.Identifier != want.Identifier || got.EnvelopeID != want.EnvelopeID {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestBroadcasterPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	broadcaster := NewBroadcaster()
	done := make(chan struct{})
	go func() {
		broadcaster.Publish(faxrelay.Event{Type: "posted"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no subscribers")
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	broadcaster := NewBroadcaster()
	ch := broadcaster.Subscribe()
	broadcaster.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Double unsubscribe must not panic.
	broadcaster.Unsubscribe(ch)
}
