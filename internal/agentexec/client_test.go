package agentexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harbinger-ai/harbinger/internal/session"
)

// fakeService upgrades connections and answers frames with canned
// handler functions keyed by message type.
type fakeService struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(msg wireMessage) wireMessage
	auth     string
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{
		t:        t,
		handlers: make(map[string]func(wireMessage) wireMessage),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc.mu.Lock()
		svc.auth = r.Header.Get("Authorization")
		svc.mu.Unlock()

		conn, err := svc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		svc.mu.Lock()
		svc.conn = conn
		svc.mu.Unlock()

		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			svc.mu.Lock()
			h := svc.handlers[msg.Type]
			svc.mu.Unlock()
			if h == nil {
				continue
			}
			resp := h(msg)
			resp.ID = msg.ID
			resp.Type = "result"
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return svc, srv
}

func (s *fakeService) handle(msgType string, h func(wireMessage) wireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = h
}

func (s *fakeService) push(ev sessionEvent) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no connection to push on")
	}
	if err := conn.WriteJSON(wireMessage{Type: "event", Event: &ev}); err != nil {
		s.t.Errorf("push event: %v", err)
	}
}

func (s *fakeService) authHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func connect(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c := NewClient(srv.URL, token, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStartSessionRoundTrip(t *testing.T) {
	svc, srv := newFakeService(t)

	var gotPayload map[string]any
	var mu sync.Mutex
	svc.handle("session/start", func(msg wireMessage) wireMessage {
		mu.Lock()
		json.Unmarshal(msg.Payload, &gotPayload)
		mu.Unlock()
		return wireMessage{Success: true}
	})

	c := connect(t, srv, "svc-token")
	err := c.StartSession(context.Background(), session.StartRequest{
		SessionID: "signal-dm-alice-0001",
		AgentID:   "ada",
		Model:     "default",
		SeedHistory: []session.HistoryMessage{
			{Role: "user", Text: "hi"},
			{Role: "assistant", Text: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if got := svc.authHeader(); got != "Bearer svc-token" {
		t.Errorf("auth header = %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPayload["session_id"] != "signal-dm-alice-0001" {
		t.Errorf("session_id = %v", gotPayload["session_id"])
	}
	if gotPayload["agent_id"] != "ada" {
		t.Errorf("agent_id = %v", gotPayload["agent_id"])
	}
	seed, ok := gotPayload["seed_history"].([]any)
	if !ok || len(seed) != 2 {
		t.Errorf("seed_history = %v", gotPayload["seed_history"])
	}
}

func TestCallErrorsSurfaceAsErrors(t *testing.T) {
	svc, srv := newFakeService(t)
	svc.handle("session/stop", func(msg wireMessage) wireMessage {
		return wireMessage{Success: false, Error: &wireError{Code: "not_found", Message: "no such session"}}
	})

	c := connect(t, srv, "")
	err := c.StopSession(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not_found") || !strings.Contains(err.Error(), "no such session") {
		t.Errorf("err = %v", err)
	}
}

func TestIsSessionActive(t *testing.T) {
	svc, srv := newFakeService(t)
	svc.handle("session/status", func(msg wireMessage) wireMessage {
		var p struct {
			SessionID string `json:"session_id"`
		}
		json.Unmarshal(msg.Payload, &p)
		active := p.SessionID == "live"
		result, _ := json.Marshal(map[string]bool{"active": active})
		return wireMessage{Success: true, Result: result}
	})

	c := connect(t, srv, "")
	ctx := context.Background()

	got, err := c.IsSessionActive(ctx, "live")
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if !got {
		t.Error("live session reported inactive")
	}

	got, err = c.IsSessionActive(ctx, "dead")
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if got {
		t.Error("dead session reported active")
	}
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	svc, srv := newFakeService(t)
	svc.handle("session/status", func(msg wireMessage) wireMessage {
		var p struct {
			SessionID string `json:"session_id"`
		}
		json.Unmarshal(msg.Payload, &p)
		result, _ := json.Marshal(map[string]bool{"active": p.SessionID == "live"})
		return wireMessage{Success: true, Result: result}
	})

	c := connect(t, srv, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		sid, want := "live", true
		if i%2 == 1 {
			sid, want = "dead", false
		}
		wg.Add(1)
		go func(sid string, want bool) {
			defer wg.Done()
			got, err := c.IsSessionActive(ctx, sid)
			if err != nil {
				t.Errorf("IsSessionActive(%s): %v", sid, err)
				return
			}
			if got != want {
				t.Errorf("IsSessionActive(%s) = %v, want %v", sid, got, want)
			}
		}(sid, want)
	}
	wg.Wait()
}

func TestServerEventsReachHooks(t *testing.T) {
	svc, srv := newFakeService(t)
	svc.handle("session/message", func(msg wireMessage) wireMessage {
		return wireMessage{Success: true}
	})

	c := connect(t, srv, "")

	type call struct{ kind, sid, detail string }
	calls := make(chan call, 8)
	unhook, err := c.RegisterHooks(session.Hooks{
		OnOutput:    func(sid, text string) { calls <- call{"output", sid, text} },
		OnToolStart: func(sid, tool string) { calls <- call{"tool_start", sid, tool} },
		OnToolEnd:   func(sid, tool string) { calls <- call{"tool_end", sid, tool} },
		OnStepEnd:   func(sid string) { calls <- call{"step_end", sid, ""} },
	})
	if err != nil {
		t.Fatalf("RegisterHooks: %v", err)
	}

	// A call forces the server to have accepted the connection before
	// we push events back down it.
	if err := c.SendMessage(context.Background(), session.SendRequest{SessionID: "s1", Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	svc.push(sessionEvent{Kind: "output", SessionID: "s1", Text: "thinking done"})
	svc.push(sessionEvent{Kind: "tool_start", SessionID: "s1", Tool: "search"})
	svc.push(sessionEvent{Kind: "tool_end", SessionID: "s1", Tool: "search"})
	svc.push(sessionEvent{Kind: "step_end", SessionID: "s1"})

	want := []call{
		{"output", "s1", "thinking done"},
		{"tool_start", "s1", "search"},
		{"tool_end", "s1", "search"},
		{"step_end", "s1", ""},
	}
	for _, w := range want {
		select {
		case got := <-calls:
			if got != w {
				t.Errorf("event = %+v, want %+v", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", w.kind)
		}
	}

	// After disposal no further events are delivered.
	unhook()
	svc.push(sessionEvent{Kind: "output", SessionID: "s1", Text: "stray"})
	select {
	case got := <-calls:
		t.Errorf("received event after unhook: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallWithoutConnection(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "", nil)
	if err := c.StopSession(context.Background(), "x"); err == nil {
		t.Fatal("expected error when not connected")
	}
}
