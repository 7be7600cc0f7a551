package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeGateway speaks just enough of the gateway protocol: hello on
// connect, then scripted dispatches after the client identifies.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader
	// script runs with the connection once identify/resume arrives.
	script func(conn *websocket.Conn, identify gatewayPayload)
}

func (f *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	hello, _ := json.Marshal(helloData{HeartbeatInterval: 45000})
	if err := conn.WriteJSON(gatewayPayload{Op: opHello, D: hello}); err != nil {
		f.t.Errorf("write hello: %v", err)
		return
	}

	var identify gatewayPayload
	if err := conn.ReadJSON(&identify); err != nil {
		f.t.Errorf("read identify: %v", err)
		return
	}
	f.script(conn, identify)
}

func newFakeGateway(t *testing.T, script func(conn *websocket.Conn, identify gatewayPayload)) string {
	t.Helper()
	fg := &fakeGateway{t: t, script: script}
	srv := httptest.NewServer(http.HandlerFunc(fg.serve))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dispatch(conn *websocket.Conn, seq int, event string, data any) error {
	d, _ := json.Marshal(data)
	return conn.WriteJSON(gatewayPayload{Op: opDispatch, S: &seq, T: event, D: d})
}

func TestGatewayIdentifyAndDispatch(t *testing.T) {
	url := newFakeGateway(t, func(conn *websocket.Conn, identify gatewayPayload) {
		if identify.Op != opIdentify {
			t.Errorf("first frame op = %d, want identify", identify.Op)
		}
		var id identifyData
		json.Unmarshal(identify.D, &id)
		if id.Token != "tok" {
			t.Errorf("token = %q", id.Token)
		}
		wantIntents := intentGuildMessages | intentDirectMessages | intentMessageContent
		if id.Intents != wantIntents {
			t.Errorf("intents = %d, want %d", id.Intents, wantIntents)
		}

		dispatch(conn, 1, "READY", readyData{SessionID: "sess-1", User: User{ID: "bot-1", Username: "harbinger"}})
		dispatch(conn, 2, "MESSAGE_CREATE", Message{ID: "m1", ChannelID: "c1", Author: User{ID: "u1"}, Content: "hi"})
		// Ask the client to reconnect; Run should return an error so
		// the event loop re-dials.
		conn.WriteJSON(gatewayPayload{Op: opReconnect})
	})

	g := NewGateway("tok", url, nil)
	got := make(chan Message, 4)
	err := g.Run(context.Background(), func(m Message) { got <- m })
	if err == nil {
		t.Fatal("Run returned nil after reconnect request")
	}

	select {
	case m := <-got:
		if m.ID != "m1" || m.Content != "hi" {
			t.Errorf("message = %+v", m)
		}
	default:
		t.Fatal("MESSAGE_CREATE not delivered")
	}

	if g.BotUser().ID != "bot-1" {
		t.Errorf("BotUser = %+v", g.BotUser())
	}
}

func TestGatewayResumesWithStoredSession(t *testing.T) {
	url := newFakeGateway(t, func(conn *websocket.Conn, first gatewayPayload) {
		if first.Op != opResume {
			t.Errorf("op = %d, want resume", first.Op)
		}
		var r resumeData
		json.Unmarshal(first.D, &r)
		if r.SessionID != "sess-old" || r.Seq != 42 {
			t.Errorf("resume = %+v", r)
		}
		conn.WriteJSON(gatewayPayload{Op: opReconnect})
	})

	g := NewGateway("tok", url, nil)
	g.sessionID = "sess-old"
	g.seq = 42
	g.Run(context.Background(), func(Message) {})
}

func TestGatewayInvalidSessionClearsState(t *testing.T) {
	url := newFakeGateway(t, func(conn *websocket.Conn, first gatewayPayload) {
		conn.WriteJSON(gatewayPayload{Op: opInvalidSession})
	})

	g := NewGateway("tok", url, nil)
	g.sessionID = "sess-stale"
	if err := g.Run(context.Background(), func(Message) {}); err == nil {
		t.Fatal("expected error on invalid session")
	}
	if g.sessionID != "" {
		t.Errorf("sessionID = %q, want cleared", g.sessionID)
	}
}

func TestGatewayContextCancelStopsRun(t *testing.T) {
	url := newFakeGateway(t, func(conn *websocket.Conn, first gatewayPayload) {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	g := NewGateway("tok", url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, func(Message) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run returned nil after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
