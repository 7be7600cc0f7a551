package route

import (
	"strings"
	"testing"
	"time"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(Config{
		Store:  newTestStore(t),
		Status: func() string { return "mode=full sessions=2" },
	})
}

func TestRouteFallbackChain(t *testing.T) {
	tests := []struct {
		name     string
		defaults Defaults
		want     string
	}{
		{
			name: "sender default wins",
			defaults: Defaults{
				SenderAgent:      "ada",
				IntegrationAgent: "grace",
				Agents:           []string{"grace", "ada", "linus"},
			},
			want: "ada",
		},
		{
			name: "integration default when sender has none",
			defaults: Defaults{
				IntegrationAgent: "grace",
				Agents:           []string{"linus", "grace"},
			},
			want: "grace",
		},
		{
			name: "first registered agent as last resort",
			defaults: Defaults{
				Agents: []string{"linus", "grace"},
			},
			want: "linus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t)
			dec, err := r.Route("dm:alice", tt.defaults)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if dec.AgentID != tt.want {
				t.Errorf("AgentID = %q, want %q", dec.AgentID, tt.want)
			}
			if dec.Reason != ReasonDefault {
				t.Errorf("Reason = %q, want %q", dec.Reason, ReasonDefault)
			}
		})
	}
}

func TestRouteNoAgentsIsError(t *testing.T) {
	r := newTestRouter(t)
	if _, err := r.Route("dm:alice", Defaults{}); err == nil {
		t.Fatal("expected error with no agents configured")
	}
}

func TestRouteIsSticky(t *testing.T) {
	r := newTestRouter(t)
	defaults := Defaults{
		SenderAgent: "ada",
		Agents:      []string{"grace", "ada"},
		StickyTTL:   time.Minute,
	}

	first, err := r.Route("dm:alice", defaults)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first.Reason != ReasonDefault {
		t.Fatalf("first Reason = %q, want %q", first.Reason, ReasonDefault)
	}

	// Even if the defaults change underneath, the binding holds.
	defaults.SenderAgent = "grace"
	second, err := r.Route("dm:alice", defaults)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if second.AgentID != "ada" {
		t.Errorf("AgentID = %q, want sticky %q", second.AgentID, "ada")
	}
	if second.Reason != ReasonSticky {
		t.Errorf("Reason = %q, want %q", second.Reason, ReasonSticky)
	}
}

func TestRouteRefreshesStickyTTL(t *testing.T) {
	r := newTestRouter(t)
	defaults := Defaults{
		Agents:    []string{"ada"},
		StickyTTL: 40 * time.Millisecond,
	}

	if _, err := r.Route("dm:alice", defaults); err != nil {
		t.Fatalf("Route: %v", err)
	}
	// Keep routing inside the TTL window; each route must extend it.
	for i := 0; i < 3; i++ {
		time.Sleep(25 * time.Millisecond)
		dec, err := r.Route("dm:alice", defaults)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if dec.Reason != ReasonSticky {
			t.Fatalf("route %d Reason = %q, binding lapsed too early", i, dec.Reason)
		}
	}
}

func TestRouteExpiredBindingFallsBack(t *testing.T) {
	r := newTestRouter(t)
	defaults := Defaults{
		SenderAgent: "ada",
		Agents:      []string{"ada", "grace"},
		StickyTTL:   10 * time.Millisecond,
	}

	if _, err := r.Route("dm:alice", defaults); err != nil {
		t.Fatalf("Route: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	defaults.SenderAgent = "grace"
	dec, err := r.Route("dm:alice", defaults)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Reason != ReasonDefault {
		t.Errorf("Reason = %q, want %q after expiry", dec.Reason, ReasonDefault)
	}
	if dec.AgentID != "grace" {
		t.Errorf("AgentID = %q, want %q", dec.AgentID, "grace")
	}
}

func TestHandleCommandStatus(t *testing.T) {
	r := newTestRouter(t)
	handled, resp := r.HandleCommand("dm:alice", " /status ", Defaults{})
	if !handled {
		t.Fatal("handled = false, want true")
	}
	if resp != "mode=full sessions=2" {
		t.Errorf("response = %q", resp)
	}
}

func TestHandleCommandHelp(t *testing.T) {
	r := newTestRouter(t)
	handled, resp := r.HandleCommand("dm:alice", "/help", Defaults{})
	if !handled {
		t.Fatal("handled = false, want true")
	}
	for _, want := range []string{"/status", "/agent", "/help"} {
		if !strings.Contains(resp, want) {
			t.Errorf("help output missing %q: %q", want, resp)
		}
	}
}

func TestHandleCommandAgentSwitch(t *testing.T) {
	r := newTestRouter(t)
	defaults := Defaults{
		Agents:    []string{"ada", "grace"},
		StickyTTL: time.Minute,
	}

	handled, resp := r.HandleCommand("dm:alice", "/agent grace", defaults)
	if !handled {
		t.Fatal("handled = false, want true")
	}
	if !strings.Contains(resp, "grace") {
		t.Errorf("response = %q", resp)
	}

	dec, err := r.Route("dm:alice", defaults)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.AgentID != "grace" {
		t.Errorf("AgentID after switch = %q, want %q", dec.AgentID, "grace")
	}
	if dec.Reason != ReasonExplicit {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonExplicit)
	}
}

func TestHandleCommandAgentValidation(t *testing.T) {
	r := newTestRouter(t)
	defaults := Defaults{Agents: []string{"ada"}}

	handled, resp := r.HandleCommand("dm:alice", "/agent", defaults)
	if !handled || !strings.Contains(resp, "Usage") {
		t.Errorf("missing arg: handled=%v resp=%q", handled, resp)
	}

	handled, resp = r.HandleCommand("dm:alice", "/agent nobody", defaults)
	if !handled || !strings.Contains(resp, "Unknown agent") {
		t.Errorf("unknown agent: handled=%v resp=%q", handled, resp)
	}
}

func TestHandleCommandIgnoresOrdinaryText(t *testing.T) {
	r := newTestRouter(t)
	for _, text := range []string{"hello", "", "  ", "/shrug happens", "what /status means"} {
		if handled, _ := r.HandleCommand("dm:alice", text, Defaults{}); handled {
			t.Errorf("HandleCommand(%q) handled = true, want false", text)
		}
	}
}
