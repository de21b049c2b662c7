package agent

import (
	"context"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	if ParseCommand("list my orders") != nil {
		t.Fatal("plain text is not a command")
	}
	if ParseCommand("/") != nil {
		t.Fatal("bare slash is not a command")
	}
	cmd := ParseCommand("  /History 5 ")
	if cmd == nil || cmd.Name != "history" || len(cmd.Args) != 1 || cmd.Args[0] != "5" {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, newScriptedLLM(say(`{"steps":[{"tool":"listOrders","arguments":{}}]}`)), (&backend{}).executor())
	ctx := context.Background()
	h.say(t, "show my orders")

	if res := h.orch.HandleCommand(ctx, h.session, ParseCommand("/tools")); !res.Handled || !strings.Contains(res.Response, "cancelOrder") {
		t.Fatalf("/tools = %+v", res)
	}
	if res := h.orch.HandleCommand(ctx, h.session, ParseCommand("/history")); !strings.Contains(res.Response, "show my orders") {
		t.Fatalf("/history = %q", res.Response)
	}
	if res := h.orch.HandleCommand(ctx, h.session, ParseCommand("/status")); !strings.Contains(res.Response, h.session) {
		t.Fatalf("/status = %q", res.Response)
	}
	if res := h.orch.HandleCommand(ctx, h.session, ParseCommand("/quit")); !res.Quit {
		t.Fatal("/quit should quit")
	}
	if res := h.orch.HandleCommand(ctx, h.session, ParseCommand("/cancel order 5")); res.Handled {
		t.Fatal("unknown commands go to the parser")
	}
}

func TestHandleCommand_NewSession(t *testing.T) {
	h := newHarness(t, newScriptedLLM(), (&backend{}).executor())
	res := h.orch.HandleCommand(context.Background(), h.session, ParseCommand("/new"))
	if res.SessionID == "" || res.SessionID == h.session {
		t.Fatalf("expected a new session, got %+v", res)
	}
	if h.orch.sessions.IsOpen(h.session) || !h.orch.sessions.IsOpen(res.SessionID) {
		t.Fatal("old session should be closed and the new one open")
	}
	if h.orch.sessions.Credential(res.SessionID) != "token-abc" {
		t.Fatal("credential should carry over to the new session")
	}
}
