package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"actionbridge/internal/apiclient"
	"actionbridge/internal/audit"
	"actionbridge/internal/domain"
	"actionbridge/internal/memory"
	"actionbridge/internal/retry"
	"actionbridge/internal/tool"
)

// auditCapture collects audit entries.
type auditCapture struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *auditCapture) Record(_ context.Context, e domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type turnMetrics struct {
	mu       sync.Mutex
	statuses []domain.TurnStatus
	open     int
}

func (m *turnMetrics) Turn(s domain.TurnStatus) {
	m.mu.Lock()
	m.statuses = append(m.statuses, s)
	m.mu.Unlock()
}
func (m *turnMetrics) SessionOpened() { m.mu.Lock(); m.open++; m.mu.Unlock() }
func (m *turnMetrics) SessionClosed() { m.mu.Lock(); m.open--; m.mu.Unlock() }

type harness struct {
	orch    *Orchestrator
	llm     *scriptedLLM
	store   domain.ConversationStore
	audit   *auditCapture
	metrics *turnMetrics
	session string
}

func newHarness(t *testing.T, llm *scriptedLLM, exec tool.Executor) *harness {
	t.Helper()
	return newHarnessWithStore(t, llm, exec, memory.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, llm *scriptedLLM, exec tool.Executor, store domain.ConversationStore) *harness {
	t.Helper()
	reg := newTestRegistry(t, exec)
	redactor, err := audit.NewRedactor(nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{llm: llm, store: store, audit: &auditCapture{}, metrics: &turnMetrics{}}
	h.orch = NewOrchestrator(OrchestratorConfig{
		Parser:   newTestParser(t, llm, reg, nil),
		Sessions: NewSessionManager(SessionManagerConfig{Store: store, Logger: testLogger()}),
		Tools:    reg,
		Audit:    h.audit,
		Redactor: redactor,
		Metrics:  h.metrics,
		Logger:   testLogger(),
	})
	id, err := h.orch.OpenSession(context.Background(), "", "token-abc")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	h.session = id
	return h
}

func (h *harness) say(t *testing.T, utterance string) Outcome {
	t.Helper()
	out, err := h.orch.ProcessUtterance(context.Background(), h.session, utterance)
	if err != nil {
		t.Fatalf("ProcessUtterance(%q): %v", utterance, err)
	}
	return out
}

func TestProcessUtterance_ListOpenOrders(t *testing.T) {
	payload := map[string]any{"orders": []any{map[string]any{"id": "o1"}, map[string]any{"id": "o2"}}}
	be := &backend{handler: func(string, map[string]any) (tool.Output, error) {
		return tool.Output{Payload: payload, Status: 200, Attempts: 1}, nil
	}}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[{"tool":"listOrders","arguments":{"status":"open"}}],"confidence":0.95}`)), be.executor())

	out := h.say(t, "list my open orders")
	if out.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s (%s)", out.Status, out.Reason)
	}
	if be.count() != 1 || be.calls[0].Tool != "listOrders" || be.calls[0].Arguments["status"] != "open" {
		t.Fatalf("expected listOrders(status=open), got %+v", be.calls)
	}
	if len(out.Results) != 1 || !out.Results[0].OK {
		t.Fatalf("expected one successful result, got %+v", out.Results)
	}
	if out.Results[0].Payload.(map[string]any)["orders"] == nil {
		t.Fatalf("payload should be the backend body, got %v", out.Results[0].Payload)
	}
	if out.Message != "2 order(s)." {
		t.Fatalf("unexpected reply %q", out.Message)
	}
	if len(h.audit.entries) != 1 || !h.audit.entries[0].OK || h.audit.entries[0].SessionID != h.session {
		t.Fatalf("expected one ok audit entry, got %+v", h.audit.entries)
	}
}

func TestProcessUtterance_CancelOrderNeedsClarification(t *testing.T) {
	be := &backend{}
	h := newHarness(t, newScriptedLLM(say(`{"clarification":"which order id?","partial":{"tool":"cancelOrder","arguments":{}},"confidence":0.3}`)), be.executor())

	out := h.say(t, "cancel order")
	if out.Status != domain.StatusNeedsClarification || out.Question != "which order id?" {
		t.Fatalf("expected clarification, got %s %q", out.Status, out.Question)
	}
	if out.Message != "which order id?" {
		t.Fatalf("message should be the question, got %q", out.Message)
	}
	if be.count() != 0 {
		t.Fatal("nothing should be dispatched while clarifying")
	}
}

func TestProcessUtterance_TimeoutsExhaustRetries(t *testing.T) {
	var attempts int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, timeoutErr{}
	})
	client, err := apiclient.New(apiclient.Config{
		BaseURL:    "http://backend.test",
		Timeout:    time.Second,
		Retry:      retry.Policy{MaxAttempts: 3, InitialDelay: time.Second},
		HTTPClient: &http.Client{Transport: rt},
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[{"tool":"getOrder","arguments":{"orderId":"42"}}]}`)), tool.NewHTTPExecutor(client))

	out := h.say(t, "show order 42")
	if out.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	res := out.Results[0]
	if res.OK || res.Error.Kind != domain.ErrTimeout || res.Attempts != 3 {
		t.Fatalf("expected timeout after 3 attempts, got %+v", res)
	}
	if out.Message != FailureMessage(domain.ErrTimeout) || out.Reason != FailureMessage(domain.ErrTimeout) {
		t.Fatalf("expected stable timeout message, got %q / %q", out.Message, out.Reason)
	}
	if h.audit.entries[0].Attempts != 3 || h.audit.entries[0].ErrorKind != domain.ErrTimeout {
		t.Fatalf("audit should keep full detail, got %+v", h.audit.entries[0])
	}
}

func TestProcessUtterance_UnregisteredToolNeverDispatched(t *testing.T) {
	be := &backend{}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[{"tool":"refundOrder","arguments":{"orderId":"1"}}]}`)), be.executor())

	out := h.say(t, "refund order 1")
	if out.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	if be.count() != 0 || len(h.audit.entries) != 0 {
		t.Fatal("unregistered tool must never reach dispatch")
	}
	if out.Message != FailureMessage(domain.ErrToolNotFound) {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if strings.Contains(out.Message, "refundOrder") {
		t.Fatal("user message should not echo internal names")
	}
}

func TestSlotFillingAcrossTurns(t *testing.T) {
	be := &backend{}
	llm := newScriptedLLM(
		say(`{"clarification":"What should the project be called?","partial":{"tool":"createProject","arguments":{"team":"alpha"}}}`),
		// The model forgets the team on the second turn.
		say(`{"steps":[{"tool":"createProject","arguments":{"name":"Apollo"}}]}`),
	)
	h := newHarness(t, llm, be.executor())

	if out := h.say(t, "create a project for team alpha"); out.Status != domain.StatusNeedsClarification {
		t.Fatalf("expected clarification, got %s", out.Status)
	}
	out := h.say(t, "call it Apollo")
	if out.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s (%s)", out.Status, out.Reason)
	}
	args := be.calls[0].Arguments
	if args["name"] != "Apollo" || args["team"] != "alpha" {
		t.Fatalf("expected slots from both turns, got %v", args)
	}

	// The second prompt carries the first turn as history.
	prompt := llm.lastPrompt()
	var sawFirst bool
	for _, m := range prompt {
		if m.Role == "user" && m.Content == "create a project for team alpha" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Fatal("history should include the first utterance")
	}
}

func TestFailFastKeepsPartialResults(t *testing.T) {
	be := &backend{handler: func(name string, args map[string]any) (tool.Output, error) {
		if name == "cancelOrder" {
			return tool.Output{}, &apiclient.HTTPError{Status: 409, Body: "order already shipped"}
		}
		return tool.Output{Payload: map[string]any{"orders": []any{map[string]any{"id": "o1"}}}, Status: 200, Attempts: 1}, nil
	}}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[
		{"tool":"listOrders","arguments":{}},
		{"tool":"cancelOrder","arguments":{"orderId":"${steps.0.orders.0.id}"}},
		{"tool":"getOrder","arguments":{"orderId":"o1"}}]}`)), be.executor())

	out := h.say(t, "cancel my first order and show it")
	if out.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	if len(out.Results) != 2 || !out.Results[0].OK || out.Results[1].OK {
		t.Fatalf("expected one success then one failure, got %+v", out.Results)
	}
	if be.count() != 2 {
		t.Fatalf("third step must not run, got %d calls", be.count())
	}
	if be.calls[1].Arguments["orderId"] != "o1" {
		t.Fatalf("reference should resolve to o1, got %v", be.calls[1].Arguments)
	}
	if out.Results[1].Error.Kind != domain.ErrHTTP || strings.Contains(out.Results[1].Error.Message, "shipped") {
		t.Fatalf("result error should be sanitized, got %+v", out.Results[1].Error)
	}
	if !strings.HasPrefix(out.Message, "1 order(s).") || !strings.HasSuffix(out.Message, FailureMessage(domain.ErrHTTP)) {
		t.Fatalf("message should report the completed step and the failure, got %q", out.Message)
	}
	if len(h.audit.entries) != 2 || !strings.Contains(h.audit.entries[1].Detail, "shipped") {
		t.Fatalf("audit keeps backend detail, got %+v", h.audit.entries)
	}
}

func TestBadReferenceAtDispatch(t *testing.T) {
	be := &backend{handler: func(string, map[string]any) (tool.Output, error) {
		return tool.Output{Payload: map[string]any{"orders": []any{}}, Status: 200}, nil
	}}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[
		{"tool":"listOrders","arguments":{}},
		{"tool":"getOrder","arguments":{"orderId":"${steps.0.orders.0.id}"}}]}`)), be.executor())

	out := h.say(t, "show my first order")
	if out.Status != domain.StatusFailed || len(out.Results) != 2 {
		t.Fatalf("expected failure on the second step, got %s %+v", out.Status, out.Results)
	}
	if out.Results[1].Error.Kind != domain.ErrValidation || be.count() != 1 {
		t.Fatalf("unresolvable reference must not dispatch, got %+v after %d calls", out.Results[1], be.count())
	}
}

func TestSensitiveArgumentsRedacted(t *testing.T) {
	be := &backend{}
	h := newHarness(t, newScriptedLLM(say(`{"steps":[{"tool":"login","arguments":{"username":"ada","password":"hunter2"}}]}`)), be.executor())

	out := h.say(t, "log me in as ada with hunter2")
	if out.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s", out.Status)
	}
	if be.calls[0].Arguments["password"] != "hunter2" {
		t.Fatal("backend must receive the real password")
	}
	if strings.Contains(h.audit.entries[0].Arguments, "hunter2") {
		t.Fatalf("audit leaked the password: %s", h.audit.entries[0].Arguments)
	}
	turns, err := h.orch.History(context.Background(), h.session, 0)
	if err != nil {
		t.Fatal(err)
	}
	if turns[0].Invocations[0].Arguments["password"] == "hunter2" {
		t.Fatal("stored turn leaked the password")
	}
}

func TestPendingDropsSensitiveSlots(t *testing.T) {
	h := newHarness(t, newScriptedLLM(say(`{"clarification":"Which user?","partial":{"tool":"login","arguments":{"password":"hunter2"}}}`)), (&backend{}).executor())
	h.say(t, "log me in with hunter2")

	turns, _ := h.orch.History(context.Background(), h.session, 0)
	if turns[0].Pending == nil {
		t.Fatal("pending invocation should be stored")
	}
	if _, ok := turns[0].Pending.Arguments["password"]; ok {
		t.Fatal("pending arguments must not keep secrets")
	}
}

func TestLLMFailureIsFailedOutcome(t *testing.T) {
	h := newHarness(t, newScriptedLLM(), (&backend{}).executor())
	out := h.say(t, "anything")
	if out.Status != domain.StatusFailed || out.Message != FailureMessage(domain.ErrProvider) {
		t.Fatalf("expected provider failure outcome, got %s %q", out.Status, out.Message)
	}
	if strings.Contains(out.Message, "script exhausted") {
		t.Fatal("provider detail leaked to the user")
	}
}

func TestEmptyUtteranceSkipsLLM(t *testing.T) {
	h := newHarness(t, newScriptedLLM(), (&backend{}).executor())
	out := h.say(t, "   ")
	if out.Status != domain.StatusFailed || h.llm.calls() != 0 {
		t.Fatalf("expected failure without an LLM call, got %s after %d calls", out.Status, h.llm.calls())
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, newScriptedLLM(), (&backend{}).executor())
	_, err := h.orch.ProcessUtterance(context.Background(), "nope", "hi")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

type failingAppendStore struct {
	*memory.MemoryStore
}

func (failingAppendStore) AppendTurn(context.Context, string, domain.Turn) error {
	return errors.New("disk full")
}

func TestStoreFailureIsReturned(t *testing.T) {
	store := failingAppendStore{memory.NewMemoryStore()}
	h := newHarnessWithStore(t, newScriptedLLM(say(`{"steps":[{"tool":"listOrders","arguments":{}}]}`)), (&backend{}).executor(), store)
	if _, err := h.orch.ProcessUtterance(context.Background(), h.session, "orders"); err == nil {
		t.Fatal("expected store error")
	}
}

func TestTurnsAreRecorded(t *testing.T) {
	h := newHarness(t, newScriptedLLM(
		say(`{"steps":[{"tool":"listOrders","arguments":{}}]}`),
		say(`{"clarification":"Which one?"}`),
	), (&backend{}).executor())
	h.say(t, "orders")
	h.say(t, "cancel one")

	turns, err := h.orch.History(context.Background(), h.session, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Status != domain.StatusResolved || turns[1].Status != domain.StatusNeedsClarification {
		t.Fatalf("unexpected history %+v", turns)
	}
	if turns[0].Reply == "" || turns[1].Question != "Which one?" {
		t.Fatalf("turn details missing: %+v", turns)
	}
	if len(h.metrics.statuses) != 2 {
		t.Fatalf("expected 2 turn observations, got %v", h.metrics.statuses)
	}
}

func TestConcurrentTurnsInOneSessionAreSerialized(t *testing.T) {
	const n = 8
	replies := make([]llmReply, n)
	for i := range replies {
		replies[i] = say(`{"steps":[{"tool":"listOrders","arguments":{}}]}`)
	}
	var inFlight, maxInFlight int32
	be := &backend{handler: func(string, map[string]any) (tool.Output, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return tool.Output{Payload: map[string]any{"orders": []any{}}, Status: 200}, nil
	}}
	h := newHarness(t, newScriptedLLM(replies...), be.executor())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.ProcessUtterance(context.Background(), h.session, "orders"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("turns of one session overlapped: %d in flight", maxInFlight)
	}
	turns, _ := h.orch.History(context.Background(), h.session, 0)
	if len(turns) != n {
		t.Fatalf("expected %d turns, got %d", n, len(turns))
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, newScriptedLLM(), (&backend{}).executor())
	ctx := context.Background()
	if h.metrics.open != 1 {
		t.Fatalf("expected 1 open session, got %d", h.metrics.open)
	}

	// Reopening an open session does not count twice.
	if _, err := h.orch.OpenSession(ctx, h.session, "new-token"); err != nil {
		t.Fatal(err)
	}
	if h.metrics.open != 1 {
		t.Fatalf("reopen counted as new session: %d", h.metrics.open)
	}

	sessions, err := h.orch.ListSessions(ctx, 10)
	if err != nil || len(sessions) != 1 || sessions[0].ID != h.session {
		t.Fatalf("unexpected sessions %v, %v", sessions, err)
	}

	h.orch.CloseSession(h.session)
	if h.metrics.open != 0 {
		t.Fatalf("expected 0 open sessions, got %d", h.metrics.open)
	}
	if _, err := h.orch.ProcessUtterance(ctx, h.session, "hi"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("closed session should not accept turns, got %v", err)
	}

	if err := h.orch.DeleteSession(ctx, h.session); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.History(ctx, h.session, 0); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("deleted session should be gone, got %v", err)
	}
}

func TestReopenRestoresPending(t *testing.T) {
	store := memory.NewMemoryStore()
	be := &backend{}
	first := newHarnessWithStore(t, newScriptedLLM(say(`{"clarification":"Which order id?","partial":{"tool":"cancelOrder","arguments":{"reason":"late"}}}`)), be.executor(), store)
	first.say(t, "cancel my late order")

	// A new process over the same store picks the conversation up again.
	llm := newScriptedLLM(say(`{"steps":[{"tool":"cancelOrder","arguments":{"orderId":"42"}}]}`))
	second := newHarnessWithStore(t, llm, be.executor(), store)
	if _, err := second.orch.OpenSession(context.Background(), first.session, "token"); err != nil {
		t.Fatal(err)
	}
	second.session = first.session
	out := second.say(t, "42")
	if out.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s (%s)", out.Status, out.Reason)
	}
	if be.calls[0].Arguments["reason"] != "late" || be.calls[0].Arguments["orderId"] != "42" {
		t.Fatalf("pending slots lost across reopen: %v", be.calls[0].Arguments)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
