package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionbridge/internal/domain"
)

type memSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (m *memSink) Record(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type fakeStore struct{ got []domain.AuditEntry }

func (f *fakeStore) LogAudit(_ context.Context, e domain.AuditEntry) error {
	f.got = append(f.got, e)
	return nil
}

type fakePublisher struct {
	exchange, key string
	msgs          []amqp.Publishing
	closed        bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key = exchange, key
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) Close() error { f.closed = true; return nil }

func TestRedactor_DefaultPatterns(t *testing.T) {
	r, err := NewRedactor(nil)
	require.NoError(t, err)

	assert.True(t, r.IsSensitive("password"))
	assert.True(t, r.IsSensitive("New_Password"))
	assert.True(t, r.IsSensitive("refresh_token"))
	assert.False(t, r.IsSensitive("username"))
	assert.False(t, r.IsSensitive("project_id"))
}

func TestRedactor_MaskAndStrip(t *testing.T) {
	r, err := NewRedactor(nil)
	require.NoError(t, err)
	args := map[string]any{
		"username": "ada",
		"password": "hunter2",
		"profile":  map[string]any{"api_key": "k", "name": "Ada"},
	}

	masked := r.Mask(args)
	assert.Equal(t, "***", masked["password"])
	assert.Equal(t, "ada", masked["username"])
	assert.Equal(t, "***", masked["profile"].(map[string]any)["api_key"])
	assert.Equal(t, "hunter2", args["password"], "input must not be modified")

	stripped := r.Strip(args)
	assert.NotContains(t, stripped, "password")
	assert.Equal(t, "ada", stripped["username"])
}

func TestRedactor_CustomRegex(t *testing.T) {
	r, err := NewRedactor([]string{`^ssn$`})
	require.NoError(t, err)
	assert.True(t, r.IsSensitive("ssn"))
	assert.False(t, r.IsSensitive("ssn_hint"))
	assert.False(t, r.IsSensitive("password"), "custom list replaces the defaults")

	_, err = NewRedactor([]string{`(`})
	assert.Error(t, err)
}

func TestRedactor_NilIsPassThrough(t *testing.T) {
	var r *Redactor
	args := map[string]any{"password": "x"}
	assert.Equal(t, "x", r.Mask(args)["password"])
}

func TestEntry_Success(t *testing.T) {
	r, _ := NewRedactor(nil)
	inv := domain.ActionInvocation{ID: "i1", Tool: "login", Arguments: map[string]any{"username": "ada", "password": "pw"}}
	res := domain.ExecutionResult{Tool: "login", OK: true, Status: 200, Attempts: 1, Duration: time.Second}

	e := Entry("s1", "t1", inv, res, r)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "t1", e.TurnID)
	assert.Equal(t, "login", e.Tool)
	assert.True(t, e.OK)
	assert.Equal(t, 200, e.Status)
	assert.NotContains(t, e.Arguments, "pw")

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.Arguments), &args))
	assert.Equal(t, "***", args["password"])
}

func TestEntry_FailureKeepsDetail(t *testing.T) {
	inv := domain.ActionInvocation{Tool: "create_project"}
	res := domain.ExecutionResult{
		Tool:  "create_project",
		Error: &domain.ExecutionError{Kind: domain.ErrHTTP, Message: "duplicate name", Status: 409},
	}
	e := Entry("s1", "t1", inv, res, nil)
	assert.False(t, e.OK)
	assert.Equal(t, domain.ErrHTTP, e.ErrorKind)
	assert.Contains(t, e.Detail, "duplicate name")
	assert.Equal(t, 409, e.Status)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("b down")}
	c := &memSink{}

	err := Multi{a, b, c}.Record(context.Background(), domain.AuditEntry{Tool: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, c.len(), "a failing sink must not stop the others")
}

func TestStoreSink(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, NewStoreSink(store).Record(context.Background(), domain.AuditEntry{Tool: "get_user"}))
	require.Len(t, store.got, 1)
	assert.Equal(t, "get_user", store.got[0].Tool)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewLogSink(logger)

	require.NoError(t, sink.Record(context.Background(), domain.AuditEntry{Tool: "get_user", OK: true, Status: 200}))
	require.NoError(t, sink.Record(context.Background(), domain.AuditEntry{Tool: "delete_user", ErrorKind: domain.ErrAuthorization, Detail: "forbidden"}))

	out := buf.String()
	assert.Contains(t, out, "tool=get_user")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "kind=authorization")
}

func TestAMQPSink_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &AMQPSink{ch: pub, exchange: "actionbridge.audit", routingKey: "execution"}

	e := domain.AuditEntry{Time: time.Unix(100, 0), SessionID: "s1", Tool: "list_projects", OK: true}
	require.NoError(t, sink.Record(context.Background(), e))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "actionbridge.audit", pub.exchange)
	assert.Equal(t, "execution", pub.key)
	msg := pub.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	var got domain.AuditEntry
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, "list_projects", got.Tool)

	require.NoError(t, sink.Close())
	assert.True(t, pub.closed)
	assert.Error(t, sink.Record(context.Background(), e))
}

func TestNewAMQPSink_RequiresURL(t *testing.T) {
	_, err := NewAMQPSink(AMQPConfig{})
	assert.Error(t, err)
}

func TestAsync_DrainsOnClose(t *testing.T) {
	inner := &memSink{}
	a := NewAsync(inner, 16, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Record(context.Background(), domain.AuditEntry{Tool: "x"}))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, 10, inner.len())
	assert.Zero(t, a.Dropped())
}

type blockingSink struct{ release chan struct{} }

func (b *blockingSink) Record(context.Context, domain.AuditEntry) error {
	<-b.release
	return nil
}

func TestAsync_DropsWhenFull(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	a := NewAsync(inner, 1, nil)

	// The worker may hold one entry and the buffer one more; the rest drop.
	var dropped int
	for i := 0; i < 5; i++ {
		if err := a.Record(context.Background(), domain.AuditEntry{}); err != nil {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 3)
	assert.Equal(t, dropped, a.Dropped())

	close(inner.release)
	require.NoError(t, a.Close())
}

func TestAsync_ReportsSinkErrors(t *testing.T) {
	inner := &memSink{err: errors.New("broker gone")}
	var mu sync.Mutex
	var got []error
	a := NewAsync(inner, 4, func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})
	require.NoError(t, a.Record(context.Background(), domain.AuditEntry{}))
	require.NoError(t, a.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error(), "broker gone")
}
