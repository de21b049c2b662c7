package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionbridge/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noSleep(context.Context, time.Duration) error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func reply(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestClient(t *testing.T, rt http.RoundTripper, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    "http://backend.test/api",
		Timeout:    time.Second,
		Retry:      retry.Policy{MaxAttempts: attempts, InitialDelay: time.Second},
		HTTPClient: &http.Client{Transport: rt},
		Sleep:      noSleep,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestExecuteAttemptsUnderTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		limit     int
		wantCalls int
		wantErr   bool
	}{
		{"recovers before limit", 1, 3, 2, false},
		{"exhausts limit", 3, 3, 3, true},
		{"more failures than limit", 7, 3, 3, true},
		{"limit of one", 4, 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
				n := atomic.AddInt32(&calls, 1)
				if int(n) <= tt.failures {
					return reply(http.StatusServiceUnavailable, `{"detail":"busy"}`), nil
				}
				return reply(http.StatusOK, `{"orders":[]}`), nil
			})
			c := newTestClient(t, rt, tt.limit)
			resp, err := c.Execute(context.Background(), "GET", "/orders", nil, "tok")
			assert.Equal(t, tt.wantCalls, int(calls))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsTransient(err))
				assert.Equal(t, tt.wantCalls, Attempts(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, resp.Attempts)
		})
	}
}

func TestExecuteTimeoutsAreRetriedThenSurfaced(t *testing.T) {
	var calls int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, timeoutErr{}
	})
	c := newTestClient(t, rt, 3)

	_, err := c.Execute(context.Background(), "GET", "/orders", nil, "")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, 3, Attempts(err))
}

func TestExecuteNeverRetries4xx(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 409, 422, 429} {
		var calls int32
		rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return reply(status, `{"detail":"nope"}`), nil
		})
		c := newTestClient(t, rt, 5)
		_, err := c.Execute(context.Background(), "POST", "/orders", map[string]any{"a": 1}, "")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.EqualValues(t, 1, calls, "status %d", status)

		var ae *AuthorizationError
		if status == 401 || status == 403 {
			assert.ErrorAs(t, err, &ae)
		} else {
			var he *HTTPError
			assert.ErrorAs(t, err, &he)
			assert.Equal(t, status, he.Status)
		}
	}
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":"`+strings.Repeat("x", 64)+`"}`)
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL:      srv.URL,
		Retry:        retry.Policy{MaxAttempts: 3, InitialDelay: time.Second},
		Sleep:        noSleep,
		MaxBodyBytes: 32,
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "GET", "/items", nil, "")
	require.Error(t, err)
	var big *ResponseTooLargeError
	require.ErrorAs(t, err, &big)
	assert.Equal(t, int64(32), big.Limit)
	assert.Equal(t, http.StatusOK, big.Status)
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, calls, "an oversized reply is not retried")
}

func TestExecuteBodyAtLimitIsKept(t *testing.T) {
	body := `{"id":"` + strings.Repeat("x", 24) + `"}`
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return reply(http.StatusOK, body), nil
	})
	c, err := New(Config{
		BaseURL:      "http://backend.test/api",
		HTTPClient:   &http.Client{Transport: rt},
		MaxBodyBytes: int64(len(body)),
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	resp, err := c.Execute(context.Background(), "GET", "/items/1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, body, string(resp.Body))
}

func TestExecuteWithoutRetry(t *testing.T) {
	var calls int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return reply(http.StatusBadGateway, ``), nil
	})
	c := newTestClient(t, rt, 3)
	_, err := c.Execute(context.Background(), "POST", "/orders", nil, "", WithoutRetry())
	require.Error(t, err)
	assert.EqualValues(t, 1, calls)
}

func TestExecuteErrorEnvelope(t *testing.T) {
	for _, body := range []string{
		`{"error":"quota exceeded"}`,
		`{"error":{"message":"quota exceeded"}}`,
		`{"success":false,"message":"quota exceeded"}`,
	} {
		var calls int32
		rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return reply(http.StatusOK, body), nil
		})
		c := newTestClient(t, rt, 3)
		_, err := c.Execute(context.Background(), "GET", "/x", nil, "")
		var app *ApplicationError
		require.ErrorAs(t, err, &app, body)
		assert.Equal(t, "quota exceeded", app.Message)
		assert.EqualValues(t, 1, calls)
	}

	for _, body := range []string{`{"error":null,"id":1}`, `{"success":true}`, `[1,2]`, `plain text`} {
		rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
			return reply(http.StatusOK, body), nil
		})
		c := newTestClient(t, rt, 1)
		_, err := c.Execute(context.Background(), "GET", "/x", nil, "")
		assert.NoError(t, err, body)
	}
}

func TestExecuteRequestShape(t *testing.T) {
	var gotQuery, gotBody, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/", APIKey: "default-key", Logger: testLogger()})
	require.NoError(t, err)

	resp, err := c.Execute(context.Background(), "get", "/orders", map[string]any{"status": "open", "tag": []any{"a", "b"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "/api/orders", gotPath)
	assert.Equal(t, "status=open&tag=a&tag=b", gotQuery)
	assert.Equal(t, "Bearer default-key", gotAuth)
	assert.Empty(t, gotBody)
	assert.Equal(t, map[string]any{"ok": true}, resp.Decode())

	_, err = c.Execute(context.Background(), "POST", "orders", map[string]any{"item": "x", "qty": 2}, "user-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Empty(t, gotQuery)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(gotBody), &body))
	assert.Equal(t, map[string]any{"item": "x", "qty": float64(2)}, body)
}

func TestExecutePerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
		Retry:   retry.Policy{MaxAttempts: 2},
		Sleep:   noSleep,
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "GET", "/slow", nil, "")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, Attempts(err))
}

func TestExecuteCancelledContextIsNotRetried(t *testing.T) {
	var calls int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, r.Context().Err()
	})
	c := newTestClient(t, rt, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Execute(ctx, "GET", "/x", nil, "")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
