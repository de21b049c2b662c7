package provider

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"actionbridge/internal/domain"
)

// sdkServer answers every request with a fixed status and body and keeps
// what the SDK sent.
type sdkServer struct {
	*httptest.Server

	mu     sync.Mutex
	paths  []string
	bodies [][]byte
}

func newSDKServer(t *testing.T, status int, body string) *sdkServer {
	t.Helper()
	s := &sdkServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var compact bytes.Buffer
		if json.Compact(&compact, raw) != nil {
			compact.Reset()
			compact.Write(raw)
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.bodies = append(s.bodies, compact.Bytes())
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sdkServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func (s *sdkServer) lastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.paths) == 0 {
		return ""
	}
	return s.paths[len(s.paths)-1]
}

// lastBody returns the last request body with whitespace removed.
func (s *sdkServer) lastBody() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return ""
	}
	return string(s.bodies[len(s.bodies)-1])
}

func (s *sdkServer) lastJSON(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.lastBody()), &out))
	return out
}

var listOrdersDef = domain.ToolDefinition{
	Name:        "listOrders",
	Description: "List orders by status",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"description": "order status",
				"enum":        []string{"open", "closed"},
			},
		},
		"required": []string{"status"},
	},
}

func chatRequest(tools ...domain.ToolDefinition) domain.ChatRequest {
	return domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "You route requests to actions."},
			{Role: "user", Content: "list my open orders"},
		},
		Tools:       tools,
		MaxTokens:   256,
		Temperature: 0.2,
	}
}

// statusCases are the HTTP failures every adapter must classify the same way.
var statusCases = []struct {
	name   string
	status int
	want   ErrorKind
}{
	{"rate limited", http.StatusTooManyRequests, KindRateLimited},
	{"server error", http.StatusServiceUnavailable, KindUnavailable},
	{"internal error", http.StatusInternalServerError, KindUnavailable},
	{"bad request", http.StatusBadRequest, KindProvider},
}
