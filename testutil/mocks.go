package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RecordedRequest is one call received by a MockProviderServer.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// MockProviderServer fakes the LINE Messaging API and the Telegram Bot API. Unknown
// paths answer with a success body for the provider the path belongs to.
type MockProviderServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewMockProviderServer creates a new mock provider API server
func NewMockProviderServer(t *testing.T) *MockProviderServer {
	t.Helper()
	m := &MockProviderServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockProviderServer) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := RecordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body) //nolint:errcheck // non-JSON bodies are recorded without a body
	}
	m.mu.Lock()
	m.requests = append(m.requests, rec)
	handler, ok := m.Handlers[r.URL.Path]
	m.mu.Unlock()

	if ok {
		handler(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(r.URL.Path, "/bot") {
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
		return
	}
	_, _ = w.Write([]byte(`{}`))
}

// Handle overrides the response for one path.
func (m *MockProviderServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// MockLineProfile answers GET /v2/bot/profile/{userID}.
func (m *MockProviderServer) MockLineProfile(userID, displayName, pictureURL string) {
	m.Handle("/v2/bot/profile/"+userID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // test mock response
			"userId":      userID,
			"displayName": displayName,
			"pictureUrl":  pictureURL,
		})
	})
}

// Requests returns the calls received so far.
func (m *MockProviderServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the calls received on one path.
func (m *MockProviderServer) RequestsTo(path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}
