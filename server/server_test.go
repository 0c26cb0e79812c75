package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/line"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/telegram"
	"github.com/onnwee/chat-relay/testutil"
)

const (
	testLineSecret     = "line-channel-secret"
	testTelegramSecret = "tg-webhook-secret"
	testTelegramToken  = "tg-token"
	testAlertChat      = "999"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type testEnv struct {
	store    *testutil.MemStore
	api      *testutil.MockProviderServer
	registry *hub.Registry
	deps     Deps
	handler  http.Handler
}

// clearServerEnv unsets the middleware variables so tests do not depend on the caller's shell.
func clearServerEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_BACKEND", "RATE_LIMIT_REQUESTS_PER_IP", "RATE_LIMIT_WINDOW_SECONDS",
		"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

// newTestEnv wires the real relay, LINE and Telegram clients against a mock provider API.
// mutate may adjust the deps before the mux is built.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	clearServerEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	api := testutil.NewMockProviderServer(t)
	lc, err := line.New(ctx, line.Config{
		ChannelSecret:      testLineSecret,
		ChannelAccessToken: "line-token",
		Endpoint:           api.URL,
	})
	if err != nil {
		t.Fatalf("line client: %v", err)
	}
	tc, err := telegram.New(telegram.Config{
		Token:         testTelegramToken,
		BaseURL:       api.URL,
		AlertChatID:   testAlertChat,
		WebhookSecret: testTelegramSecret,
	})
	if err != nil {
		t.Fatalf("telegram client: %v", err)
	}

	store := testutil.NewMemStore()
	registry := hub.NewRegistry()
	t.Cleanup(registry.Shutdown)
	svc := relay.NewService(relay.Deps{
		Store: store,
		Hub:   registry,
		Messengers: map[string]relay.Messenger{
			relay.ProviderLine:     lc,
			relay.ProviderTelegram: tc,
		},
		Alerter: tc,
	}, relay.Options{HandoffKeywords: []string{"talk to admin"}})

	deps := Deps{
		DB:       fakePinger{},
		Relay:    svc,
		Registry: registry,
		Line:     lc,
		Telegram: tc,
		Version:  "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{
		store:    store,
		api:      api,
		registry: registry,
		deps:     deps,
		handler:  NewMux(ctx, deps),
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}

	down := newTestEnv(t, func(d *Deps) { d.DB = fakePinger{err: errors.New("connection refused")} })
	if rr := down.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Deps)
		wantStatus int
		wantFailed string
	}{
		{name: "ready", wantStatus: http.StatusOK},
		{
			name:       "database down",
			mutate:     func(d *Deps) { d.DB = fakePinger{err: errors.New("no db")} },
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: "database",
		},
		{
			name: "redis unreachable",
			mutate: func(d *Deps) {
				d.Redis = redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
			},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: "redis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			if env.deps.Redis != nil {
				t.Cleanup(func() { _ = env.deps.Redis.Close() })
			}
			rr := env.do(t, http.MethodGet, "/readyz", nil, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var resp map[string]string
			decodeBody(t, rr, &resp)
			if tt.wantFailed == "" && resp["status"] != "ready" {
				t.Fatalf("expected status=ready, got %v", resp)
			}
			if tt.wantFailed != "" && resp["failed_check"] != tt.wantFailed {
				t.Fatalf("failed_check = %q, want %q", resp["failed_check"], tt.wantFailed)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/status", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Subscribers int      `json:"subscribers"`
		Version     string   `json:"version"`
		Providers   []string `json:"providers"`
		Redis       bool     `json:"redis"`
	}
	decodeBody(t, rr, &resp)
	if resp.Subscribers != 0 || resp.Version != "test" || resp.Redis {
		t.Errorf("unexpected status %+v", resp)
	}
	if len(resp.Providers) != 2 || resp.Providers[0] != "line" || resp.Providers[1] != "telegram" {
		t.Errorf("providers = %v", resp.Providers)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/status", nil, map[string]string{"X-Correlation-ID": "corr-123"})
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("expected provided correlation id to be echoed, got %q", got)
	}
	rr = env.do(t, http.MethodGet, "/status", nil, nil)
	if got := rr.Header().Get("X-Correlation-ID"); len(got) != 36 {
		t.Errorf("expected generated uuid correlation id, got %q", got)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	t.Setenv("ADMIN_TOKEN", "s3cret")
	handler := NewMux(context.Background(), env.deps)

	check := func(path string, header map[string]string, want int) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, want)
		}
	}
	check("/admin/users", nil, http.StatusUnauthorized)
	check("/ws", nil, http.StatusUnauthorized)
	check("/admin/users", map[string]string{"X-Admin-Token": "s3cret"}, http.StatusOK)
	check("/healthz", nil, http.StatusOK)
	check("/status", nil, http.StatusOK)
}

func TestAdminRoutesRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := NewMux(ctx, env.deps)

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.20:4000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := get("/admin/users"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := get("/admin/users"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", code)
	}
	for i := 0; i < 3; i++ {
		if code := get("/status"); code != http.StatusOK {
			t.Fatalf("status endpoint should not be rate limited, got %d", code)
		}
	}
}

func TestWebhookRoutesOnlyForConfiguredProviders(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Line = nil
		d.Telegram = nil
	})
	for _, path := range []string{"/webhook/line", "/webhook/telegram"} {
		if rr := env.do(t, http.MethodPost, path, "{}", nil); rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	clearServerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{DB: fakePinger{}, Registry: hub.NewRegistry()}, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
