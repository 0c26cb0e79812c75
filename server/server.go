// Package server exposes the HTTP API: provider webhooks, the admin console endpoints and
// WebSocket, plus health, status and metrics. It injects correlation IDs into request
// contexts for consistent logging and wraps each request in a tracing span.
package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/ws"
)

// newRateLimiter picks the configured backend. The Redis backend needs a client; without
// one the in-memory limiter is used.
func newRateLimiter(ctx context.Context, cfg *rateLimiterConfig, deps Deps) RateLimiter {
	if cfg.backend == "redis" {
		if deps.Redis != nil {
			slog.Info("initializing distributed rate limiter", slog.String("backend", "redis"))
			return newRedisRateLimiter(deps.Redis, cfg)
		}
		slog.Warn("RATE_LIMIT_BACKEND=redis but REDIS_URL is not set, falling back to memory")
	}
	slog.Info("initializing in-memory rate limiter", slog.String("backend", "memory"))
	return newIPRateLimiter(ctx, cfg)
}

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newRateLimiter(ctx, rateLimiterCfg, deps)

	handlers := NewHandlers(deps)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Provider webhooks, authenticated by their own signatures
	if deps.Line != nil {
		mux.HandleFunc("/webhook/line", handlers.HandleLineWebhook)
	}
	if deps.Telegram != nil {
		mux.HandleFunc("/webhook/telegram", handlers.HandleTelegramWebhook)
	}

	// Admin console
	mux.HandleFunc("/admin/reply", handlers.HandleAdminReply)
	mux.HandleFunc("/admin/end_chat", handlers.HandleAdminEndChat)
	mux.HandleFunc("/admin/restart_chat", handlers.HandleAdminRestartChat)
	mux.HandleFunc("/admin/toggle_mode", handlers.HandleAdminToggleMode)
	mux.HandleFunc("/admin/users", handlers.HandleAdminUsers)
	mux.HandleFunc("/admin/messages/", handlers.HandleAdminMessages)
	if deps.Registry != nil {
		wsOpts := deps.WS
		if wsOpts.CheckOrigin == nil && len(wsOpts.AllowedOrigins) == 0 {
			wsOpts.CheckOrigin = corsCfg.checkWSOrigin
		}
		mux.Handle("/ws", ws.NewHandler(deps.Registry, wsOpts))
	}

	// Auth and rate limiting for the admin console and its WebSocket
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") || r.URL.Path == "/ws" {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := routeFor(r.URL.Path)
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+route, telemetry.HTTPAttrs(r.Method, route)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker so WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
