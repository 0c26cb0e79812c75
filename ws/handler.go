package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/telemetry"
)

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// ReadLimit caps inbound frames; admins only send control frames.
	ReadLimit int64
	// AllowedOrigins is checked against the Origin header. Empty means same-origin only,
	// "*" allows any origin.
	AllowedOrigins []string
	// CheckOrigin, when set, replaces the AllowedOrigins check.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades admin requests to WebSocket and keeps them admitted to the registry
// until the read loop ends.
type Handler struct {
	registry *hub.Registry
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(registry *hub.Registry, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 * 1024
	}
	h := &Handler{registry: registry, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	switch {
	case opts.CheckOrigin != nil:
		h.upgrader.CheckOrigin = opts.CheckOrigin
	case len(opts.AllowedOrigins) > 0:
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "ws"))

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	conn := NewConn(wsConn, h.opts.WriteTimeout)
	defer conn.Close()

	h.registry.Admit(conn)
	defer h.registry.Remove(conn)
	logger.Info("admin subscriber connected", slog.String("conn", conn.ID()), slog.String("remote", r.RemoteAddr))

	ctx := context.WithoutCancel(r.Context())
	greeting, _ := json.Marshal(hub.NewEvent(hub.KindConnected, "", "connected to live updates"))
	if err := h.registry.Unicast(ctx, conn, greeting); err != nil {
		logger.Warn("greeting failed", slog.Any("err", err))
		return
	}

	h.serve(conn, logger)
	logger.Info("admin subscriber disconnected", slog.String("conn", conn.ID()))
}

// serve runs the ping loop and blocks in the read loop until the peer goes away or the
// connection is closed by the registry.
func (h *Handler) serve(conn *Conn, logger *slog.Logger) {
	pongWait := h.opts.PingInterval * 2
	c := conn.ws
	c.SetReadLimit(h.opts.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-conn.Done():
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					logger.Debug("ping failed", slog.Any("err", err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("unexpected close", slog.Any("err", err))
			}
			return
		}
	}
}
