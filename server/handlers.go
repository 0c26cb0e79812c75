package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/line"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/telegram"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/ws"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the components the HTTP layer serves. Line, Telegram and Redis are optional;
// a nil provider client leaves its webhook route unregistered.
type Deps struct {
	DB       Pinger
	Relay    *relay.Service
	Registry *hub.Registry
	Redis    *redis.Client
	Line     *line.Client
	Telegram *telegram.Client
	WS       ws.Options
	Version  string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       Pinger
	relay    *relay.Service
	registry *hub.Registry
	redis    *redis.Client
	line     *line.Client
	telegram *telegram.Client
	version  string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:       deps.DB,
		relay:    deps.Relay,
		registry: deps.Registry,
		redis:    deps.Redis,
		line:     deps.Line,
		telegram: deps.Telegram,
		version:  deps.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Unexpected errors are logged and their
// text is not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, relay.ErrEmptyMessage), errors.Is(err, relay.ErrInvalidMode), errors.Is(err, errBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, line.ErrInvalidSignature), errors.Is(err, telegram.ErrInvalidSecret):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, db.ErrNotFound):
		status, msg = http.StatusNotFound, "user not found"
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
