package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-relay/db"
)

var errBadRequest = errors.New("bad request")

// adminRequest is the body of every admin POST. Fields unused by an action are ignored.
type adminRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

func decodeAdminRequest(r *http.Request) (adminRequest, error) {
	var req adminRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return req, fmt.Errorf("%w: user_id is required", errBadRequest)
	}
	return req, nil
}

// adminAction decodes the body, runs fn and answers {"status":"ok"}.
func (h *Handlers) adminAction(fn func(r *http.Request, req adminRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := decodeAdminRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := fn(r, req); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleAdminReply sends an admin message to the user.
func (h *Handlers) HandleAdminReply(w http.ResponseWriter, r *http.Request) {
	h.adminAction(func(r *http.Request, req adminRequest) error {
		return h.relay.AdminReply(r.Context(), req.UserID, req.Message)
	})(w, r)
}

// HandleAdminEndChat takes the user out of live chat.
func (h *Handlers) HandleAdminEndChat(w http.ResponseWriter, r *http.Request) {
	h.adminAction(func(r *http.Request, req adminRequest) error {
		return h.relay.EndChat(r.Context(), req.UserID)
	})(w, r)
}

// HandleAdminRestartChat puts the user back into live chat.
func (h *Handlers) HandleAdminRestartChat(w http.ResponseWriter, r *http.Request) {
	h.adminAction(func(r *http.Request, req adminRequest) error {
		return h.relay.RestartChat(r.Context(), req.UserID)
	})(w, r)
}

// HandleAdminToggleMode switches a user between manual and automatic replies.
func (h *Handlers) HandleAdminToggleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	mode, err := h.relay.ToggleMode(r.Context(), req.UserID, req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(mode)})
}

type conversationJSON struct {
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	DisplayName   string    `json:"display_name"`
	PictureURL    string    `json:"picture_url"`
	InLiveChat    bool      `json:"is_in_live_chat"`
	ChatMode      db.Mode   `json:"chat_mode"`
	LatestMessage string    `json:"latest_message"`
	LastActivity  time.Time `json:"last_activity"`
}

// HandleAdminUsers lists conversations, most recently active first.
func (h *Handlers) HandleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 200)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	convs, err := h.relay.Conversations(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON{
			UserID:        c.ID,
			Provider:      c.Provider,
			DisplayName:   c.DisplayName,
			PictureURL:    c.PictureURL,
			InLiveChat:    c.InLiveChat,
			ChatMode:      c.Mode,
			LatestMessage: c.LatestMessage,
			LastActivity:  c.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

type messageJSON struct {
	ID        string        `json:"id"`
	Message   string        `json:"message"`
	Sender    db.SenderType `json:"sender_type"`
	CreatedAt time.Time     `json:"created_at"`
}

// HandleAdminMessages returns one user's history: GET /admin/messages/{user_id}.
func (h *Handlers) HandleAdminMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/messages/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		http.NotFound(w, r)
		return
	}
	limit := parseIntQuery(r, "limit", 500)
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	msgs, err := h.relay.Messages(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{ID: m.ID, Message: m.Text, Sender: m.Sender, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
