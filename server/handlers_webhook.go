package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-relay/line"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/telegram"
	"github.com/onnwee/chat-relay/telemetry"
)

// Webhook outcomes recorded per event.
const (
	outcomeHandled  = "handled"
	outcomeIgnored  = "ignored"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

// HandleLineWebhook verifies and processes a LINE webhook delivery. Once the signature
// checks out the response is 200 even when individual events fail, since LINE does not
// redeliver by default and a failed event is already logged.
func (h *Handlers) HandleLineWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook_line"))

	events, err := h.line.ParseRequest(r)
	if err != nil {
		if errors.Is(err, line.ErrInvalidSignature) {
			telemetry.RecordWebhookEvent(relay.ProviderLine, outcomeRejected)
			logger.Warn("invalid signature", slog.String("remote_addr", r.RemoteAddr))
			writeError(w, r, err)
			return
		}
		logger.Warn("bad webhook body", slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, in := range events.Follows {
		record(logger, in, h.relay.HandleFollow(r.Context(), in))
	}
	for _, in := range events.Messages {
		record(logger, in, h.relay.HandleInbound(r.Context(), in))
	}
	for i := 0; i < events.Ignored; i++ {
		telemetry.RecordWebhookEvent(relay.ProviderLine, outcomeIgnored)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

// HandleTelegramWebhook processes one Telegram update. Telegram retries non-2xx
// responses, so processing failures are logged and answered with 200.
func (h *Handlers) HandleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook_telegram"))

	in, ok, err := h.telegram.ParseUpdate(r)
	if err != nil {
		if errors.Is(err, telegram.ErrInvalidSecret) {
			telemetry.RecordWebhookEvent(relay.ProviderTelegram, outcomeRejected)
			logger.Warn("invalid webhook secret", slog.String("remote_addr", r.RemoteAddr))
			writeError(w, r, err)
			return
		}
		logger.Warn("bad update body", slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !ok {
		telemetry.RecordWebhookEvent(relay.ProviderTelegram, outcomeIgnored)
	} else {
		record(logger, in, h.relay.HandleInbound(r.Context(), in))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func record(logger *slog.Logger, in relay.Inbound, err error) {
	switch {
	case err == nil:
		telemetry.RecordWebhookEvent(in.Provider, outcomeHandled)
	case errors.Is(err, relay.ErrEmptyMessage):
		telemetry.RecordWebhookEvent(in.Provider, outcomeIgnored)
	default:
		telemetry.RecordWebhookEvent(in.Provider, outcomeFailed)
		logger.Error("event processing failed", slog.String("user", in.UserID), slog.Any("err", err))
	}
}
