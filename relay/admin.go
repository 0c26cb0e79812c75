package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
)

// AdminReply records an admin message, pushes it to the user and tells the console.
func (s *Service) AdminReply(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.store.SaveMessage(ctx, userID, db.SenderAdmin, text); err != nil {
		return fmt.Errorf("save admin message: %w", err)
	}
	if out, ok := s.outboundFor(user); ok {
		if t, ok := out.m.(TypingIndicator); ok {
			if err := t.ShowTyping(ctx, userID); err != nil {
				s.log.Debug("typing indicator failed", slog.String("user", userID), slog.Any("err", err))
			}
		}
		if err := out.m.Push(ctx, userID, text); err != nil {
			s.outboundFailed(out, userID, err)
		}
	}
	s.broadcast(ctx, hub.NewEvent(hub.KindAdminReply, userID, text))
	return nil
}

// EndChat takes the user out of live chat and lets them know.
func (s *Service) EndChat(ctx context.Context, userID string) error {
	return s.setLiveChat(ctx, userID, false, s.opts.Texts.ChatEnded, hub.KindChatEnded)
}

// RestartChat puts the user back into live chat and lets them know.
func (s *Service) RestartChat(ctx context.Context, userID string) error {
	return s.setLiveChat(ctx, userID, true, s.opts.Texts.ChatRestarted, hub.KindChatRestarted)
}

func (s *Service) setLiveChat(ctx context.Context, userID string, live bool, notice string, kind hub.Kind) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetLiveChat(ctx, userID, live); err != nil {
		return fmt.Errorf("set live chat: %w", err)
	}
	if out, ok := s.outboundFor(user); ok {
		if err := out.m.Push(ctx, userID, notice); err != nil {
			s.outboundFailed(out, userID, err)
		}
	}
	if _, err := s.store.SaveMessage(ctx, userID, db.SenderBot, notice); err != nil {
		return fmt.Errorf("save notice: %w", err)
	}
	s.broadcast(ctx, hub.NewEvent(kind, userID, notice))
	return nil
}

// ToggleMode switches who answers the user while in live chat.
func (s *Service) ToggleMode(ctx context.Context, userID, mode string) (db.Mode, error) {
	m := db.Mode(strings.ToLower(strings.TrimSpace(mode)))
	if !m.Valid() {
		return "", ErrInvalidMode
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.store.SetChatMode(ctx, userID, m); err != nil {
		return "", err
	}
	notice := s.opts.Texts.ModeManual
	if m == db.ModeAuto {
		notice = s.opts.Texts.ModeAuto
	}
	ev := hub.NewEvent(hub.KindModeChanged, userID, notice)
	ev.Mode = string(m)
	s.broadcast(ctx, ev)
	return m, nil
}

// Conversations lists users with history, most recently active first.
func (s *Service) Conversations(ctx context.Context, limit int) ([]db.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Messages returns a user's history, oldest first.
func (s *Service) Messages(ctx context.Context, userID string, limit int) ([]db.Message, error) {
	return s.store.ListMessages(ctx, userID, limit)
}

func (s *Service) outboundFor(user db.User) (outbound, bool) {
	m, ok := s.messengers[user.Provider]
	if !ok {
		s.log.Warn("no messenger for user's provider", slog.String("user", user.ID), slog.String("provider", user.Provider))
		return outbound{}, false
	}
	return outbound{provider: user.Provider, m: m}, true
}
