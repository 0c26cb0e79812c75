// Package relay implements the conversation flow between end users on messaging providers,
// the automatic responder, and the admin console.
//
// Every inbound message and admin action for one user runs under that user's lock, so the
// events the console receives for a user arrive in the order the actions happened.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/telemetry"
)

type Deps struct {
	Store      Store
	Hub        hub.Broadcaster
	Messengers map[string]Messenger
	// Responder answers users in auto mode. Nil sends the fallback text.
	Responder Responder
	// Alerter is told about handoff requests. Nil disables alerts.
	Alerter Alerter
}

type Options struct {
	HandoffKeywords []string
	HistoryLimit    int
	Texts           Texts
}

type Service struct {
	store      Store
	hub        hub.Broadcaster
	messengers map[string]Messenger
	responder  Responder
	alerter    Alerter
	opts       Options
	locks      *keyedMutex
	log        *slog.Logger
}

func NewService(deps Deps, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.Texts == (Texts{}) {
		opts.Texts = DefaultTexts()
	}
	keywords := make([]string, 0, len(opts.HandoffKeywords))
	for _, k := range opts.HandoffKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	opts.HandoffKeywords = keywords

	messengers := make(map[string]Messenger, len(deps.Messengers))
	for p, m := range deps.Messengers {
		if m != nil {
			messengers[p] = m
		}
	}
	return &Service{
		store:      deps.Store,
		hub:        deps.Hub,
		messengers: messengers,
		responder:  deps.Responder,
		alerter:    deps.Alerter,
		opts:       opts,
		locks:      newKeyedMutex(),
		log:        slog.Default().With(slog.String("component", "relay")),
	}
}

// Providers lists the providers with a configured messenger.
func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.messengers))
	for p := range s.messengers {
		out = append(out, p)
	}
	return out
}

// HandleInbound runs the conversation flow for one user message: record it, tell the
// console, then answer according to the user's live chat state and mode.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return ErrEmptyMessage
	}
	m, ok := s.messengers[in.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, in.Provider)
	}
	out := outbound{provider: in.Provider, m: m}

	unlock := s.locks.Lock(in.UserID)
	defer unlock()

	user, err := s.resolveUser(ctx, m, in)
	if err != nil {
		return err
	}
	saved, err := s.store.SaveMessage(ctx, user.ID, db.SenderUser, text)
	if err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}

	ev := hub.NewEvent(hub.KindNewMessage, user.ID, text)
	ev.DisplayName = user.DisplayName
	s.broadcast(ctx, ev)

	switch {
	case user.InLiveChat && user.Mode == db.ModeAuto:
		return s.autoReply(ctx, out, user, in.ReplyToken, saved)
	case user.InLiveChat:
		// an admin answers from the console
		return nil
	case s.wantsHuman(text):
		return s.handoff(ctx, out, user, in.ReplyToken, text)
	default:
		return s.botReply(ctx, out, user.ID, in.ReplyToken, s.opts.Texts.Greeting)
	}
}

// HandleFollow records a user who added the bot and greets them.
func (s *Service) HandleFollow(ctx context.Context, in Inbound) error {
	m, ok := s.messengers[in.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, in.Provider)
	}
	unlock := s.locks.Lock(in.UserID)
	defer unlock()

	user, err := s.resolveUser(ctx, m, in)
	if err != nil {
		return err
	}
	return s.botReply(ctx, outbound{provider: in.Provider, m: m}, user.ID, in.ReplyToken, s.opts.Texts.Greeting)
}

// resolveUser loads or creates the user, looking up the provider profile while only the
// fallback name is known.
func (s *Service) resolveUser(ctx context.Context, m Messenger, in Inbound) (db.User, error) {
	name, picture := in.DisplayName, in.PictureURL
	if name == "" {
		if pf, ok := m.(ProfileFetcher); ok {
			existing, err := s.store.GetUser(ctx, in.UserID)
			if errors.Is(err, db.ErrNotFound) || (err == nil && existing.DisplayName == db.FallbackName(in.UserID)) {
				p, perr := pf.Profile(ctx, in.UserID)
				if perr != nil {
					s.log.Warn("profile lookup failed", slog.String("user", in.UserID), slog.Any("err", perr))
				} else {
					name, picture = p.DisplayName, p.PictureURL
				}
			}
		}
	}
	u, err := s.store.GetOrCreateUser(ctx, in.Provider, in.UserID, name, picture)
	if err != nil {
		return db.User{}, fmt.Errorf("resolve user: %w", err)
	}
	return u, nil
}

func (s *Service) wantsHuman(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range s.opts.HandoffKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (s *Service) handoff(ctx context.Context, out outbound, user db.User, replyToken, text string) error {
	if err := s.store.SetLiveChat(ctx, user.ID, true); err != nil {
		return fmt.Errorf("enter live chat: %w", err)
	}
	if err := s.botReply(ctx, out, user.ID, replyToken, s.opts.Texts.Handoff); err != nil {
		return err
	}
	if s.alerter != nil {
		alert := HandoffAlert{UserID: user.ID, DisplayName: user.DisplayName, Message: text}
		if err := s.alerter.Alert(ctx, alert); err != nil {
			s.log.Warn("handoff alert failed", slog.String("user", user.ID), slog.Any("err", err))
		} else if telemetry.AlertsSent != nil {
			telemetry.AlertsSent.Inc()
		}
	}
	ev := hub.NewEvent(hub.KindNewUserRequest, user.ID, text)
	ev.DisplayName = user.DisplayName
	s.broadcast(ctx, ev)
	return nil
}

func (s *Service) autoReply(ctx context.Context, out outbound, user db.User, replyToken string, current db.Message) error {
	answer := s.opts.Texts.AutoReplyFallback
	if s.responder != nil {
		history, err := s.history(ctx, user.ID, current.ID)
		if err != nil {
			return err
		}
		var rerr error
		var reply string
		telemetry.TimeFunc(telemetry.AIReplyDuration, func() {
			reply, rerr = s.responder.Reply(ctx, history, current.Text)
		})
		switch {
		case rerr != nil:
			s.log.Warn("automatic reply failed, using fallback", slog.String("user", user.ID), slog.Any("err", rerr))
			if telemetry.AIReplyFailures != nil {
				telemetry.AIReplyFailures.Inc()
			}
		case strings.TrimSpace(reply) != "":
			answer = strings.TrimSpace(reply)
		}
	}
	if err := s.botReply(ctx, out, user.ID, replyToken, answer); err != nil {
		return err
	}
	s.broadcast(ctx, hub.NewEvent(hub.KindBotAutoReply, user.ID, answer))
	return nil
}

// history returns the turns before the current message, oldest first.
func (s *Service) history(ctx context.Context, userID, currentID string) ([]Turn, error) {
	msgs, err := s.store.RecentMessages(ctx, userID, s.opts.HistoryLimit+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(msgs); n > 0 && msgs[n-1].ID == currentID {
		msgs = msgs[:n-1]
	}
	if len(msgs) > s.opts.HistoryLimit {
		msgs = msgs[len(msgs)-s.opts.HistoryLimit:]
	}
	turns := make([]Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, Turn{FromUser: msg.Sender == db.SenderUser, Text: msg.Text})
	}
	return turns, nil
}

// outbound is the messenger a user is reached through.
type outbound struct {
	provider string
	m        Messenger
}

// botReply records a bot message and answers the user. Delivery failures are logged only.
func (s *Service) botReply(ctx context.Context, out outbound, userID, replyToken, text string) error {
	if _, err := s.store.SaveMessage(ctx, userID, db.SenderBot, text); err != nil {
		return fmt.Errorf("save bot message: %w", err)
	}
	if err := out.m.Reply(ctx, replyToken, userID, text); err != nil {
		s.outboundFailed(out, userID, err)
	}
	return nil
}

func (s *Service) outboundFailed(out outbound, userID string, err error) {
	telemetry.RecordOutboundFailure(out.provider)
	s.log.Warn("send to user failed", slog.String("user", userID), slog.String("provider", out.provider), slog.Any("err", err))
}

func (s *Service) broadcast(ctx context.Context, ev hub.Event) {
	if s.hub == nil {
		return
	}
	if _, err := s.hub.Broadcast(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("broadcast failed", slog.String("type", string(ev.Kind)), slog.Any("err", err))
	}
}
