package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]db.User
	messages []db.Message
	seq      int
}

func newFakeStore() *fakeStore { return &fakeStore{users: map[string]db.User{}} }

func (f *fakeStore) GetOrCreateUser(_ context.Context, provider, userID, displayName, pictureURL string) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		u = db.User{ID: userID, Provider: provider, DisplayName: db.FallbackName(userID), Mode: db.ModeManual, CreatedAt: time.Now()}
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if u.PictureURL == "" {
		u.PictureURL = pictureURL
	}
	f.users[userID] = u
	return u, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SetLiveChat(_ context.Context, userID string, live bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.InLiveChat = live
	f.users[userID] = u
	return nil
}

func (f *fakeStore) SetChatMode(_ context.Context, userID string, mode db.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.Mode = mode
	f.users[userID] = u
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, userID string, sender db.SenderType, text string) (db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := db.Message{ID: fmt.Sprintf("m%d", f.seq), UserID: userID, Sender: sender, Text: text, CreatedAt: time.Now()}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) userMessages(userID string) []db.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Message
	for _, m := range f.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeStore) ListMessages(_ context.Context, userID string, limit int) ([]db.Message, error) {
	msgs := f.userMessages(userID)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, userID string, n int) ([]db.Message, error) {
	msgs := f.userMessages(userID)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (f *fakeStore) ListConversations(context.Context, int) ([]db.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Conversation
	for _, u := range f.users {
		out = append(out, db.Conversation{User: u})
	}
	return out, nil
}

type sent struct {
	kind   string // reply or push
	userID string
	text   string
	token  string
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sent
	typing  []string
	fail    error
	profile *Profile
}

func (f *fakeMessenger) Reply(_ context.Context, replyToken, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{kind: "reply", userID: userID, text: text, token: replyToken})
	return nil
}

func (f *fakeMessenger) Push(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sent{kind: "push", userID: userID, text: text})
	return nil
}

func (f *fakeMessenger) outbox() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

// profileMessenger also implements ProfileFetcher and TypingIndicator.
type profileMessenger struct {
	fakeMessenger
	lookups int
}

func (p *profileMessenger) Profile(context.Context, string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.profile == nil {
		return Profile{}, errors.New("profile unavailable")
	}
	return *p.profile, nil
}

func (p *profileMessenger) ShowTyping(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = append(p.typing, userID)
	return nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recordingHub) Broadcast(_ context.Context, event any) (hub.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.(hub.Event))
	return hub.Delivery{}, nil
}

func (r *recordingHub) kinds() []hub.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recordingHub) last() hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeResponder struct {
	reply   string
	err     error
	history []Turn
	message string
}

func (f *fakeResponder) Reply(_ context.Context, history []Turn, message string) (string, error) {
	f.history = history
	f.message = message
	return f.reply, f.err
}

type fakeAlerter struct {
	alerts []HandoffAlert
	err    error
}

func (f *fakeAlerter) Alert(_ context.Context, a HandoffAlert) error {
	f.alerts = append(f.alerts, a)
	return f.err
}
