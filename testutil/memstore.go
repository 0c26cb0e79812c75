package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/db"
)

// MemStore is an in-memory stand-in for *db.Store with the same not-found and
// naming behavior.
type MemStore struct {
	mu       sync.Mutex
	users    map[string]db.User
	messages []db.Message
	seq      int
}

func NewMemStore() *MemStore { return &MemStore{users: map[string]db.User{}} }

func (s *MemStore) GetOrCreateUser(_ context.Context, provider, userID, displayName, pictureURL string) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	u, ok := s.users[userID]
	if !ok {
		u = db.User{ID: userID, Provider: provider, DisplayName: db.FallbackName(userID), Mode: db.ModeManual, CreatedAt: now}
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if u.PictureURL == "" {
		u.PictureURL = pictureURL
	}
	u.UpdatedAt = now
	s.users[userID] = u
	return u, nil
}

func (s *MemStore) GetUser(_ context.Context, userID string) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return u, nil
}

func (s *MemStore) update(userID string, fn func(*db.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now()
	s.users[userID] = u
	return nil
}

func (s *MemStore) SetLiveChat(_ context.Context, userID string, live bool) error {
	return s.update(userID, func(u *db.User) { u.InLiveChat = live })
}

func (s *MemStore) SetChatMode(_ context.Context, userID string, mode db.Mode) error {
	return s.update(userID, func(u *db.User) { u.Mode = mode })
}

func (s *MemStore) SaveMessage(_ context.Context, userID string, sender db.SenderType, text string) (db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m := db.Message{ID: fmt.Sprintf("msg-%d", s.seq), UserID: userID, Sender: sender, Text: text, CreatedAt: time.Now()}
	s.messages = append(s.messages, m)
	return m, nil
}

// Messages returns every stored message for a user, oldest first.
func (s *MemStore) Messages(userID string) []db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Message
	for _, m := range s.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemStore) ListMessages(_ context.Context, userID string, limit int) ([]db.Message, error) {
	msgs := s.Messages(userID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemStore) RecentMessages(_ context.Context, userID string, n int) ([]db.Message, error) {
	msgs := s.Messages(userID)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (s *MemStore) ListConversations(_ context.Context, limit int) ([]db.Conversation, error) {
	s.mu.Lock()
	latest := map[string]db.Message{}
	for _, m := range s.messages {
		latest[m.UserID] = m
	}
	out := make([]db.Conversation, 0, len(latest))
	for id, m := range latest {
		out = append(out, db.Conversation{User: s.users[id], LatestMessage: m.Text, LastActivity: m.CreatedAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
