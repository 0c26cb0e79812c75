package relay

import (
	"context"

	"github.com/onnwee/chat-relay/db"
)

// Store is the persistence the relay needs. *db.Store implements it.
type Store interface {
	GetOrCreateUser(ctx context.Context, provider, userID, displayName, pictureURL string) (db.User, error)
	GetUser(ctx context.Context, userID string) (db.User, error)
	SetLiveChat(ctx context.Context, userID string, live bool) error
	SetChatMode(ctx context.Context, userID string, mode db.Mode) error
	SaveMessage(ctx context.Context, userID string, sender db.SenderType, text string) (db.Message, error)
	ListMessages(ctx context.Context, userID string, limit int) ([]db.Message, error)
	RecentMessages(ctx context.Context, userID string, n int) ([]db.Message, error)
	ListConversations(ctx context.Context, limit int) ([]db.Conversation, error)
}

// Messenger sends text to an end user on one provider.
type Messenger interface {
	// Reply answers an inbound message. Providers without reply tokens may ignore the token.
	Reply(ctx context.Context, replyToken, userID, text string) error
	Push(ctx context.Context, userID, text string) error
}

// Profile is what a provider knows about a user.
type Profile struct {
	DisplayName string
	PictureURL  string
}

// ProfileFetcher is implemented by messengers that can look up user profiles.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// TypingIndicator is implemented by messengers that can show a typing animation.
type TypingIndicator interface {
	ShowTyping(ctx context.Context, userID string) error
}

// Turn is one prior message given to the responder as context.
type Turn struct {
	FromUser bool
	Text     string
}

// Responder produces automatic replies for users in auto mode.
type Responder interface {
	Reply(ctx context.Context, history []Turn, message string) (string, error)
}

// HandoffAlert describes a user who asked for a human. Fields are raw user input; the
// Alerter applies whatever escaping its markup needs.
type HandoffAlert struct {
	UserID      string
	DisplayName string
	Message     string
}

// Alerter notifies operators that a user asked for a human.
type Alerter interface {
	Alert(ctx context.Context, a HandoffAlert) error
}
