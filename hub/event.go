package hub

import "time"

// Kind discriminates the events pushed to admin subscribers.
type Kind string

const (
	KindConnected      Kind = "connected"
	KindNewMessage     Kind = "new_message"
	KindAdminReply     Kind = "admin_reply"
	KindBotAutoReply   Kind = "bot_auto_reply"
	KindModeChanged    Kind = "mode_changed"
	KindChatEnded      Kind = "chat_ended"
	KindChatRestarted  Kind = "chat_restarted"
	KindNewUserRequest Kind = "new_user_request"
)

// Event is one notification for the admin console. It is sent as a single JSON text frame.
type Event struct {
	Kind        Kind      `json:"type"`
	UserID      string    `json:"userId,omitempty"`
	Message     string    `json:"message,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, userID, message string) Event {
	return Event{Kind: kind, UserID: userID, Message: message, Timestamp: time.Now().UTC()}
}
