package db

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a user row does not exist.
var ErrNotFound = errors.New("db: not found")

// SenderType records who authored a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderBot   SenderType = "bot"
	SenderAdmin SenderType = "admin"
)

// Mode controls who answers a user while they are in live chat.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeManual || m == ModeAuto }

type User struct {
	ID          string
	Provider    string
	DisplayName string
	PictureURL  string
	InLiveChat  bool
	Mode        Mode
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	ID        string
	UserID    string
	Sender    SenderType
	Text      string
	CreatedAt time.Time
}

// Conversation is a user with their most recent message, as listed in the admin console.
type Conversation struct {
	User
	LatestMessage string
	LastActivity  time.Time
}

// FallbackName is the display name used until a real profile name is known.
func FallbackName(userID string) string {
	if len(userID) > 6 {
		userID = userID[len(userID)-6:]
	}
	return "Customer " + userID
}
