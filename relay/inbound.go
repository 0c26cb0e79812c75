package relay

import "errors"

var (
	ErrEmptyMessage    = errors.New("relay: message is empty")
	ErrInvalidMode     = errors.New("relay: mode must be manual or auto")
	ErrUnknownProvider = errors.New("relay: no messenger for provider")
)

// Providers.
const (
	ProviderLine     = "line"
	ProviderTelegram = "telegram"
)

// Inbound is one text message received from a provider webhook.
type Inbound struct {
	Provider    string
	UserID      string
	Text        string
	ReplyToken  string
	DisplayName string
	PictureURL  string
}

// Texts are the canned messages sent to users.
type Texts struct {
	Greeting          string
	Handoff           string
	ChatEnded         string
	ChatRestarted     string
	AutoReplyFallback string
	ModeManual        string
	ModeAuto          string
}

func DefaultTexts() Texts {
	return Texts{
		Greeting:          "Hello! Thanks for contacting us. If you would like to talk to a staff member, type \"talk to admin\".",
		Handoff:           "Got it, connecting you to a staff member. Please wait a moment...",
		ChatEnded:         "Our staff has ended the conversation. Feel free to message the bot anytime.",
		ChatRestarted:     "A staff member is available again. Go ahead and ask your question.",
		AutoReplyFallback: "Sorry, I can't answer right now. A staff member will get back to you shortly.",
		ModeManual:        "Reply mode changed to: admin replies manually",
		ModeAuto:          "Reply mode changed to: bot replies automatically",
	}
}
