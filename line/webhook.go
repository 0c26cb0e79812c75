package line

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/onnwee/chat-relay/relay"
)

// Events is the relay-relevant content of one webhook delivery.
type Events struct {
	Messages []relay.Inbound
	Follows  []relay.Inbound
	Ignored  int
}

// ParseRequest verifies the signature and extracts text messages and follow events.
// Other event and message types are counted as ignored.
func (c *Client) ParseRequest(r *http.Request) (Events, error) {
	cb, err := webhook.ParseRequest(c.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return Events{}, ErrInvalidSignature
		}
		return Events{}, fmt.Errorf("parse line webhook: %w", err)
	}

	var out Events
	for _, event := range cb.Events {
		switch e := event.(type) {
		case webhook.MessageEvent:
			text, ok := e.Message.(webhook.TextMessageContent)
			userID := sourceUserID(e.Source)
			if !ok || userID == "" {
				out.Ignored++
				continue
			}
			out.Messages = append(out.Messages, relay.Inbound{
				Provider:   relay.ProviderLine,
				UserID:     userID,
				Text:       text.Text,
				ReplyToken: e.ReplyToken,
			})
		case webhook.FollowEvent:
			userID := sourceUserID(e.Source)
			if userID == "" {
				out.Ignored++
				continue
			}
			out.Follows = append(out.Follows, relay.Inbound{
				Provider:   relay.ProviderLine,
				UserID:     userID,
				ReplyToken: e.ReplyToken,
			})
		default:
			out.Ignored++
		}
	}
	return out, nil
}

// sourceUserID returns the sender of a 1:1 chat. Group and room sources are not relayed.
func sourceUserID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		return s.UserId
	default:
		return ""
	}
}
