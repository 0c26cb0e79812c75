// Package line connects the relay to the LINE Messaging API: webhook parsing with
// signature verification and reply/push/profile calls.
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/chat-relay/relay"
)

// TokenURL issues short-lived channel access tokens from the channel id and secret.
const TokenURL = "https://api.line.me/v2/oauth/accessToken"

// ErrInvalidSignature is returned when X-Line-Signature does not match the body.
var ErrInvalidSignature = errors.New("line: invalid signature")

type Config struct {
	ChannelSecret string
	// ChannelAccessToken is a long-lived token. When empty, tokens are issued with
	// ChannelID and ChannelSecret.
	ChannelAccessToken string
	ChannelID          string
	// Endpoint overrides the Messaging API base URL (tests).
	Endpoint string
	// TokenURL overrides the token endpoint (tests).
	TokenURL   string
	HTTPClient *http.Client
}

type Client struct {
	secret string
	token  string
	opts   []messaging_api.MessagingApiAPIOption
	log    *slog.Logger
}

// New builds a client. ctx scopes the token source's HTTP calls.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ChannelSecret == "" {
		return nil, errors.New("line: channel secret is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	token := cfg.ChannelAccessToken
	if token == "" {
		if cfg.ChannelID == "" {
			return nil, errors.New("line: channel access token or channel id is required")
		}
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = TokenURL
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ChannelID,
			ClientSecret: cfg.ChannelSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// the oauth2 transport sets the Authorization header on every call
		hc = &http.Client{
			Timeout:   hc.Timeout,
			Transport: &oauth2.Transport{Source: cc.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, hc)), Base: hc.Transport},
		}
	}

	opts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(hc)}
	if cfg.Endpoint != "" {
		opts = append(opts, messaging_api.WithEndpoint(cfg.Endpoint))
	}
	c := &Client{
		secret: cfg.ChannelSecret,
		token:  token,
		opts:   opts,
		log:    slog.Default().With(slog.String("component", "line")),
	}
	if _, err := c.api(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// api returns a Messaging API handle bound to ctx. The SDK stores the context on the
// handle, so each call gets its own.
func (c *Client) api(ctx context.Context) (*messaging_api.MessagingApiAPI, error) {
	api, err := messaging_api.NewMessagingApiAPI(c.token, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("line messaging api: %w", err)
	}
	return api.WithContext(ctx), nil
}

func textMessages(text string) []messaging_api.MessageInterface {
	return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}}
}

// Reply answers with the reply token, or pushes when there is none.
func (c *Client) Reply(ctx context.Context, replyToken, userID, text string) error {
	if replyToken == "" {
		return c.Push(ctx, userID, text)
	}
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   textMessages(text),
	})
	if err != nil {
		return fmt.Errorf("line reply: %w", err)
	}
	return nil
}

func (c *Client) Push(ctx context.Context, userID, text string) error {
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.PushMessage(&messaging_api.PushMessageRequest{
		To:       userID,
		Messages: textMessages(text),
	}, "")
	if err != nil {
		return fmt.Errorf("line push to %s: %w", userID, err)
	}
	return nil
}

func (c *Client) Profile(ctx context.Context, userID string) (relay.Profile, error) {
	api, err := c.api(ctx)
	if err != nil {
		return relay.Profile{}, err
	}
	p, err := api.GetProfile(userID)
	if err != nil {
		return relay.Profile{}, fmt.Errorf("line profile %s: %w", userID, err)
	}
	return relay.Profile{DisplayName: p.DisplayName, PictureURL: p.PictureUrl}, nil
}

// ShowTyping starts the loading animation in the user's chat.
func (c *Client) ShowTyping(ctx context.Context, userID string) error {
	api, err := c.api(ctx)
	if err != nil {
		return err
	}
	_, err = api.ShowLoadingAnimation(&messaging_api.ShowLoadingAnimationRequest{
		ChatId:         userID,
		LoadingSeconds: 5,
	})
	if err != nil {
		return fmt.Errorf("line loading animation: %w", err)
	}
	return nil
}

var (
	_ relay.Messenger       = (*Client)(nil)
	_ relay.ProfileFetcher  = (*Client)(nil)
	_ relay.TypingIndicator = (*Client)(nil)
)
