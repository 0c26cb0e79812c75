// Package ai produces automatic replies for users whose live chat is in auto mode.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/onnwee/chat-relay/relay"
)

// ErrEmptyResponse is returned when the model produced no text (for example a blocked answer).
var ErrEmptyResponse = errors.New("ai: empty response")

type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int32
	// ClientOptions are appended after the API key (tests point this at a fake endpoint).
	ClientOptions []option.ClientOption
}

// Gemini answers with Google's Gemini models, using the recent conversation as chat history.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.ClientOptions...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	if cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(cfg.MaxTokens)
	}
	if cfg.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.SystemPrompt)}}
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Reply(ctx context.Context, history []relay.Turn, message string) (string, error) {
	cs := g.model.StartChat()
	var pending []genai.Part
	cs.History, pending = toContents(history)
	resp, err := cs.SendMessage(ctx, append(pending, genai.Text(message))...)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return responseText(resp)
}

func (g *Gemini) Close() error { return g.client.Close() }

// toContents maps turns to chat history. The API expects alternating roles starting with
// the user, so leading model turns are dropped and consecutive turns of one role merged.
// Trailing user turns are returned separately to be sent with the new message.
func toContents(history []relay.Turn) ([]*genai.Content, []genai.Part) {
	var out []*genai.Content
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := "model"
		if t.FromUser {
			role = "user"
		}
		if len(out) == 0 && role == "model" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, genai.Text(text))
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(text)}})
	}
	if n := len(out); n > 0 && out[n-1].Role == "user" {
		return out[:n-1], out[n-1].Parts
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

var _ relay.Responder = (*Gemini)(nil)
