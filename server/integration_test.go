package server

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/testutil"
)

// TestPostgresConversationFlow drives a Telegram user through greeting, handoff and an
// admin reply against the real store.
func TestPostgresConversationFlow(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStoreWithSealer(database, nil)

	env := newTestEnv(t, nil)
	svc := relay.NewService(relay.Deps{
		Store:      store,
		Hub:        env.registry,
		Messengers: map[string]relay.Messenger{relay.ProviderTelegram: env.deps.Telegram},
		Alerter:    env.deps.Telegram,
	}, relay.Options{HandoffKeywords: []string{"talk to admin"}})
	deps := env.deps
	deps.DB = database
	deps.Relay = svc
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.handler = NewMux(ctx, deps)

	userID := strconv.FormatInt(int64(uuid.New().ID()), 10)
	update := func(text string) string {
		return `{"update_id": 1, "message": {"message_id": 1, "from": {"id": ` + userID + `, "is_bot": false, "first_name": "Grace"},` +
			` "chat": {"id": ` + userID + `, "type": "private"}, "date": 1700000000, "text": "` + text + `"}}`
	}
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": testTelegramSecret}

	if rr := env.do(t, http.MethodPost, "/webhook/telegram", update("hi"), secret); rr.Code != http.StatusOK {
		t.Fatalf("first update: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/webhook/telegram", update("talk to admin please"), secret); rr.Code != http.StatusOK {
		t.Fatalf("handoff update: %d", rr.Code)
	}
	u, err := store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if !u.InLiveChat || u.DisplayName != "Grace" {
		t.Fatalf("user = %+v", u)
	}

	if rr := env.do(t, http.MethodPost, "/admin/reply", map[string]string{"user_id": userID, "message": "Hi Grace"}, nil); rr.Code != http.StatusOK {
		t.Fatalf("admin reply: %d %s", rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/admin/messages/"+userID, nil, nil)
	var history struct {
		Messages []messageJSON `json:"messages"`
	}
	decodeBody(t, rr, &history)
	want := []db.SenderType{db.SenderUser, db.SenderBot, db.SenderUser, db.SenderBot, db.SenderAdmin}
	if len(history.Messages) != len(want) {
		t.Fatalf("history = %+v", history.Messages)
	}
	for i, m := range history.Messages {
		if m.Sender != want[i] {
			t.Errorf("message %d sender = %q, want %q", i, m.Sender, want[i])
		}
	}

	if rr := env.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz against postgres: %d", rr.Code)
	}
}
