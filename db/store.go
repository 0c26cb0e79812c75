package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/crypto"
)

// Store persists users and their message history.
type Store struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewStore wraps db. Message text is encrypted when ENCRYPTION_KEY is configured.
func NewStore(db *sql.DB) (*Store, error) {
	s, err := getSealer()
	if err != nil {
		return nil, err
	}
	return &Store{db: db, sealer: s}, nil
}

// NewStoreWithSealer wraps db with an explicit sealer (nil stores plaintext).
func NewStoreWithSealer(db *sql.DB, s crypto.Sealer) *Store {
	return &Store{db: db, sealer: s}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

const userColumns = `user_id, provider, display_name, picture_url, is_in_live_chat, chat_mode, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, u *User, extra ...any) error {
	var mode string
	dest := append([]any{&u.ID, &u.Provider, &u.DisplayName, &u.PictureURL, &u.InLiveChat, &mode, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	u.Mode = Mode(mode)
	return nil
}

// GetOrCreateUser returns the user, creating it on first contact. A non-empty displayName
// replaces the stored one; an empty one leaves it (or sets the fallback for new users).
// The picture is only set when none is stored yet.
func (s *Store) GetOrCreateUser(ctx context.Context, provider, userID, displayName, pictureURL string) (User, error) {
	name := displayName
	if name == "" {
		name = FallbackName(userID)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_status (user_id, provider, display_name, picture_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = CASE WHEN $5::boolean THEN EXCLUDED.display_name ELSE user_status.display_name END,
			picture_url = CASE WHEN user_status.picture_url = '' THEN EXCLUDED.picture_url ELSE user_status.picture_url END,
			updated_at = CASE WHEN $5::boolean OR (user_status.picture_url = '' AND EXCLUDED.picture_url <> '') THEN NOW() ELSE user_status.updated_at END
		RETURNING `+userColumns,
		userID, provider, name, pictureURL, displayName != "")
	var u User
	if err := scanUser(row, &u); err != nil {
		return User{}, fmt.Errorf("get or create user %s: %w", userID, err)
	}
	return u, nil
}

// GetUser loads one user or returns ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_status WHERE user_id = $1`, userID)
	var u User
	if err := scanUser(row, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// SetLiveChat moves the user in or out of live chat.
func (s *Store) SetLiveChat(ctx context.Context, userID string, live bool) error {
	return s.updateUser(ctx, `UPDATE user_status SET is_in_live_chat = $2, updated_at = NOW() WHERE user_id = $1`, userID, live)
}

// SetChatMode stores the user's live chat mode.
func (s *Store) SetChatMode(ctx context.Context, userID string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid chat mode %q", mode)
	}
	return s.updateUser(ctx, `UPDATE user_status SET chat_mode = $2, updated_at = NOW() WHERE user_id = $1`, userID, string(mode))
}

func (s *Store) updateUser(ctx context.Context, query, userID string, arg any) error {
	res, err := s.db.ExecContext(ctx, query, userID, arg)
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage appends one message to the user's history.
func (s *Store) SaveMessage(ctx context.Context, userID string, sender SenderType, text string) (Message, error) {
	stored, version, err := s.seal(userID, text)
	if err != nil {
		return Message{}, err
	}
	m := Message{ID: uuid.NewString(), UserID: userID, Sender: sender, Text: text}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, user_id, sender_type, message, encryption_version)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		m.ID, userID, string(sender), stored, version).Scan(&m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("save message for %s: %w", userID, err)
	}
	return m, nil
}

// ListMessages returns up to limit messages for the user, oldest first.
func (s *Store) ListMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, user_id, sender_type, message, encryption_version, created_at
		FROM chat_messages WHERE user_id = $1
		ORDER BY created_at ASC LIMIT $2`, userID, limit)
}

// RecentMessages returns the last n messages for the user, oldest first.
func (s *Store) RecentMessages(ctx context.Context, userID string, n int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, user_id, sender_type, message, encryption_version, created_at FROM (
			SELECT id, user_id, sender_type, message, encryption_version, created_at
			FROM chat_messages WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, userID, n)
}

func (s *Store) queryMessages(ctx context.Context, query, userID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", userID, err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			sender  string
			stored  string
			version int
		)
		if err := rows.Scan(&m.ID, &m.UserID, &sender, &stored, &version, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = SenderType(sender)
		if m.Text, err = s.open(userID, stored, version); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListConversations returns users that have at least one message, most recently active first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, u.provider, u.display_name, u.picture_url, u.is_in_live_chat, u.chat_mode,
			u.created_at, u.updated_at, m.message, m.encryption_version, m.created_at
		FROM user_status u
		JOIN LATERAL (
			SELECT message, encryption_version, created_at FROM chat_messages
			WHERE user_id = u.user_id ORDER BY created_at DESC LIMIT 1
		) m ON TRUE
		ORDER BY m.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var (
			c       Conversation
			stored  string
			version int
		)
		if err := scanUser(rows, &c.User, &stored, &version, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if c.LatestMessage, err = s.open(c.ID, stored, version); err != nil {
			return nil, fmt.Errorf("conversation %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// seal encrypts text bound to the user id. encryption_version=1 is AES-GCM, 0 is plaintext.
func (s *Store) seal(userID, text string) (string, int, error) {
	if s.sealer == nil {
		return text, 0, nil
	}
	sealed, err := crypto.SealString(s.sealer, text, userID)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt message: %w", err)
	}
	return sealed, 1, nil
}

func (s *Store) open(userID, stored string, version int) (string, error) {
	switch version {
	case 0:
		return stored, nil
	case 1:
		if s.sealer == nil {
			return "", errors.New("message is encrypted but ENCRYPTION_KEY is not set")
		}
		return crypto.OpenString(s.sealer, stored, userID)
	default:
		return "", fmt.Errorf("unknown encryption version %d", version)
	}
}
