package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/council"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// DefaultTitle is the title of a conversation until one is generated.
const DefaultTitle = "New Conversation"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Store struct {
	DB *sql.DB
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Conversation is a conversation with its full message history.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// Message is either a user turn or the three stage outcome of a council run.
type Message struct {
	Role        string                  `json:"role"`
	Content     string                  `json:"content,omitempty"`
	Attachments []attachment.Attachment `json:"attachments,omitempty"`
	Stage1      []council.Stage1Result  `json:"stage1,omitempty"`
	Stage2      []council.Stage2Ranking `json:"stage2,omitempty"`
	Stage3      *council.Stage3Result   `json:"stage3,omitempty"`
	Metadata    *council.Metadata       `json:"metadata,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// New opens the database described by cfg.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return NewWithDSN(ctx, cfg.DSN())
}

func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// Conversation operations

func (s *Store) CreateConversation(ctx context.Context) (Conversation, error) {
	c := Conversation{ID: uuid.NewString(), Title: DefaultTitle, Messages: []Message{}}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO conversations (id, title) VALUES ($1,$2) RETURNING created_at`,
		c.ID, c.Title).Scan(&c.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every conversation, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.created_at, c.title, COUNT(m.id)
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
GROUP BY c.id, c.created_at, c.title
ORDER BY c.created_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ConversationSummary{}
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.Title, &c.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if !validID(id) {
		return Conversation{}, ErrNotFound
	}
	var c Conversation
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, created_at, title FROM conversations WHERE id=$1`, id).
		Scan(&c.ID, &c.CreatedAt, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	msgs, err := s.listMessages(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	c.Messages = msgs
	return c, nil
}

func (s *Store) listMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT role, content, attachments, stage1, stage2, stage3, metadata, created_at
FROM messages
WHERE conversation_id=$1
ORDER BY id
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		var m Message
		var attachB, stage1B, stage2B, stage3B, metaB []byte
		if err := rows.Scan(&m.Role, &m.Content, &attachB, &stage1B, &stage2B, &stage3B, &metaB, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(attachB, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		if err := decodeJSON(stage1B, &m.Stage1); err != nil {
			return nil, fmt.Errorf("decode stage1: %w", err)
		}
		if err := decodeJSON(stage2B, &m.Stage2); err != nil {
			return nil, fmt.Errorf("decode stage2: %w", err)
		}
		if len(stage3B) > 0 {
			m.Stage3 = &council.Stage3Result{}
			if err := json.Unmarshal(stage3B, m.Stage3); err != nil {
				return nil, fmt.Errorf("decode stage3: %w", err)
			}
		}
		if len(metaB) > 0 {
			m.Metadata = &council.Metadata{}
			if err := json.Unmarshal(metaB, m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitle replaces the conversation title.
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	if !validID(conversationID) {
		return ErrNotFound
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE conversations SET title=$2, updated_at=NOW() WHERE id=$1`, conversationID, title)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Message operations

// AppendUserMessage stores a user turn with the metadata of its attachments.
func (s *Store) AppendUserMessage(ctx context.Context, conversationID, content string, files []attachment.Attachment) error {
	if files == nil {
		files = []attachment.Attachment{}
	}
	attachB, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	return s.insertMessage(ctx, `
INSERT INTO messages (conversation_id, role, content, attachments)
VALUES ($1,$2,$3,$4)
`, conversationID, RoleUser, content, attachB)
}

// AppendAssistantMessage stores the outcome of a completed council run.
func (s *Store) AppendAssistantMessage(ctx context.Context, conversationID string, msg council.AssistantMessage) error {
	stage1B, err := json.Marshal(nonNilSlice(msg.Stage1))
	if err != nil {
		return fmt.Errorf("encode stage1: %w", err)
	}
	stage2B, err := json.Marshal(nonNilSlice(msg.Stage2))
	if err != nil {
		return fmt.Errorf("encode stage2: %w", err)
	}
	stage3B, err := json.Marshal(msg.Stage3)
	if err != nil {
		return fmt.Errorf("encode stage3: %w", err)
	}
	metaB, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return s.insertMessage(ctx, `
INSERT INTO messages (conversation_id, role, stage1, stage2, stage3, metadata)
VALUES ($1,$2,$3,$4,$5,$6)
`, conversationID, RoleAssistant, stage1B, stage2B, stage3B, metaB)
}

// insertMessage stores the message and touches the conversation in one
// transaction; on any failure neither change is kept.
func (s *Store) insertMessage(ctx context.Context, query string, conversationID string, args ...any) error {
	if !validID(conversationID) {
		return ErrNotFound
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	all := append([]any{conversationID}, args...)
	if _, err := tx.ExecContext(ctx, query, all...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// Retention

// DeleteConversationsBefore removes conversations created before cutoff,
// messages included, and returns how many were removed.
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func validID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}

func decodeJSON[T any](b []byte, dst *[]T) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
