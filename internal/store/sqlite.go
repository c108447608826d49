package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mindfulme/mindfulme/internal/domain"
	"github.com/mindfulme/mindfulme/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_message_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		is_user_message INTEGER NOT NULL,
		intent TEXT NOT NULL DEFAULT '',
		matched_pattern TEXT NOT NULL DEFAULT '',
		confidence INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON chat_messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON chat_messages(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `SELECT id, user_id, created_at, last_message_at FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var createdAt, lastMessageAt int64
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&conv.ID, &conv.UserID, &createdAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.Unix(0, createdAt)
	conv.LastMessageAt = time.Unix(0, lastMessageAt)
	return &conv, nil
}

// CreateConversation inserts a conversation and its optional opening message.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation, first *domain.ChatMessage) error {
	return shared.RetryOnConflict(ctx, "create conversation", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conversations (id, user_id, created_at, last_message_at) VALUES (?, ?, ?, ?)`,
				conv.ID, conv.UserID, conv.CreatedAt.UnixNano(), conv.LastMessageAt.UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("insert conversation: %w", err)
			}
			if first != nil {
				return insertMessage(ctx, tx, first)
			}
			return nil
		})
	})
}

// SaveExchange stores both halves of an exchange in one transaction.
func (s *SQLiteStore) SaveExchange(ctx context.Context, conv *domain.Conversation, userMsg, botMsg *domain.ChatMessage) error {
	return shared.RetryOnConflict(ctx, "save exchange", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (id, user_id, created_at, last_message_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					last_message_at = excluded.last_message_at
				WHERE conversations.user_id = excluded.user_id`,
				conv.ID, conv.UserID, conv.CreatedAt.UnixNano(), conv.LastMessageAt.UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("upsert conversation: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			if rows == 0 {
				return fmt.Errorf("save exchange for %s: %w", conv.ID, ErrNotOwner)
			}

			if err := insertMessage(ctx, tx, userMsg); err != nil {
				return err
			}
			return insertMessage(ctx, tx, botMsg)
		})
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.ChatMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (
			id, conversation_id, user_id, message, is_user_message,
			intent, matched_pattern, confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Text, msg.IsUserMessage,
		msg.Intent, msg.MatchedPattern, msg.Confidence, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a user's messages in a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, conversationID string) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, user_id, message, is_user_message,
		       intent, matched_pattern, confidence, created_at
		FROM chat_messages
		WHERE conversation_id = ? AND user_id = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.ChatMessage{}
	for rows.Next() {
		var msg domain.ChatMessage
		var createdAt int64
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Text, &msg.IsUserMessage,
			&msg.Intent, &msg.MatchedPattern, &msg.Confidence, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// ListConversations returns a user's conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, c.created_at, c.last_message_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN chat_messages m ON m.conversation_id = c.id
		WHERE c.user_id = ?
		GROUP BY c.id
		ORDER BY c.last_message_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	summaries := []*domain.ConversationSummary{}
	for rows.Next() {
		var sum domain.ConversationSummary
		var createdAt, lastMessageAt int64
		if err := rows.Scan(&sum.ID, &createdAt, &lastMessageAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt)
		sum.LastMessageAt = time.Unix(0, lastMessageAt)
		summaries = append(summaries, &sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return summaries, nil
}

// DeleteConversation removes a user's conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, conversationID string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete conversation", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM chat_messages WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
			if err != nil {
				return fmt.Errorf("delete messages: %w", err)
			}
			if deleted, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("messages rows affected: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			return nil
		})
	})
	return deleted, err
}

// ListIdleConversations returns conversations whose last message is older than before.
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, before time.Time) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, last_message_at
		FROM conversations
		WHERE last_message_at < ?
		ORDER BY last_message_at ASC
	`, before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query idle conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle conversation rows", "error", closeErr)
		}
	}()

	var out []*domain.Conversation
	for rows.Next() {
		var (
			conv                 domain.Conversation
			createdAt, lastMsgAt int64
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &createdAt, &lastMsgAt); err != nil {
			return nil, fmt.Errorf("scan idle conversation: %w", err)
		}
		conv.CreatedAt = time.Unix(0, createdAt)
		conv.LastMessageAt = time.Unix(0, lastMsgAt)
		out = append(out, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !strings.Contains(rbErr.Error(), "already") {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
