package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrPendingPair is returned when a message is added while the latest
	// pair of the chat still waits for its AI response.
	ErrPendingPair = errors.New("chat has a pending message")
	// ErrPairNotPending is returned when an AI message is attached to a pair
	// that already has one.
	ErrPairNotPending = errors.New("message pair is not pending")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxOpenConns = 5

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and applies pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
    CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var applied bool
		err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", version, err)
		}
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// User methods

const userColumns = `u.id, u.email, u.password, u.created_at, s.openai_api_key, s.gemini_api_key
    FROM users u LEFT JOIN settings s ON s.user_id = u.id`

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var openAIKey, geminiKey sql.NullString
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &openAIKey, &geminiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if openAIKey.Valid && openAIKey.String != "" {
		user.OpenAIAPIKey = &openAIKey.String
	}
	if geminiKey.Valid && geminiKey.String != "" {
		user.GeminiAPIKey = &geminiKey.String
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" WHERE u.email = ?", email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" WHERE u.id = ?", id))
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (email, password) VALUES (?, ?)", email, passwordHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// SaveAPIKeys upserts the settings row of a user. An empty key clears it.
func (s *SQLiteStore) SaveAPIKeys(ctx context.Context, userID int64, openAIKey, geminiKey string) error {
	_, err := s.db.ExecContext(ctx, `
    INSERT INTO settings (user_id, openai_api_key, gemini_api_key) VALUES (?, ?, ?)
    ON CONFLICT (user_id) DO UPDATE SET
        openai_api_key = excluded.openai_api_key,
        gemini_api_key = excluded.gemini_api_key`,
		userID, nullIfEmpty(openAIKey), nullIfEmpty(geminiKey))
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}

// Chat methods

func (s *SQLiteStore) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, name, model, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.Model, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// GetChat returns the chat only when it belongs to userID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID, userID int64) (*Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, "SELECT id, user_id, name, model, created_at FROM chats WHERE id = ? AND user_id = ?", chatID, userID).
		Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.Model, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// CreateChat inserts the chat, its first block and the pending pair holding
// firstMessage in one transaction.
func (s *SQLiteStore) CreateChat(ctx context.Context, userID int64, name, model, firstMessage string) (chatID, pairID int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO chats (user_id, name, model) VALUES (?, ?, ?)", userID, name, model)
		if err != nil {
			return fmt.Errorf("failed to insert chat: %w", err)
		}
		if chatID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read chat id: %w", err)
		}
		pairID, err = insertMessageBlock(ctx, tx, chatID, firstMessage)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return chatID, pairID, nil
}

// DeleteChat removes the chat with its blocks, pairs and messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
        SELECT mp.human_message_id, mp.ai_message_id
        FROM message_pairs mp
        JOIN message_blocks mb ON mb.id = mp.message_block_id
        WHERE mb.chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("failed to query chat messages: %w", err)
		}
		var messageIDs []int64
		for rows.Next() {
			var human int64
			var ai sql.NullInt64
			if err := rows.Scan(&human, &ai); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan message ids: %w", err)
			}
			messageIDs = append(messageIDs, human)
			if ai.Valid {
				messageIDs = append(messageIDs, ai.Int64)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate message ids: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotFound
		}

		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to delete message %d: %w", id, err)
			}
		}
		return nil
	})
}

// Message methods

// RetrieveChat returns the selected pair of every block, ordered by rank.
func (s *SQLiteStore) RetrieveChat(ctx context.Context, chatID int64) ([]MessagePair, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, chat_id, message_block_id, model, human_message, ai_message, block_rank, block_size
        FROM v_chat_messages
        WHERE chat_id = ?
        ORDER BY block_rank ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message pairs: %w", err)
	}
	defer rows.Close()

	var pairs []MessagePair
	for rows.Next() {
		var pair MessagePair
		var ai sql.NullString
		if err := rows.Scan(&pair.ID, &pair.ChatID, &pair.MessageBlockID, &pair.Model, &pair.HumanMessage, &ai, &pair.BlockRank, &pair.BlockSize); err != nil {
			return nil, fmt.Errorf("failed to scan message pair row: %w", err)
		}
		if ai.Valid {
			pair.AIMessage = &ai.String
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// AddMessageBlock appends a block with a pending pair for humanMessage and
// returns the pair id. It fails with ErrPendingPair while the chat still has
// a pending pair.
func (s *SQLiteStore) AddMessageBlock(ctx context.Context, chatID int64, humanMessage string) (int64, error) {
	var pairID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pending bool
		err := tx.QueryRowContext(ctx, `
        SELECT EXISTS(
            SELECT 1 FROM message_pairs mp
            JOIN message_blocks mb ON mb.id = mp.message_block_id
            WHERE mb.chat_id = ? AND mp.ai_message_id IS NULL)`, chatID).Scan(&pending)
		if err != nil {
			return fmt.Errorf("failed to check pending pair: %w", err)
		}
		if pending {
			return ErrPendingPair
		}
		pairID, err = insertMessageBlock(ctx, tx, chatID, humanMessage)
		return err
	})
	return pairID, err
}

func insertMessageBlock(ctx context.Context, tx *sql.Tx, chatID int64, humanMessage string) (int64, error) {
	var rank int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(block_rank), 0) + 1 FROM message_blocks WHERE chat_id = ?", chatID).Scan(&rank); err != nil {
		return 0, fmt.Errorf("failed to compute block rank: %w", err)
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO message_blocks (chat_id, block_rank) VALUES (?, ?)", chatID, rank)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message block: %w", err)
	}
	blockID, _ := res.LastInsertId()

	res, err = tx.ExecContext(ctx, "INSERT INTO messages (message) VALUES (?)", humanMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to insert human message: %w", err)
	}
	messageID, _ := res.LastInsertId()

	res, err = tx.ExecContext(ctx, "INSERT INTO message_pairs (message_block_id, human_message_id) VALUES (?, ?)", blockID, messageID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message pair: %w", err)
	}
	pairID, _ := res.LastInsertId()

	if _, err = tx.ExecContext(ctx, "UPDATE message_blocks SET selected_pair_id = ? WHERE id = ?", pairID, blockID); err != nil {
		return 0, fmt.Errorf("failed to select message pair: %w", err)
	}
	return pairID, nil
}

// AttachAIMessage stores message and links it to the pending pair in one
// transaction. It returns the new message id.
func (s *SQLiteStore) AttachAIMessage(ctx context.Context, pairID int64, message string) (int64, error) {
	var messageID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO messages (message) VALUES (?)", message)
		if err != nil {
			return fmt.Errorf("failed to insert ai message: %w", err)
		}
		messageID, _ = res.LastInsertId()

		res, err = tx.ExecContext(ctx, "UPDATE message_pairs SET ai_message_id = ? WHERE id = ? AND ai_message_id IS NULL", messageID, pairID)
		if err != nil {
			return fmt.Errorf("failed to update message pair: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrPairNotPending
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}
