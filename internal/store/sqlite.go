package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrChatNotFound is returned when a chat does not exist or belongs to another user.
var ErrChatNotFound = errors.New("chat not found")

type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dataSourceName); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers on the file anyway.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: log.WithPrefix("store")}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// The users table is kept for schema compatibility; credentials live in the CSV file.
func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE,
        password_hash TEXT
    );

    CREATE TABLE IF NOT EXISTS chats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT,
        title TEXT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_id INTEGER,
        role TEXT,
        content TEXT,
        timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chat_files (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_id INTEGER,
        filename TEXT,
        filepath TEXT,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_chats_username ON chats(username);
    CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
    CREATE INDEX IF NOT EXISTS idx_chat_files_chat_id ON chat_files(chat_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Chat methods
func (s *SQLiteStore) CreateChat(ctx context.Context, username, title string) (*Chat, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, "INSERT INTO chats (username, title, created_at) VALUES (?, ?, ?)", username, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat id: %w", err)
	}
	s.logger.Info("chat created", "chat_id", id, "username", username)
	return &Chat{ID: id, Username: username, Title: title, CreatedAt: now}, nil
}

// GetChat returns the chat if it exists and is owned by username.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID int64, username string) (*Chat, error) {
	var chat Chat
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT id, username, title, created_at FROM chats WHERE id = ? AND username = ?", chatID, username).
		Scan(&chat.ID, &chat.Username, &title, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	chat.Title = title.String
	return &chat, nil
}

// ListChats returns the user's chats, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context, username string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, username, title, created_at FROM chats WHERE username = ? ORDER BY created_at DESC, id DESC", username)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		var title sql.NullString
		if err := rows.Scan(&chat.ID, &chat.Username, &title, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chat.Title = title.String
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) RenameChat(ctx context.Context, chatID int64, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ?", title, chatID)
	if err != nil {
		return fmt.Errorf("failed to rename chat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrChatNotFound
	}
	s.logger.Info("chat renamed", "chat_id", chatID, "title", title)
	return nil
}

// DeleteChat removes the chat's messages, then its file records, then the chat row.
// Uploaded files on disk are left in place.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmts := []string{
		"DELETE FROM messages WHERE chat_id = ?",
		"DELETE FROM chat_files WHERE chat_id = ?",
		"DELETE FROM chats WHERE id = ?",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to delete chat %d: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat delete: %w", err)
	}
	s.logger.Info("chat deleted", "chat_id", chatID)
	return nil
}

// Message methods
func (s *SQLiteStore) SaveMessage(ctx context.Context, chatID int64, role, content string) (*Message, error) {
	msg := &Message{ChatID: chatID, Role: role, Content: content, Timestamp: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx, "INSERT INTO messages (chat_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		msg.ChatID, msg.Role, msg.Content, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return msg, nil
}

// GetMessages returns the chat's messages, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, chat_id, role, content, timestamp FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, id ASC", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// File record methods
func (s *SQLiteStore) AddFileRecord(ctx context.Context, chatID int64, filename, path string) (*FileRecord, error) {
	rec := &FileRecord{ChatID: chatID, Filename: filename, Filepath: path, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx, "INSERT INTO chat_files (chat_id, filename, filepath, created_at) VALUES (?, ?, ?, ?)",
		rec.ChatID, rec.Filename, rec.Filepath, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert file record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

func (s *SQLiteStore) GetFilesForChat(ctx context.Context, chatID int64) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, chat_id, filename, filepath, created_at FROM chat_files WHERE chat_id = ? ORDER BY id ASC", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	files := []FileRecord{}
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Filename, &rec.Filepath, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file record row: %w", err)
		}
		files = append(files, rec)
	}
	return files, rows.Err()
}
