package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultChatTitle = "New Chat"
)

type Chat struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FileRecord points at an uploaded file. The file itself may no longer exist.
type FileRecord struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Filename  string    `json:"filename"`
	Filepath  string    `json:"filepath"`
	CreatedAt time.Time `json:"created_at"`
}
