package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/severus-ai/severus/internal/extract"
	"github.com/severus-ai/severus/internal/llm"
	"github.com/severus-ai/severus/internal/store"
	"github.com/severus-ai/severus/internal/uploads"
)

// ErrNoDocument is returned by Summarize when no document was uploaded to the
// chat during the current session.
var ErrNoDocument = errors.New("no document uploaded for this chat")

const (
	summarizePrompt = "Summarize the uploaded document clearly and concisely."

	imageNoticeText    = "🖼️ **Image uploaded successfully.**\n\nAsk anything about it."
	documentNoticeText = "📄 **Document uploaded successfully.**\n\nClick **Summarize Uploaded Document**."
)

// UploadedFile is one file of an upload batch.
type UploadedFile struct {
	Name string
	Body io.Reader
}

type ChatService struct {
	dbStore *store.SQLiteStore
	uploads *uploads.Area
	gateway llm.Gateway
	model   string
	policy  ContextPolicy
	logger  *log.Logger
}

func NewChatService(db *store.SQLiteStore, area *uploads.Area, gateway llm.Gateway, model string, policy ContextPolicy) *ChatService {
	return &ChatService{
		dbStore: db,
		uploads: area,
		gateway: gateway,
		model:   model,
		policy:  policy,
		logger:  log.WithPrefix("chat"),
	}
}

// CreateChat makes a "New Chat" for the session user and opens it.
func (s *ChatService) CreateChat(ctx context.Context, sess *Session) (*store.Chat, error) {
	chat, err := s.dbStore.CreateChat(ctx, sess.Username, store.DefaultChatTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat in DB: %w", err)
	}
	sess.Reset(chat.ID)
	sess.SetActive(chat.ID)
	return chat, nil
}

func (s *ChatService) ListChats(ctx context.Context, username string) ([]store.Chat, error) {
	return s.dbStore.ListChats(ctx, username)
}

// OpenChat makes the chat active and returns its messages. A pending upload
// notice is persisted as an assistant message first, exactly once.
func (s *ChatService) OpenChat(ctx context.Context, sess *Session, chatID int64) (*store.Chat, []store.Message, error) {
	chat, err := s.dbStore.GetChat(ctx, chatID, sess.Username)
	if err != nil {
		return nil, nil, err
	}
	sess.SetActive(chatID)

	if text := noticeText(sess.TakeNotice(chatID)); text != "" {
		if _, err := s.dbStore.SaveMessage(ctx, chatID, store.RoleAssistant, text); err != nil {
			return nil, nil, fmt.Errorf("failed to store upload notice: %w", err)
		}
	}

	messages, err := s.dbStore.GetMessages(ctx, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return chat, messages, nil
}

func (s *ChatService) RenameChat(ctx context.Context, username string, chatID int64, title string) (*store.Chat, error) {
	chat, err := s.dbStore.GetChat(ctx, chatID, username)
	if err != nil {
		return nil, err
	}
	if err := s.dbStore.RenameChat(ctx, chatID, title); err != nil {
		return nil, err
	}
	chat.Title = title
	return chat, nil
}

// DeleteChat removes the chat's rows and session flags. The chat's upload
// directory stays on disk.
func (s *ChatService) DeleteChat(ctx context.Context, sess *Session, chatID int64) error {
	if _, err := s.dbStore.GetChat(ctx, chatID, sess.Username); err != nil {
		return err
	}
	if err := s.dbStore.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	sess.Forget(chatID)
	return nil
}

// UploadFiles stores each file verbatim, records it, and sets the chat's
// upload notice. Nothing is extracted here.
func (s *ChatService) UploadFiles(ctx context.Context, sess *Session, chatID int64, files []UploadedFile) ([]store.FileRecord, error) {
	if _, err := s.dbStore.GetChat(ctx, chatID, sess.Username); err != nil {
		return nil, err
	}

	records := make([]store.FileRecord, 0, len(files))
	for _, f := range files {
		path, err := s.uploads.Save(chatID, f.Name, f.Body)
		if err != nil {
			return records, fmt.Errorf("failed to save %s: %w", f.Name, err)
		}
		rec, err := s.dbStore.AddFileRecord(ctx, chatID, filepath.Base(path), path)
		if err != nil {
			return records, err
		}
		records = append(records, *rec)
		sess.RecordUpload(chatID, extract.IsImage(f.Name))
	}
	s.logger.Info("files uploaded", "chat_id", chatID, "count", len(records))
	return records, nil
}

func (s *ChatService) ListFiles(ctx context.Context, username string, chatID int64) ([]store.FileRecord, error) {
	if _, err := s.dbStore.GetChat(ctx, chatID, username); err != nil {
		return nil, err
	}
	return s.dbStore.GetFilesForChat(ctx, chatID)
}

// PostMessage stores the user turn, asks the model and stores its reply.
func (s *ChatService) PostMessage(ctx context.Context, sess *Session, chatID int64, content string) (*store.Message, error) {
	if _, err := s.dbStore.GetChat(ctx, chatID, sess.Username); err != nil {
		return nil, err
	}
	return s.exchange(ctx, chatID, content)
}

// Summarize builds the extraction cache if needed and asks the model for a
// summary. Extraction errors are returned and nothing is persisted.
func (s *ChatService) Summarize(ctx context.Context, sess *Session, chatID int64) (*store.Message, error) {
	if _, err := s.dbStore.GetChat(ctx, chatID, sess.Username); err != nil {
		return nil, err
	}
	if !sess.HasDocument(chatID) {
		return nil, ErrNoDocument
	}
	if _, err := s.uploads.EnsureExtractedText(ctx, chatID); err != nil {
		return nil, err
	}
	return s.exchange(ctx, chatID, summarizePrompt)
}

func (s *ChatService) exchange(ctx context.Context, chatID int64, userContent string) (*store.Message, error) {
	history, err := s.dbStore.GetMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	if _, err := s.dbStore.SaveMessage(ctx, chatID, store.RoleUser, userContent); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	conversation, err := s.conversation(chatID, history)
	if err != nil {
		return nil, err
	}
	conversation = append(conversation, llm.Message{Role: llm.RoleUser, Content: userContent})

	reply := s.gateway.Send(ctx, s.model, conversation)

	modelMessage, err := s.dbStore.SaveMessage(ctx, chatID, store.RoleAssistant, reply)
	if err != nil {
		return nil, fmt.Errorf("failed to store model message: %w", err)
	}
	return modelMessage, nil
}

func (s *ChatService) conversation(chatID int64, history []store.Message) ([]llm.Message, error) {
	documentText, err := s.uploads.ReadCache(chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted text: %w", err)
	}
	files, err := s.uploads.Files(chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploaded files: %w", err)
	}
	return BuildConversation(history, documentText, files, s.policy), nil
}

func noticeText(n Notice) string {
	switch n {
	case NoticeImage:
		return imageNoticeText
	case NoticeDocument:
		return documentNoticeText
	default:
		return ""
	}
}
