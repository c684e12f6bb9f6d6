package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/severus-ai/severus/internal/llm"
	"github.com/severus-ai/severus/internal/store"
	"github.com/severus-ai/severus/internal/uploads"
)

type fakeGateway struct {
	mu    sync.Mutex
	reply string
	calls [][]llm.Message
}

func (f *fakeGateway) Send(_ context.Context, _ string, messages []llm.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	return f.reply
}

func (f *fakeGateway) last() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fixture struct {
	svc     *ChatService
	db      *store.SQLiteStore
	area    *uploads.Area
	gateway *fakeGateway
	sess    *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "app.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	area := uploads.NewArea(filepath.Join(dir, "uploads"), uploads.DefaultMaxFileSize, 2)
	gw := &fakeGateway{reply: "model says hi"}
	return &fixture{
		svc:     NewChatService(db, area, gw, "gemma3:1b", ContextPolicy{}),
		db:      db,
		area:    area,
		gateway: gw,
		sess:    NewSessionManager().Start("alice"),
	}
}

func (f *fixture) upload(t *testing.T, chatID int64, name, body string) {
	t.Helper()
	_, err := f.svc.UploadFiles(context.Background(), f.sess, chatID, []UploadedFile{{Name: name, Body: strings.NewReader(body)}})
	if err != nil {
		t.Fatalf("UploadFiles(%s) error = %v", name, err)
	}
}

func TestCreateChatOpensIt(t *testing.T) {
	f := newFixture(t)
	chat, err := f.svc.CreateChat(context.Background(), f.sess)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Title != store.DefaultChatTitle || chat.Username != "alice" {
		t.Errorf("chat = %+v", chat)
	}
	if f.sess.ActiveChat() != chat.ID {
		t.Errorf("ActiveChat() = %d, want %d", f.sess.ActiveChat(), chat.ID)
	}
	if f.sess.HasDocument(chat.ID) {
		t.Error("new chat should not have a document")
	}
}

func TestPostMessageWithoutDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)

	reply, err := f.svc.PostMessage(ctx, f.sess, chat.ID, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Role != store.RoleAssistant || reply.Content != "model says hi" {
		t.Errorf("reply = %+v", reply)
	}

	sent := f.gateway.last()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2: %+v", len(sent), sent)
	}
	if sent[0].Role != llm.RoleSystem || sent[0].Content != generalSystemPrompt {
		t.Errorf("system message = %+v", sent[0])
	}
	if sent[1].Role != llm.RoleUser || sent[1].Content != "Hello" {
		t.Errorf("user message = %+v", sent[1])
	}

	msgs, _ := f.db.GetMessages(ctx, chat.ID)
	if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "model says hi" {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestPostMessageIncludesHistoryOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)

	if _, err := f.svc.PostMessage(ctx, f.sess, chat.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.PostMessage(ctx, f.sess, chat.ID, "second"); err != nil {
		t.Fatal(err)
	}

	sent := f.gateway.last()
	var contents []string
	for _, m := range sent[1:] {
		contents = append(contents, m.Role+":"+m.Content)
	}
	want := []string{"user:first", "assistant:model says hi", "user:second"}
	if strings.Join(contents, "|") != strings.Join(want, "|") {
		t.Errorf("conversation = %v, want %v", contents, want)
	}
}

func TestUploadNoticeShownOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)

	f.upload(t, chat.ID, "notes.txt", "hello")
	if !f.sess.HasDocument(chat.ID) {
		t.Fatal("document upload should set has_document")
	}

	_, msgs, err := f.svc.OpenChat(ctx, f.sess, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != documentNoticeText {
		t.Fatalf("messages after upload = %+v", msgs)
	}

	_, msgs, _ = f.svc.OpenChat(ctx, f.sess, chat.ID)
	if len(msgs) != 1 {
		t.Errorf("notice stored twice: %+v", msgs)
	}

	if _, err := os.Stat(f.area.CachePath(chat.ID)); !os.IsNotExist(err) {
		t.Error("upload should not build the extraction cache")
	}
}

func TestImageUploadNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)

	f.upload(t, chat.ID, "photo.PNG", "\x89PNG")
	if f.sess.HasDocument(chat.ID) {
		t.Error("image upload must not set has_document")
	}
	_, msgs, _ := f.svc.OpenChat(ctx, f.sess, chat.ID)
	if len(msgs) != 1 || msgs[0].Content != imageNoticeText {
		t.Errorf("messages = %+v", msgs)
	}

	if _, err := f.svc.Summarize(ctx, f.sess, chat.ID); !errors.Is(err, ErrNoDocument) {
		t.Errorf("Summarize() error = %v, want ErrNoDocument", err)
	}
}

func TestSummarizeUsesDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)
	f.upload(t, chat.ID, "notes.txt", "hello")

	if _, err := f.svc.Summarize(ctx, f.sess, chat.ID); err != nil {
		t.Fatal(err)
	}

	sent := f.gateway.last()
	if !strings.Contains(sent[0].Content, "Uploaded document sources:\nnotes.txt") {
		t.Errorf("system prompt lacks sources:\n%s", sent[0].Content)
	}
	if !strings.Contains(sent[0].Content, "FILE START ==========\nhello\n=========== FILE END") {
		t.Errorf("system prompt lacks document text:\n%s", sent[0].Content)
	}
	if last := sent[len(sent)-1]; last.Content != summarizePrompt {
		t.Errorf("last message = %+v", last)
	}

	// A follow-up question still sees the cached text.
	if _, err := f.svc.PostMessage(ctx, f.sess, chat.ID, "what does it say?"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.gateway.last()[0].Content, "<Document Context>") {
		t.Error("follow-up lost document context")
	}
}

func TestSummarizeExtractionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)
	f.upload(t, chat.ID, "broken.xlsx", "not a zip archive")

	if _, err := f.svc.Summarize(ctx, f.sess, chat.ID); err == nil {
		t.Fatal("expected extraction error")
	}
	if len(f.gateway.calls) != 0 {
		t.Error("model should not be called when extraction fails")
	}
	msgs, _ := f.db.GetMessages(ctx, chat.ID)
	if len(msgs) != 0 {
		t.Errorf("messages persisted on failure: %+v", msgs)
	}
}

func TestChatOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)
	bob := NewSessionManager().Start("bob")

	if _, _, err := f.svc.OpenChat(ctx, bob, chat.ID); !errors.Is(err, store.ErrChatNotFound) {
		t.Errorf("OpenChat() error = %v", err)
	}
	if _, err := f.svc.PostMessage(ctx, bob, chat.ID, "hi"); !errors.Is(err, store.ErrChatNotFound) {
		t.Errorf("PostMessage() error = %v", err)
	}
	if err := f.svc.DeleteChat(ctx, bob, chat.ID); !errors.Is(err, store.ErrChatNotFound) {
		t.Errorf("DeleteChat() error = %v", err)
	}
	if _, err := f.svc.RenameChat(ctx, "bob", chat.ID, "x"); !errors.Is(err, store.ErrChatNotFound) {
		t.Errorf("RenameChat() error = %v", err)
	}
}

func TestDeleteChatKeepsUploads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)
	f.upload(t, chat.ID, "notes.txt", "hello")

	if err := f.svc.DeleteChat(ctx, f.sess, chat.ID); err != nil {
		t.Fatal(err)
	}
	if f.sess.ActiveChat() != 0 || f.sess.HasDocument(chat.ID) {
		t.Error("session still references deleted chat")
	}
	chats, _ := f.svc.ListChats(ctx, "alice")
	if len(chats) != 0 {
		t.Errorf("ListChats() = %+v", chats)
	}
	if _, err := os.Stat(filepath.Join(f.area.ChatDir(chat.ID), "notes.txt")); err != nil {
		t.Errorf("upload removed with chat: %v", err)
	}
}

func TestRenameAndListFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat, _ := f.svc.CreateChat(ctx, f.sess)
	f.upload(t, chat.ID, "a.csv", "x,y\n1,2\n")

	renamed, err := f.svc.RenameChat(ctx, "alice", chat.ID, "Quarterly")
	if err != nil || renamed.Title != "Quarterly" {
		t.Fatalf("RenameChat() = %+v, %v", renamed, err)
	}

	files, err := f.svc.ListFiles(ctx, "alice", chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Filename != "a.csv" {
		t.Errorf("files = %+v", files)
	}
}
