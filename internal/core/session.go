package core

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Notice is the kind of a just-completed upload, reported once per chat.
type Notice string

const (
	NoticeNone     Notice = ""
	NoticeImage    Notice = "image"
	NoticeDocument Notice = "document"
)

// Session is the per-login state: which chat is open, which chats have a
// document uploaded during this session and which have a pending upload notice.
// It lives from login to logout.
type Session struct {
	ID       string
	Username string

	mu          sync.Mutex
	activeChat  int64
	hasDocument map[int64]bool
	notices     map[int64]Notice
}

func newSession(username string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Username:    username,
		hasDocument: make(map[int64]bool),
		notices:     make(map[int64]Notice),
	}
}

// ActiveChat returns the open chat id, or 0 when none is open.
func (s *Session) ActiveChat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

func (s *Session) SetActive(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = chatID
}

func (s *Session) HasDocument(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasDocument[chatID]
}

// RecordUpload notes an upload for the chat. The latest upload decides the
// pending notice; any non-image upload marks the chat as having a document.
func (s *Session) RecordUpload(chatID int64, image bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if image {
		s.notices[chatID] = NoticeImage
		return
	}
	s.hasDocument[chatID] = true
	s.notices[chatID] = NoticeDocument
}

// TakeNotice returns and clears the pending notice for the chat.
func (s *Session) TakeNotice(chatID int64) Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notices[chatID]
	delete(s.notices, chatID)
	return n
}

// Reset clears the chat's flags, as for a freshly created chat.
func (s *Session) Reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasDocument[chatID] = false
	delete(s.notices, chatID)
}

// Forget drops every flag for a deleted chat and closes it if it was open.
func (s *Session) Forget(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hasDocument, chatID)
	delete(s.notices, chatID)
	if s.activeChat == chatID {
		s.activeChat = 0
	}
}

// SessionManager keeps live sessions in memory; they do not survive a restart.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

func (m *SessionManager) Start(username string) *Session {
	sess := newSession(username)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *SessionManager) End(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
