package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/severus-ai/severus/internal/auth"
	"github.com/severus-ai/severus/internal/core"
	"github.com/severus-ai/severus/internal/store"
	"github.com/severus-ai/severus/internal/uploads"
)

const maxUploadMemory = 32 << 20

type ctxKey int

const sessionKey ctxKey = iota

type APIHandler struct {
	chatService *core.ChatService
	credentials *auth.CredentialStore
	sessions    *core.SessionManager
	jwtSecret   string
	logger      *log.Logger
}

func NewAPIHandler(cs *core.ChatService, creds *auth.CredentialStore, sessions *core.SessionManager, jwtSecret string) *APIHandler {
	return &APIHandler{
		chatService: cs,
		credentials: creds,
		sessions:    sessions,
		jwtSecret:   jwtSecret,
		logger:      log.WithPrefix("api"),
	}
}

func sessionFrom(ctx context.Context) *core.Session {
	sess, _ := ctx.Value(sessionKey).(*core.Session)
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func chatIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	return id, err == nil && id > 0
}

// writeServiceError maps service errors onto status codes.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.Is(err, core.ErrNoDocument):
		http.Error(w, "Please upload a document first", http.StatusConflict)
	case errors.Is(err, uploads.ErrReservedName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, "err", err)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		sess, err := h.sessions.Get(claims.SessionID)
		if err != nil || sess.Username != claims.Username {
			http.Error(w, "Session expired", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	created, err := h.credentials.Signup(req.Username, req.Password)
	if err != nil {
		h.logger.Error("signup failed", "username", req.Username, "err", err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if !created {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	valid, err := h.credentials.Login(req.Username, req.Password)
	if err != nil {
		h.logger.Error("login failed", "username", req.Username, "err", err)
		http.Error(w, "Failed to read credentials", http.StatusInternalServerError)
		return
	}
	if !valid {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	sess := h.sessions.Start(req.Username)
	token, err := auth.GenerateJWT(h.jwtSecret, req.Username, sess.ID)
	if err != nil {
		h.sessions.End(sess.ID)
		h.logger.Error("generating JWT", "username", req.Username, "err", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.End(sessionFrom(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

type SessionResponse struct {
	Username   string `json:"username"`
	ActiveChat *int64 `json:"active_chat"`
}

func (h *APIHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	resp := SessionResponse{Username: sess.Username}
	if id := sess.ActiveChat(); id != 0 {
		resp.ActiveChat = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatService.CreateChat(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, "Failed to create chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(r.Context(), sessionFrom(r.Context()).Username)
	if err != nil {
		h.writeServiceError(w, "Failed to list chats", err)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type GetChatDetailsResponse struct {
	*store.Chat
	Messages    []store.Message `json:"messages"`
	HasDocument bool            `json:"has_document"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	sess := sessionFrom(r.Context())
	chat, messages, err := h.chatService.OpenChat(r.Context(), sess, chatID)
	if err != nil {
		h.writeServiceError(w, "Failed to get chat details", err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, GetChatDetailsResponse{
		Chat:        chat,
		Messages:    messages,
		HasDocument: sess.HasDocument(chatID),
	})
}

type RenameChatRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	var req RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		http.Error(w, "Title cannot be empty", http.StatusBadRequest)
		return
	}

	chat, err := h.chatService.RenameChat(r.Context(), sessionFrom(r.Context()).Username, chatID, title)
	if err != nil {
		h.writeServiceError(w, "Failed to rename chat", err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	if err := h.chatService.DeleteChat(r.Context(), sessionFrom(r.Context()), chatID); err != nil {
		h.writeServiceError(w, "Failed to delete chat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	modelMessage, err := h.chatService.PostMessage(r.Context(), sessionFrom(r.Context()), chatID, req.Content)
	if err != nil {
		h.writeServiceError(w, "Failed to post message", err)
		return
	}
	writeJSON(w, http.StatusOK, modelMessage)
}

// UploadFilesHandler accepts one or more files in the multipart field "files".
func (h *APIHandler) UploadFilesHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		http.Error(w, "No files provided", http.StatusBadRequest)
		return
	}

	files := make([]core.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "Invalid file: "+fh.Filename, http.StatusBadRequest)
			return
		}
		defer f.Close()
		files = append(files, core.UploadedFile{Name: fh.Filename, Body: f})
	}

	records, err := h.chatService.UploadFiles(r.Context(), sessionFrom(r.Context()), chatID, files)
	if err != nil {
		h.writeServiceError(w, "Failed to upload files", err)
		return
	}
	writeJSON(w, http.StatusCreated, records)
}

func (h *APIHandler) ListFilesHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	files, err := h.chatService.ListFiles(r.Context(), sessionFrom(r.Context()).Username, chatID)
	if err != nil {
		h.writeServiceError(w, "Failed to list files", err)
		return
	}
	if files == nil {
		files = []store.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *APIHandler) SummarizeHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	modelMessage, err := h.chatService.Summarize(r.Context(), sessionFrom(r.Context()), chatID)
	if err != nil {
		h.writeServiceError(w, "Failed to summarize document", err)
		return
	}
	writeJSON(w, http.StatusOK, modelMessage)
}
