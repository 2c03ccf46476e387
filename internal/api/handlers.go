package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"collabsync/internal/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	docs     DocumentService
	chats    ChatService
	users    UserService
	presence PresenceCounter
	stats    StatsReporter
	nodeID   string
	history  int
	logger   *zap.Logger
}

// HandlerConfig groups the collaborators of a Handler.
type HandlerConfig struct {
	Documents DocumentService
	Chats     ChatService
	Users     UserService
	Presence  PresenceCounter
	Stats     StatsReporter
	NodeID    string
	Logger    *zap.Logger

	// ChatHistory is the default page size of chat history; zero means
	// models.ChatMessageLimit
	ChatHistory int
}

func NewHandler(cfg HandlerConfig) *Handler {
	history := cfg.ChatHistory
	if history <= 0 {
		history = models.ChatMessageLimit
	}
	return &Handler{
		docs:     cfg.Documents,
		chats:    cfg.Chats,
		users:    cfg.Users,
		presence: cfg.Presence,
		stats:    cfg.Stats,
		nodeID:   cfg.NodeID,
		history:  history,
		logger:   cfg.Logger.With(zap.String("module", "api")),
	}
}

// User handlers

type loginRequest struct {
	Username string `json:"username"`
}

// Login finds or creates the user by name. There are no credentials.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("Invalid request body"), "")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		h.fail(w, r, badRequest("Username is required"), "")
		return
	}

	user, err := h.users.UpsertByUsername(r.Context(), username)
	if err != nil {
		h.fail(w, r, err, "Failed to log in")
		return
	}
	h.logger.Info("user:login", zap.String("user_id", user.ID), zap.String("username", username))

	success(w, map[string]*models.User{"user": user}, "Login successful")
}

// Document handlers

type createDocumentRequest struct {
	Title    string `json:"title"`
	AuthorID string `json:"authorId"`
}

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("Invalid request body"), "")
		return
	}
	if req.Title == "" || req.AuthorID == "" {
		h.fail(w, r, badRequest("Title and authorId are required"), "")
		return
	}

	doc, err := h.docs.Create(r.Context(), req.Title, req.AuthorID)
	if err != nil {
		h.fail(w, r, err, "Failed to create document")
		return
	}
	h.logger.Info("doc:created", zap.String("doc_id", doc.ID), zap.String("author_id", req.AuthorID))

	created(w, doc.View(), "Document created")
}

// ListDocuments returns the documents userId authored or edited, each with
// its live member count.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.fail(w, r, badRequest("User ID is required"), "")
		return
	}

	docs, err := h.docs.List(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, "Failed to list documents")
		return
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	// counts are decoration; a presence outage still lists documents
	counts, err := h.presence.Counts(r.Context(), ids)
	if err != nil {
		h.logger.Warn("presence:error", zap.String("op", "counts"), zap.Error(err))
	}

	views := make([]*models.DocumentView, len(docs))
	for i, d := range docs {
		views[i] = d.View()
		views[i].ActiveCount = counts[d.ID]
	}
	h.logger.Info("doc:list", zap.String("user_id", userID), zap.Int("count", len(views)))

	success(w, views, "Documents fetched")
}

// GetDocument returns one document with its recent chat. A viewer that is
// not the author is recorded as an editor on first open.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := r.URL.Query().Get("userId")
	if id == "" || userID == "" {
		h.fail(w, r, badRequest("ID and user ID are required"), "")
		return
	}

	ctx := r.Context()
	doc, err := h.docs.GetByID(ctx, id)
	if err != nil {
		h.fail(w, r, err, "Failed to get document")
		return
	}

	if doc.AuthorID != userID {
		editor, err := h.docs.IsEditor(ctx, id, userID)
		if err != nil {
			h.fail(w, r, err, "Failed to get document")
			return
		}
		if !editor {
			if err := h.docs.AddEditor(ctx, id, userID); err != nil {
				h.fail(w, r, err, "Failed to add editor")
				return
			}
			h.logger.Info("doc:editor_added", zap.String("doc_id", id), zap.String("user_id", userID))
		}
	}

	messages, err := h.chats.List(ctx, id, h.history)
	if err != nil {
		h.fail(w, r, err, "Failed to get document")
		return
	}

	view := doc.View()
	view.State = doc.State
	view.Chat = chronological(messages)
	h.logger.Info("doc:get", zap.String("doc_id", id), zap.String("user_id", userID))

	success(w, view, "Document fetched")
}

type updateDocumentRequest struct {
	Title string `json:"title"`
}

func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("Invalid request body"), "")
		return
	}
	if req.Title == "" {
		h.fail(w, r, badRequest("Nothing to update"), "")
		return
	}

	doc, err := h.docs.Update(r.Context(), id, &models.DocumentUpdate{Title: &req.Title})
	if err != nil {
		h.fail(w, r, err, "Failed to update document")
		return
	}
	h.logger.Info("doc:updated", zap.String("doc_id", id))

	success(w, doc.View(), "Document updated")
}

// Chat handlers

// GetChatMessages returns the last limit messages, newest last.
func (h *Handler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docId"]
	if docID == "" {
		h.fail(w, r, badRequest("Document ID is required"), "")
		return
	}

	limit := h.history
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			h.fail(w, r, badRequest("limit must be a positive integer"), "")
			return
		}
		limit = n
	}

	messages, err := h.chats.List(r.Context(), docID, limit)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch messages")
		return
	}
	h.logger.Info("chat:messages_fetched", zap.String("doc_id", docID), zap.Int("count", len(messages)))

	success(w, chronological(messages), "Messages fetched")
}

// Health reports the hub counters and whether redis answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, redisStatus := "ok", "ok"
	if err := h.presence.Ping(r.Context()); err != nil {
		status, redisStatus = "degraded", "unavailable"
		h.logger.Warn("health:redis_unavailable", zap.Error(err))
	}

	success(w, map[string]any{
		"status": status,
		"node":   h.nodeID,
		"redis":  redisStatus,
		"hub":    h.stats.Stats(),
	}, "OK")
}

// chronological turns a newest-first page into oldest-first views.
func chronological(messages []*models.ChatMessage) []models.ChatView {
	views := make([]models.ChatView, len(messages))
	for i, m := range messages {
		views[len(messages)-1-i] = m.View()
	}
	return views
}
