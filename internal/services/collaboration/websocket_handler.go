package collaboration

import (
	"context"
	"net/http"
	"strconv"

	"collabsync/internal/middleware"
	"collabsync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Identity comes from the query string: userId, username, color and the
client's awareness clientId. There is no credential check.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades document connections and hands them to the hub
type WebSocketHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: logger.With(zap.String("module", "websocket")),
	}
}

// HandleDocumentConnection serves /ws/document/{id}. The connection joins the
// path document immediately; a later join frame may switch documents.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	q := r.URL.Query()

	userID := q.Get("userId")
	userName := q.Get("username")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}
	clientID, _ := strconv.ParseUint(q.Get("clientId"), 10, 64)

	// the request context ends when this handler returns; the connection
	// outlives it but keeps its trace
	ctx := context.WithoutCancel(r.Context())
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("socket:upgrade_failed", zap.Error(err))
		middleware.AddSpanError(ctx, err)
		return
	}

	session := models.NewSession(userID, userName, q.Get("color"))
	session.ClientID = clientID

	c := h.hub.Connect(session, ws)
	if c == nil {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		ws.Close()
		return
	}

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.WritePump()
	go func() {
		if documentID != "" {
			h.hub.Join(ctx, c, documentID, clientID)
		}
		c.ReadPump(ctx)
	}()
}
