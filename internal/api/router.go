package api

import (
	"net/http"

	"collabsync/internal/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func SetupRoutes(h *Handler, ws http.HandlerFunc, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(logger))       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware(logger)) // Catch panics
	r.Use(middleware.CORSMiddleware)                  // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// User endpoints
	api.HandleFunc("/users/login", h.Login).Methods("POST", "OPTIONS")

	// Document endpoints
	api.HandleFunc("/documents", h.CreateDocument).Methods("POST", "OPTIONS")
	api.HandleFunc("/documents", h.ListDocuments).Methods("GET")
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}", h.UpdateDocument).Methods("PUT", "OPTIONS")

	// Chat endpoints
	api.HandleFunc("/chat/{docId}", h.GetChatMessages).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/document/{id}", ws)

	return r
}
