package api

import (
	"encoding/json"
	"net/http"

	"collabsync/internal/middleware"

	"go.uber.org/zap"
)

// Response is the envelope of every REST reply.
type Response struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func success(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func created(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: message, Data: data})
}

// fail writes err and logs it with the request it failed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	apiErr := fromError(err, msg)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	}
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Error("http:error", append(fields, zap.Error(err))...)
		middleware.AddSpanError(r.Context(), err)
	} else {
		h.logger.Info("http:error", fields...)
	}
	writeJSON(w, apiErr.Status, Response{Success: false, Error: apiErr})
}
