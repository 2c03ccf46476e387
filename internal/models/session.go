package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// ConnState is the lifecycle state of one connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateJoined
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Session represents an active WebSocket connection. It exists from
// transport connect to transport disconnect, independent of any room.
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id,omitempty"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Color        string    `json:"color,omitempty"`
	ClientID     uint64    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewSession(userID, userName, color string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		UserID:       userID,
		UserName:     userName,
		Color:        color,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
