package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ChatMessageLimit is the default number of recent messages fetched.
const ChatMessageLimit = 20

// ChatMessage is an append-only chat line in a document room.
type ChatMessage struct {
	ID         string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID string    `json:"documentId" gorm:"type:char(27);not null;index:idx_chat_doc_time"`
	UserID     string    `json:"-" gorm:"type:char(27);not null"`
	User       *User     `json:"-" gorm:"foreignKey:UserID;references:ID"`
	Message    string    `json:"message" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"createdAt" gorm:"index:idx_chat_doc_time"`
}

// BeforeCreate generates KSUID
func (c *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Author returns the sender summary, empty when the user was not loaded.
func (c *ChatMessage) Author() UserSummary {
	if c.User == nil {
		return UserSummary{ID: c.UserID}
	}
	return *c.User.Summary()
}

// ChatView is the shape returned by the REST surface.
type ChatView struct {
	ID        string      `json:"id"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
	User      UserSummary `json:"user"`
}

func (c *ChatMessage) View() ChatView {
	return ChatView{ID: c.ID, Message: c.Message, CreatedAt: c.CreatedAt, User: c.Author()}
}
