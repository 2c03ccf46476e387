package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is a collaboratively edited document.
// Learning: State holds the full encoded replica, written as one upsert per
// debounce window. Content is the plain-text projection kept for listings.
type Document struct {
	ID        string      `json:"id" gorm:"type:char(27);primaryKey"`
	Title     string      `json:"title" gorm:"type:text;not null"`
	Content   string      `json:"content" gorm:"type:text;not null;default:''"`
	State     []byte      `json:"-" gorm:"type:bytea"`
	AuthorID  string      `json:"authorId" gorm:"type:char(27);not null;index"`
	Author    *User       `json:"author,omitempty" gorm:"foreignKey:AuthorID;references:ID"`
	Editors   []DocEditor `json:"-" gorm:"foreignKey:DocumentID;references:ID"`
	CreatedAt time.Time   `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time   `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// DocEditor records a non-author user who opened a document.
type DocEditor struct {
	DocumentID string    `json:"documentId" gorm:"type:char(27);primaryKey"`
	UserID     string    `json:"userId" gorm:"type:char(27);primaryKey"`
	CreatedAt  time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// DocumentUpdate carries optional field changes.
type DocumentUpdate struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	State   []byte  `json:"-"`
}

// DocumentView is the shape returned by the REST surface.
type DocumentView struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	State       []byte       `json:"state,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Author      *UserSummary `json:"author,omitempty"`
	Chat        []ChatView   `json:"chat,omitempty"`
	ActiveCount int64        `json:"activeCount"`
}

// View projects d for the API.
func (d *Document) View() *DocumentView {
	v := &DocumentView{
		ID:        d.ID,
		Title:     d.Title,
		Content:   d.Content,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Author != nil {
		v.Author = d.Author.Summary()
	}
	return v
}
