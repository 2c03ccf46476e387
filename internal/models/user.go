package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// User is a username-only identity. There are no credentials.
type User struct {
	ID         string    `json:"id" gorm:"type:char(27);primaryKey"`
	Username   string    `json:"username" gorm:"type:varchar(64);uniqueIndex;not null"`
	LastActive time.Time `json:"lastActive"`
	CreatedAt  time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// BeforeCreate generates KSUID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// UserSummary is the public projection embedded in documents and chats.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (u *User) Summary() *UserSummary {
	return &UserSummary{ID: u.ID, Username: u.Username}
}
