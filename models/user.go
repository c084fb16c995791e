package models

import (
	"gorm.io/gorm"
)

// User represents an authenticated dashboard account. Registration and the
// OAuth consent flow live in the dashboard service; this core only validates
// tokens minted for these rows.
type User struct {
	gorm.Model

	Email        string  `gorm:"uniqueIndex;not null" json:"email"`
	Name         *string `json:"name,omitempty"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`
	TokenVersion int     `gorm:"default:0" json:"-"`

	// Relations
	Senders []Sender `gorm:"foreignKey:UserID" json:"senders,omitempty"`
}
