package users

import (
	"strings"
	"time"
)

// Identity maps an external provider subject to a local Beacon user.
// One row per provider+subject pair; the local user id is stable across
// repeated logins.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:36;not null;uniqueIndex"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastLoginAt time.Time `gorm:"column:last_login_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
