package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User logs in with a phone number; there are no passwords.
type User struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Phone     string    `gorm:"size:16;uniqueIndex;not null" json:"phone"`
	Role      string    `gorm:"size:32;not null"             json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// RefreshToken stores the sha256 of an issued refresh token, never the token.
type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"size:36;index;not null"`
	TokenHash string    `gorm:"size:64;uniqueIndex;not null"`
	JTI       string    `gorm:"size:36;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Revoked   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type OTPChallenge struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	Phone     string    `gorm:"size:16;index;not null"`
	CodeHash  string    `gorm:"size:72;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Attempts  int       `gorm:"not null;default:0"`
	Consumed  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"index"`
}

func (c *OTPChallenge) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func AllModels() []any {
	return []any{&User{}, &RefreshToken{}, &OTPChallenge{}}
}
