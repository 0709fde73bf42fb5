package models

import "time"

// Connection stores one link to an external accounting tenant: OAuth
// credentials, token expiry bookkeeping and activity flags. Token and
// client-secret columns hold ciphertext; the store layer encrypts and
// decrypts at the boundary.
//
// Expiry columns are absolute unix seconds. Zero means "never observed".
type Connection struct {
	ID       string `gorm:"primaryKey"` // UUID
	UserID   string `gorm:"index"`
	Division int64  // provider tenant partition, fetched after connect

	ClientID     string
	ClientSecret string // encrypted
	AccessToken  string // encrypted
	RefreshToken string // encrypted

	TokenExpiresAt        int64
	RefreshTokenExpiresAt int64
	LastTokenRefreshAt    int64

	IsActive   bool `gorm:"default:false"`
	LastUsedAt time.Time
	Metadata   string // JSON blob, e.g. last expiry warning recorded by the sweep

	CreatedAt time.Time
	UpdatedAt time.Time
}
