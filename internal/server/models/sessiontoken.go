package models

import "time"

// SessionToken is the server-side record of a login session. Only the
// SHA-256 of the token id is stored.
type SessionToken struct {
	ID           int64
	UserID       int64
	TokenHash    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity *time.Time
	IPAddress    *string
	UserAgent    *string
	IsValid      bool
}
