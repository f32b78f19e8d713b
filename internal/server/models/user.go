package models

import "time"

// Roles.
const (
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

type User struct {
	ID                     int64
	Username               string
	EmailEncrypted         *string
	PasswordHash           string
	Role                   string
	LicenseNumberEncrypted *string
	LicenseState           *string
	IsActive               bool
	IsApproved             bool
	MFASecretEncrypted     *string
	MFAEnabled             bool
	CreatedAt              time.Time
	LastLogin              *time.Time
	FailedLoginAttempts    int
	AccountLockedUntil     *time.Time
}

// LockedAt reports whether the account is locked at time now.
func (u *User) LockedAt(now time.Time) bool {
	return u.AccountLockedUntil != nil && now.Before(*u.AccountLockedUntil)
}

// BackupCode is a one-time MFA recovery code, stored as a SHA-256 hash.
type BackupCode struct {
	UserID   int64
	CodeHash string
	UsedAt   *time.Time
}
