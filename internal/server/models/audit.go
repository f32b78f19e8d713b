package models

import "time"

// AuditEntry is one immutable row of the audit trail.
type AuditEntry struct {
	ID               string
	Timestamp        time.Time
	UserID           *int64
	Username         string
	Action           string
	ResourceType     string
	ResourceID       *string
	IPAddress        *string
	UserAgent        *string
	Success          bool
	DetailsEncrypted *string
}

// AuditFilter narrows an audit query. Set fields are combined with AND.
type AuditFilter struct {
	ActorID    *int64
	ResourceID string
	Action     string
	From       *time.Time
	To         *time.Time
	Limit      int
}
