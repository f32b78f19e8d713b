// Package auditlog persists the append-only audit trail. There is
// deliberately no update or delete operation; the database rejects both.
package auditlog

import (
	"context"

	"github.com/justincihi/cognisync/internal/server/models"
)

// DefaultLimit bounds Query when the filter sets no limit.
const DefaultLimit = 100

type Repository interface {
	Insert(ctx context.Context, e *models.AuditEntry) error

	// Query returns entries matching every set filter field, newest first.
	Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error)
}
