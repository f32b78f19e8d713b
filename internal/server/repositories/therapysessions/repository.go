// Package therapysessions persists recorded therapy sessions. Columns with
// an _encrypted suffix only ever receive FieldCipher output.
package therapysessions

import (
	"context"
	"time"

	"github.com/justincihi/cognisync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, s *models.TherapySession) (*models.TherapySession, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.TherapySession, error)

	// GetForUpdate reads the row and locks it until the surrounding
	// transaction ends. It must be called on a transactional DBTX.
	GetForUpdate(ctx context.Context, sessionID string) (*models.TherapySession, error)

	// UpdateAnalysis overwrites the non-nil analysis fields.
	UpdateAnalysis(ctx context.Context, sessionID string, f models.AnalysisFields, at time.Time) error

	// SetRetentionUntil stores until only if no retention date is set yet and
	// reports whether it did.
	SetRetentionUntil(ctx context.Context, sessionID string, until time.Time) (bool, error)

	// ListExpired returns up to limit records with retention_until < now,
	// ordered by (retention_until, session_id) and starting strictly after
	// the after cursor. A nil cursor starts at the beginning.
	ListExpired(ctx context.Context, now time.Time, after *models.ExpiredRecord, limit int) ([]*models.ExpiredRecord, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
	Stats(ctx context.Context, now, soon time.Time) (*models.RetentionStats, error)
}
