// Package sessiontokens stores server-side login sessions keyed by the
// SHA-256 of the token id carried in the JWT.
package sessiontokens

import (
	"context"
	"time"

	"github.com/justincihi/cognisync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, t *models.SessionToken) (*models.SessionToken, error)
	GetByHash(ctx context.Context, hash string) (*models.SessionToken, error)

	// Touch moves last_activity to now only while the session is valid, not
	// past its hard expiry and active since threshold. It reports whether
	// the row was refreshed.
	Touch(ctx context.Context, hash string, now, threshold time.Time) (bool, error)

	Invalidate(ctx context.Context, hash string) error

	// InvalidateIdle invalidates every valid session whose last activity is
	// before threshold or was never recorded.
	InvalidateIdle(ctx context.Context, threshold time.Time) (int64, error)

	InvalidateForUser(ctx context.Context, userID int64) (int64, error)
}
