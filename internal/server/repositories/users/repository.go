// Package users declares the repository contract for clinician accounts and
// its PostgreSQL implementation.
package users

import (
	"context"
	"time"

	"github.com/justincihi/cognisync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)

	// RecordFailedLogin increments the failure counter and, once it reaches
	// maxAttempts, locks the account until lockUntil. It returns the new count.
	RecordFailedLogin(ctx context.Context, id int64, maxAttempts int, lockUntil time.Time) (int, error)

	// RecordSuccessfulLogin clears the failure counter and lock and stamps last_login.
	RecordSuccessfulLogin(ctx context.Context, id int64, at time.Time) error

	SetMFA(ctx context.Context, id int64, secretEncrypted *string, enabled bool) error
}
