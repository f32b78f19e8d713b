// Package backupcodes stores hashed one-time MFA recovery codes.
package backupcodes

import (
	"context"
	"time"
)

type Repository interface {
	// Replace discards every code of userID and stores hashes instead.
	Replace(ctx context.Context, userID int64, hashes []string) error

	// Consume marks an unused code as used. It reports false when the code
	// does not exist or was already used.
	Consume(ctx context.Context, userID int64, hash string, at time.Time) (bool, error)

	// Remaining counts unused codes.
	Remaining(ctx context.Context, userID int64) (int, error)
}
