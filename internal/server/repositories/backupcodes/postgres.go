package backupcodes

import (
	"context"
	"fmt"
	"time"

	"github.com/justincihi/cognisync/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Replace should run inside a transaction so a failed insert keeps the old set.
func (r *PostgresRepository) Replace(ctx context.Context, userID int64, hashes []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	for _, h := range hashes {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES ($1, $2)`, userID, h); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Consume(ctx context.Context, userID int64, hash string, at time.Time) (bool, error) {
	query :=
		`UPDATE mfa_backup_codes SET used_at = $3
		 WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, userID, hash, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Remaining(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1 AND used_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
