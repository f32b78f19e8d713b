package sessiontokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *models.SessionToken) (*models.SessionToken, error) {
	query :=
		`INSERT INTO session_tokens (user_id, token_hash, created_at, expires_at, last_activity, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, t.LastActivity, t.IPAddress, t.UserAgent,
	).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	t.IsValid = true
	return t, nil
}

func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*models.SessionToken, error) {
	query :=
		`SELECT id, user_id, token_hash, created_at, expires_at, last_activity, ip_address, user_agent, is_valid
		 FROM session_tokens WHERE token_hash = $1`

	t := &models.SessionToken{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt,
		&t.ExpiresAt, &t.LastActivity, &t.IPAddress, &t.UserAgent, &t.IsValid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, hash string, now, threshold time.Time) (bool, error) {
	query :=
		`UPDATE session_tokens SET last_activity = $2
		 WHERE token_hash = $1 AND is_valid AND expires_at > $2 AND last_activity >= $3`

	res, err := r.db.ExecContext(ctx, query, hash, now, threshold)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) Invalidate(ctx context.Context, hash string) error {
	query := `UPDATE session_tokens SET is_valid = FALSE WHERE token_hash = $1`
	if _, err := r.db.ExecContext(ctx, query, hash); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InvalidateIdle(ctx context.Context, threshold time.Time) (int64, error) {
	query :=
		`UPDATE session_tokens SET is_valid = FALSE
		 WHERE is_valid AND (last_activity IS NULL OR last_activity < $1)`
	return r.execCount(ctx, query, threshold)
}

func (r *PostgresRepository) InvalidateForUser(ctx context.Context, userID int64) (int64, error) {
	query := `UPDATE session_tokens SET is_valid = FALSE WHERE user_id = $1 AND is_valid`
	return r.execCount(ctx, query, userID)
}

func (r *PostgresRepository) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
