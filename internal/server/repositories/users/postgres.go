package users

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

const userColumns = `id, username, email_encrypted, password_hash, role, license_number_encrypted, license_state,
		is_active, is_approved, mfa_secret_encrypted, mfa_enabled, created_at, last_login,
		failed_login_attempts, account_locked_until`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (username, email_encrypted, password_hash, role, license_number_encrypted,
		 license_state, is_active, is_approved)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		user.Username, user.EmailEncrypted, user.PasswordHash, user.Role, user.LicenseNumberEncrypted,
		user.LicenseState, user.IsActive, user.IsApproved,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, username))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.EmailEncrypted, &u.PasswordHash, &u.Role,
		&u.LicenseNumberEncrypted, &u.LicenseState, &u.IsActive, &u.IsApproved,
		&u.MFASecretEncrypted, &u.MFAEnabled, &u.CreatedAt, &u.LastLogin,
		&u.FailedLoginAttempts, &u.AccountLockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) RecordFailedLogin(ctx context.Context, id int64, maxAttempts int, lockUntil time.Time) (int, error) {
	query :=
		`UPDATE users SET failed_login_attempts = failed_login_attempts + 1,
		 account_locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE account_locked_until END
		 WHERE id = $1
		 RETURNING failed_login_attempts`

	var n int
	err := r.db.QueryRowContext(ctx, query, id, maxAttempts, lockUntil).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) RecordSuccessfulLogin(ctx context.Context, id int64, at time.Time) error {
	query :=
		`UPDATE users SET failed_login_attempts = 0, account_locked_until = NULL, last_login = $2
		 WHERE id = $1`

	return r.execOne(ctx, query, id, at)
}

func (r *PostgresRepository) SetMFA(ctx context.Context, id int64, secretEncrypted *string, enabled bool) error {
	query := `UPDATE users SET mfa_secret_encrypted = $2, mfa_enabled = $3 WHERE id = $1`
	return r.execOne(ctx, query, id, secretEncrypted, enabled)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
