package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

var userCols = []string{"id", "username", "email_encrypted", "password_hash", "role", "license_number_encrypted",
	"license_state", "is_active", "is_approved", "mfa_secret_encrypted", "mfa_enabled", "created_at", "last_login",
	"failed_login_attempts", "account_locked_until"}

func TestCreate_Success(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	email := "enc-email"
	state := "CA"

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users\s*\(username,.*VALUES\s*\(\$1,.*\$8\)\s*RETURNING\s+id,\s*created_at$`).
		WithArgs("dr.smith", email, "$2a$hash", models.RoleTherapist, nil, state, true, false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), created))

	u, err := repo.Create(context.Background(), &models.User{
		Username: "dr.smith", EmailEncrypted: &email, PasswordHash: "$2a$hash", Role: models.RoleTherapist,
		LicenseState: &state, IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, created, u.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`INSERT\s+INTO\s+users`).WillReturnError(errors.New("duplicate key"))

	_, err := repo.Create(context.Background(), &models.User{Username: "dr.smith"})
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*duplicate key`), err.Error())
}

func TestGetByUsername_Found(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	locked := created.Add(time.Hour)

	rows := sqlmock.NewRows(userCols).AddRow(int64(7), "dr.smith", nil, "hash", "therapist", nil, nil,
		true, true, "enc-secret", true, created, nil, 2, locked)
	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*username,.*FROM\s+users\s+WHERE\s+username\s*=\s*\$1$`).
		WithArgs("dr.smith").
		WillReturnRows(rows)

	u, err := repo.GetByUsername(context.Background(), "dr.smith")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Nil(t, u.EmailEncrypted)
	require.NotNil(t, u.MFASecretEncrypted)
	assert.Equal(t, "enc-secret", *u.MFASecretEncrypted)
	assert.True(t, u.MFAEnabled)
	assert.Equal(t, 2, u.FailedLoginAttempts)
	require.NotNil(t, u.AccountLockedUntil)
	assert.Equal(t, locked, *u.AccountLockedUntil)
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+id\s*=\s*\$1$`).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 9)
	assert.True(t, errors.Is(err, common.ErrorNotFound))
}

func TestRecordFailedLogin(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	lockUntil := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)^UPDATE\s+users\s+SET\s+failed_login_attempts\s*=\s*failed_login_attempts\s*\+\s*1,.*CASE\s+WHEN.*RETURNING\s+failed_login_attempts$`).
		WithArgs(int64(7), 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(5))

	n, err := repo.RecordFailedLogin(context.Background(), 7, 5, lockUntil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRecordSuccessfulLogin(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)^UPDATE\s+users\s+SET\s+failed_login_attempts\s*=\s*0,\s*account_locked_until\s*=\s*NULL,\s*last_login\s*=\s*\$2\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs(int64(7), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordSuccessfulLogin(context.Background(), 7, at))
}

func TestSetMFA_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+mfa_secret_encrypted`).
		WithArgs(int64(7), nil, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetMFA(context.Background(), 7, nil, false)
	assert.True(t, errors.Is(err, common.ErrorNotFound))
}
