package therapysessions

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

const sessionColumns = `id, session_id, user_id, client_name_encrypted, therapy_type, summary_format,
		file_path_encrypted, file_name_encrypted, file_size, file_sha256, object_key,
		transcript_encrypted, clinical_notes_encrypted, sentiment_analysis_encrypted, patterns_encrypted,
		created_at, updated_at, retention_until`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.TherapySession) (*models.TherapySession, error) {
	query :=
		`INSERT INTO therapy_sessions (session_id, user_id, client_name_encrypted, therapy_type, summary_format,
		 file_path_encrypted, file_name_encrypted, file_size, file_sha256, object_key,
		 transcript_encrypted, clinical_notes_encrypted, sentiment_analysis_encrypted, patterns_encrypted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		s.SessionID, s.UserID, s.ClientNameEncrypted, s.TherapyType, s.SummaryFormat,
		s.FilePathEncrypted, s.FileNameEncrypted, s.FileSize, s.FileSHA256, s.ObjectKey,
		s.TranscriptEncrypted, s.ClinicalNotesEncrypted, s.SentimentAnalysisEncrypted, s.PatternsEncrypted,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.TherapySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM therapy_sessions WHERE session_id = $1`
	return scanSession(r.db.QueryRowContext(ctx, query, sessionID))
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, sessionID string) (*models.TherapySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM therapy_sessions WHERE session_id = $1 FOR UPDATE`
	return scanSession(r.db.QueryRowContext(ctx, query, sessionID))
}

func scanSession(row *sql.Row) (*models.TherapySession, error) {
	s := &models.TherapySession{}
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.ClientNameEncrypted, &s.TherapyType, &s.SummaryFormat,
		&s.FilePathEncrypted, &s.FileNameEncrypted, &s.FileSize, &s.FileSHA256, &s.ObjectKey,
		&s.TranscriptEncrypted, &s.ClinicalNotesEncrypted, &s.SentimentAnalysisEncrypted, &s.PatternsEncrypted,
		&s.CreatedAt, &s.UpdatedAt, &s.RetentionUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) UpdateAnalysis(ctx context.Context, sessionID string, f models.AnalysisFields, at time.Time) error {
	query :=
		`UPDATE therapy_sessions SET
		 transcript_encrypted = COALESCE($2, transcript_encrypted),
		 clinical_notes_encrypted = COALESCE($3, clinical_notes_encrypted),
		 sentiment_analysis_encrypted = COALESCE($4, sentiment_analysis_encrypted),
		 patterns_encrypted = COALESCE($5, patterns_encrypted),
		 updated_at = $6
		 WHERE session_id = $1`

	res, err := r.db.ExecContext(ctx, query, sessionID,
		f.TranscriptEncrypted, f.ClinicalNotesEncrypted, f.SentimentAnalysisEncrypted, f.PatternsEncrypted, at)
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

func (r *PostgresRepository) SetRetentionUntil(ctx context.Context, sessionID string, until time.Time) (bool, error) {
	query :=
		`UPDATE therapy_sessions SET retention_until = $2
		 WHERE session_id = $1 AND retention_until IS NULL`

	res, err := r.db.ExecContext(ctx, query, sessionID, until)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, after *models.ExpiredRecord, limit int) ([]*models.ExpiredRecord, error) {
	query :=
		`SELECT session_id, user_id, retention_until FROM therapy_sessions
		 WHERE retention_until < $1
		   AND (retention_until, session_id) > ($2, $3)
		 ORDER BY retention_until, session_id
		 LIMIT $4`

	var (
		cursorAt time.Time
		cursorID string
	)
	if after != nil {
		cursorAt, cursorID = after.RetentionUntil, after.SessionID
	}

	rows, err := r.db.QueryContext(ctx, query, now, cursorAt, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.ExpiredRecord
	for rows.Next() {
		rec := &models.ExpiredRecord{}
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.RetentionUntil); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM therapy_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Stats(ctx context.Context, now, soon time.Time) (*models.RetentionStats, error) {
	query :=
		`SELECT COUNT(*),
		 COUNT(*) FILTER (WHERE retention_until IS NOT NULL),
		 COUNT(*) FILTER (WHERE retention_until < $1),
		 COUNT(*) FILTER (WHERE retention_until >= $1 AND retention_until < $2)
		 FROM therapy_sessions`

	st := &models.RetentionStats{}
	err := r.db.QueryRowContext(ctx, query, now, soon).
		Scan(&st.TotalSessions, &st.WithRetention, &st.Expired, &st.ExpiringSoon)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return st, nil
}
