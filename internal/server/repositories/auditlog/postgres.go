package auditlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, e *models.AuditEntry) error {
	query :=
		`INSERT INTO audit_log (id, timestamp, user_id, username, action, resource_type, resource_id,
		 ip_address, user_agent, success, details_encrypted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Timestamp, e.UserID, e.Username, e.Action, e.ResourceType, e.ResourceID,
		e.IPAddress, e.UserAgent, e.Success, e.DetailsEncrypted)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != nil {
		add("user_id = $%d", *f.ActorID)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT id, timestamp, user_id, username, action, resource_type, resource_id,
		ip_address, user_agent, success, details_encrypted FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.Username, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.IPAddress, &e.UserAgent, &e.Success, &e.DetailsEncrypted); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
