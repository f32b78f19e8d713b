// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/server/migrations"
	"github.com/justincihi/cognisync/internal/server/repositories/auditlog"
	"github.com/justincihi/cognisync/internal/server/repositories/backupcodes"
	"github.com/justincihi/cognisync/internal/server/repositories/sessiontokens"
	"github.com/justincihi/cognisync/internal/server/repositories/therapysessions"
	"github.com/justincihi/cognisync/internal/server/repositories/users"
	"github.com/pressly/goose/v3"
)

type PostgresRepositoryManager struct{}

func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) BackupCodes(db dbx.DBTX) backupcodes.Repository {
	return backupcodes.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) TherapySessions(db dbx.DBTX) therapysessions.Repository {
	return therapysessions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) AuditLog(db dbx.DBTX) auditlog.Repository {
	return auditlog.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) SessionTokens(db dbx.DBTX) sessiontokens.Repository {
	return sessiontokens.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}
