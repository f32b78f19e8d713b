package repomanager

import (
	"context"
	"database/sql"

	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/server/repositories/auditlog"
	"github.com/justincihi/cognisync/internal/server/repositories/backupcodes"
	"github.com/justincihi/cognisync/internal/server/repositories/sessiontokens"
	"github.com/justincihi/cognisync/internal/server/repositories/therapysessions"
	"github.com/justincihi/cognisync/internal/server/repositories/users"
)

// RepositoryManager binds repositories to a DBTX so that services can run
// several of them inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	BackupCodes(db dbx.DBTX) backupcodes.Repository
	TherapySessions(db dbx.DBTX) therapysessions.Repository
	AuditLog(db dbx.DBTX) auditlog.Repository
	SessionTokens(db dbx.DBTX) sessiontokens.Repository
}
