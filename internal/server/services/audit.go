// Package services contains the server-side PHI protection logic: the
// audit trail, retention, MFA and session guard, and the record service
// that ties them together.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/ids"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/alert"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/metrics"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
)

// AuditRecord is one event to append to the audit trail. Details must not
// hold anything a reader of the raw table may not see in clear; they are
// stored encrypted anyway.
type AuditRecord struct {
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      *int64
	ActorName    string
	Success      bool
	Details      map[string]any
}

// AuditTrail appends entries to the audit log. A failed write is reported
// (log, metric, alert) and returned wrapped in common.ErrAuditWrite; callers
// are expected to carry on with their primary operation.
type AuditTrail struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cipher      *cryptox.FieldCipher
	notifier    alert.Notifier
	metrics     *metrics.Metrics
	log         logging.Logger
	now         func() time.Time
}

func NewAuditTrail(db *sql.DB, m repomanager.RepositoryManager, cipher *cryptox.FieldCipher,
	notifier alert.Notifier, mx *metrics.Metrics, log logging.Logger) *AuditTrail {
	return &AuditTrail{
		db:          db,
		repomanager: m,
		cipher:      cipher,
		notifier:    notifier,
		metrics:     mx,
		log:         log.With("module", "audit"),
		now:         time.Now,
	}
}

func (a *AuditTrail) LogAction(ctx context.Context, rec AuditRecord) error {
	e, err := a.entry(ctx, rec)
	if err == nil {
		err = a.repomanager.AuditLog(a.db).Insert(ctx, e)
	}
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	a.metrics.AuditWrites.WithLabelValues(rec.Action).Inc()
	return nil
}

// LogActionTx writes the entry inside tx behind a savepoint, so a failed
// insert leaves the surrounding transaction usable.
func (a *AuditTrail) LogActionTx(ctx context.Context, tx dbx.DBTX, rec AuditRecord) error {
	e, err := a.entry(ctx, rec)
	if err == nil {
		err = dbx.WithSavepoint(ctx, tx, "audit_entry", func(ctx context.Context) error {
			return a.repomanager.AuditLog(tx).Insert(ctx, e)
		})
	}
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	a.metrics.AuditWrites.WithLabelValues(rec.Action).Inc()
	return nil
}

func (a *AuditTrail) entry(ctx context.Context, rec AuditRecord) (*models.AuditEntry, error) {
	ts := a.now().UTC()
	meta := audit.RequestMetaFromContext(ctx)

	e := &models.AuditEntry{
		ID:           ids.NewAt(ts),
		Timestamp:    ts,
		UserID:       rec.ActorID,
		Username:     rec.ActorName,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   optional(rec.ResourceID),
		IPAddress:    optional(meta.IPAddress),
		UserAgent:    optional(meta.UserAgent),
		Success:      rec.Success,
	}
	if len(rec.Details) > 0 {
		enc, err := a.cipher.EncryptJSON(rec.Details)
		if err != nil {
			return nil, err
		}
		e.DetailsEncrypted = &enc
	}
	return e, nil
}

func (a *AuditTrail) fail(ctx context.Context, rec AuditRecord, cause error) error {
	a.metrics.AuditWriteFailures.Inc()
	a.log.Error(ctx, "audit write failed", "action", rec.Action, "resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID, "success", rec.Success, "err", cause)

	if err := a.notifier.Notify(ctx, alert.Alert{
		Severity:  alert.SeverityCritical,
		Component: "audit",
		Message:   "audit trail entry could not be persisted",
		Fields:    map[string]any{"action": rec.Action, "resource_type": rec.ResourceType, "resource_id": rec.ResourceID},
		At:        a.now(),
	}); err != nil {
		a.log.Error(ctx, "alert delivery failed", "err", err)
	}
	return fmt.Errorf("%w: %v", common.ErrAuditWrite, cause)
}

func actorFields(actor *models.Actor) (*int64, string) {
	if actor == nil {
		return nil, ""
	}
	id := actor.UserID
	return &id, actor.Username
}

func (a *AuditTrail) LogPHIAccess(ctx context.Context, actor *models.Actor, sessionID string, kind audit.PHIAccess, success bool) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown PHI access kind %q", kind)
	}
	id, name := actorFields(actor)
	return a.LogAction(ctx, AuditRecord{
		Action: kind.Action(), ResourceType: audit.ResourceTherapySession, ResourceID: sessionID,
		ActorID: id, ActorName: name, Success: success,
	})
}

// LogLogin records a login attempt. actorID is nil when the username is unknown.
func (a *AuditTrail) LogLogin(ctx context.Context, username string, actorID *int64, success bool, reason string) error {
	rec := AuditRecord{
		Action: audit.ActionLogin, ResourceType: audit.ResourceAuth,
		ActorID: actorID, ActorName: username, Success: success,
	}
	if reason != "" {
		rec.Details = map[string]any{"reason": reason}
	}
	return a.LogAction(ctx, rec)
}

func (a *AuditTrail) LogLogout(ctx context.Context, actor *models.Actor) error {
	id, name := actorFields(actor)
	return a.LogAction(ctx, AuditRecord{
		Action: audit.ActionLogout, ResourceType: audit.ResourceAuth,
		ActorID: id, ActorName: name, Success: true,
	})
}

func (a *AuditTrail) LogDataExport(ctx context.Context, actor *models.Actor, sessionID, format string) error {
	id, name := actorFields(actor)
	return a.LogAction(ctx, AuditRecord{
		Action: audit.ActionExportData, ResourceType: audit.ResourceTherapySession, ResourceID: sessionID,
		ActorID: id, ActorName: name, Success: true,
		Details: map[string]any{"format": format},
	})
}

// deletionRecord builds a delete_data entry. A nil cause marks a completed
// permanent deletion; otherwise the entry records the failure.
func deletionRecord(actor *models.Actor, resourceType, resourceID string, details map[string]any, cause error) AuditRecord {
	id, name := actorFields(actor)
	d := make(map[string]any, len(details)+2)
	for k, v := range details {
		d[k] = v
	}
	d["permanent_deletion"] = cause == nil
	if cause != nil {
		d["error"] = cause.Error()
	}
	return AuditRecord{
		Action: audit.ActionDeleteData, ResourceType: resourceType, ResourceID: resourceID,
		ActorID: id, ActorName: name, Success: cause == nil, Details: d,
	}
}

// LogDataDeletion records a permanent deletion, or with a non-nil cause an
// attempt that left the resource in place.
func (a *AuditTrail) LogDataDeletion(ctx context.Context, actor *models.Actor, resourceType, resourceID string, details map[string]any, cause error) error {
	return a.LogAction(ctx, deletionRecord(actor, resourceType, resourceID, details, cause))
}

// LogDataDeletionTx is LogDataDeletion inside the deleting transaction.
func (a *AuditTrail) LogDataDeletionTx(ctx context.Context, tx dbx.DBTX, actor *models.Actor, resourceType, resourceID string, details map[string]any) error {
	return a.LogActionTx(ctx, tx, deletionRecord(actor, resourceType, resourceID, details, nil))
}

// GetAuditTrail returns matching entries newest first. Details stay
// encrypted; use Details to open them.
func (a *AuditTrail) GetAuditTrail(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	entries, err := a.repomanager.AuditLog(a.db).Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("error querying audit trail: %w", err)
	}
	return entries, nil
}

func (a *AuditTrail) Details(e *models.AuditEntry) (map[string]any, error) {
	if e.DetailsEncrypted == nil {
		return nil, nil
	}
	var out map[string]any
	if err := a.cipher.DecryptJSON(*e.DetailsEncrypted, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
