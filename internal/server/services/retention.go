package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/lockx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/alert"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/config"
	"github.com/justincihi/cognisync/internal/server/metrics"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
	"golang.org/x/sync/errgroup"
)

const (
	// expiringSoonWindow is the horizon of RetentionStats.ExpiringSoon.
	expiringSoonWindow = 30 * 24 * time.Hour

	// expiredPageSize is the keyset page size used to list expired records.
	expiredPageSize = 1000
)

// FileEraser removes PHI-bearing files. It reports false if the file was absent.
type FileEraser interface {
	SecureDelete(ctx context.Context, path string) (bool, error)
}

// ObjectRemover deletes a mirrored ciphertext object.
type ObjectRemover interface {
	Delete(ctx context.Context, key string) error
}

// RetentionDeps are the collaborators of RetentionManager. Objects may be
// nil when no object store is configured.
type RetentionDeps struct {
	Fields   *cryptox.FieldCipher
	Eraser   FileEraser
	Objects  ObjectRemover
	Locker   lockx.Locker
	Audit    *AuditTrail
	Notifier alert.Notifier
	Metrics  *metrics.Metrics
}

type RetentionManager struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	deps        RetentionDeps
	period      time.Duration
	workers     int
	log         logging.Logger
	now         func() time.Time
}

func NewRetentionManager(db *sql.DB, m repomanager.RepositoryManager, deps RetentionDeps, cfg *config.Config, log logging.Logger) *RetentionManager {
	workers := cfg.RetentionWorkers
	if workers < 1 {
		workers = 1
	}
	return &RetentionManager{
		db:          db,
		repomanager: m,
		deps:        deps,
		period:      cfg.RetentionPeriod,
		workers:     workers,
		log:         log.With("module", "retention"),
		now:         time.Now,
	}
}

// CleanupReport summarizes one sweep. In dry-run mode only Candidates is set.
type CleanupReport struct {
	DryRun     bool
	Candidates []*models.ExpiredRecord
	Deleted    int
	Failed     int
}

// SetRetentionDate stamps the record with now+period. A date, once set, is
// never moved.
func (r *RetentionManager) SetRetentionDate(ctx context.Context, sessionID string) (time.Time, error) {
	until := r.now().UTC().Add(r.period)
	repo := r.repomanager.TherapySessions(r.db)

	ok, err := repo.SetRetentionUntil(ctx, sessionID, until)
	if err != nil {
		err = fmt.Errorf("error setting retention date: %w", err)
		r.log.Error(ctx, "record left without retention date", "session_id", sessionID, "err", err)
		r.alert(ctx, "therapy record has no retention date", map[string]any{"session_id": sessionID})
		return time.Time{}, err
	}
	if !ok {
		rec, err := repo.GetBySessionID(ctx, sessionID)
		if err != nil {
			return time.Time{}, err
		}
		if rec.RetentionUntil != nil {
			return *rec.RetentionUntil, common.ErrRetentionAlreadySet
		}
		return time.Time{}, common.ErrRetentionAlreadySet
	}

	sys := models.SystemActor()
	_ = r.deps.Audit.LogAction(ctx, AuditRecord{
		Action: audit.ActionSetRetention, ResourceType: audit.ResourceTherapySession, ResourceID: sessionID,
		ActorID: &sys.UserID, ActorName: sys.Username, Success: true,
		Details: map[string]any{"retention_until": until.Format(time.RFC3339)},
	})
	return until, nil
}

// GetExpiredRecords returns every record whose retention date has passed,
// reading the table page by page.
func (r *RetentionManager) GetExpiredRecords(ctx context.Context) ([]*models.ExpiredRecord, error) {
	repo := r.repomanager.TherapySessions(r.db)
	now := r.now().UTC()

	var (
		out   []*models.ExpiredRecord
		after *models.ExpiredRecord
	)
	for {
		page, err := repo.ListExpired(ctx, now, after, expiredPageSize)
		if err != nil {
			return nil, fmt.Errorf("error listing expired records: %w", err)
		}
		out = append(out, page...)
		if len(page) < expiredPageSize {
			return out, nil
		}
		after = page[len(page)-1]
	}
}

// recordLockKey names the lock that serializes deletion with every other
// access to one record.
func recordLockKey(sessionID string) string { return "therapy_session:" + sessionID }

// abortError marks a deletion that must keep the row: its PHI file could
// not be located or erased.
type abortError struct {
	stage string
	err   error
}

func (e *abortError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// DeleteRecord permanently removes one therapy record: the object replica is
// deleted, the audio file securely erased, the row deleted and the
// deletion audited, all under a per-record lock and one transaction. If the
// file cannot be erased the row is kept, a failed audit entry is written and
// an alert is raised; a file that is already gone is not a failure.
func (r *RetentionManager) DeleteRecord(ctx context.Context, sessionID string, actor *models.Actor) error {
	unlock, err := r.deps.Locker.Lock(ctx, recordLockKey(sessionID))
	if err != nil {
		return fmt.Errorf("lock record %s: %w", sessionID, err)
	}
	defer unlock()

	_, actorName := actorFields(actor)
	details := map[string]any{}

	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := r.repomanager.TherapySessions(tx)

		rec, err := repo.GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		details["owner_id"] = rec.UserID
		if rec.RetentionUntil != nil {
			details["retention_until"] = rec.RetentionUntil.UTC().Format(time.RFC3339)
		}

		var path string
		if rec.FilePathEncrypted != nil {
			if path, err = r.deps.Fields.Decrypt(*rec.FilePathEncrypted); err != nil {
				return &abortError{stage: "decrypt_file_path", err: err}
			}
		}

		// The replica is removed before the irreversible local erase.
		if rec.ObjectKey != nil && r.deps.Objects != nil {
			if err := r.deps.Objects.Delete(ctx, *rec.ObjectKey); err != nil {
				return &abortError{stage: "object_delete", err: err}
			}
		}

		if rec.FilePathEncrypted != nil {
			erased, err := r.deps.Eraser.SecureDelete(ctx, path)
			if err != nil {
				r.deps.Metrics.SecureErase.WithLabelValues("failed").Inc()
				return &abortError{stage: "secure_erase", err: fmt.Errorf("%w: %w", common.ErrEraseFailed, err)}
			}
			if erased {
				r.deps.Metrics.SecureErase.WithLabelValues("erased").Inc()
			} else {
				r.deps.Metrics.SecureErase.WithLabelValues("missing").Inc()
				details["file_missing"] = true
				r.log.Warn(ctx, "audio file already absent", "session_id", sessionID)
			}
		}

		if _, err := repo.Delete(ctx, sessionID); err != nil {
			return err
		}

		// A failed audit insert is rolled back to its savepoint and reported;
		// the deletion itself still commits.
		_ = r.deps.Audit.LogDataDeletionTx(ctx, tx, actor, audit.ResourceTherapySession, sessionID, details)
		return nil
	})
	if err == nil {
		r.deps.Metrics.RetentionDeleted.Inc()
		r.log.Info(ctx, "record permanently deleted", "session_id", sessionID, "actor", actorName)
		return nil
	}

	if errors.Is(err, common.ErrorNotFound) {
		return err
	}

	r.deps.Metrics.RetentionFailed.Inc()
	failure := map[string]any{}
	var abort *abortError
	if errors.As(err, &abort) {
		failure["stage"] = abort.stage
	}
	r.log.Error(ctx, "record deletion aborted, row kept", "session_id", sessionID, "err", err)
	_ = r.deps.Audit.LogDataDeletion(ctx, actor, audit.ResourceTherapySession, sessionID, failure, err)
	r.alert(ctx, "therapy record deletion aborted", map[string]any{"session_id": sessionID, "stage": failure["stage"]})
	return fmt.Errorf("delete record %s: %w", sessionID, err)
}

func (r *RetentionManager) alert(ctx context.Context, msg string, fields map[string]any) {
	if err := r.deps.Notifier.Notify(ctx, alert.Alert{
		Severity:  alert.SeverityCritical,
		Component: "retention",
		Message:   msg,
		Fields:    fields,
		At:        r.now(),
	}); err != nil {
		r.log.Error(ctx, "alert delivery failed", "err", err)
	}
}

// RunCleanup deletes every expired record. With dryRun it only reports the
// candidates. Each record is handled independently; failures are joined in
// the returned error, each wrapping common.ErrRetentionSweep.
func (r *RetentionManager) RunCleanup(ctx context.Context, dryRun bool) (*CleanupReport, error) {
	candidates, err := r.GetExpiredRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrRetentionSweep, err)
	}

	report := &CleanupReport{DryRun: dryRun, Candidates: candidates}
	if dryRun {
		r.log.Info(ctx, "retention dry run", "candidates", len(candidates))
		return report, nil
	}

	start := time.Now()
	defer r.deps.Metrics.ObserveSweep(start)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.workers)
	sys := models.SystemActor()

	for _, c := range candidates {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = r.DeleteRecord(ctx, c.SessionID, sys)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("%w: %s: %w", common.ErrRetentionSweep, c.SessionID, err))
				return nil
			}
			report.Deleted++
			return nil
		})
	}
	_ = g.Wait()

	_ = r.deps.Audit.LogAction(ctx, AuditRecord{
		Action: audit.ActionRetentionSweep, ResourceType: audit.ResourceTherapySession,
		ActorID: &sys.UserID, ActorName: sys.Username, Success: report.Failed == 0,
		Details: map[string]any{"candidates": len(candidates), "deleted": report.Deleted, "failed": report.Failed},
	})
	r.log.Info(ctx, "retention sweep finished", "candidates", len(candidates), "deleted", report.Deleted, "failed", report.Failed)

	return report, errors.Join(errs...)
}

func (r *RetentionManager) GetRetentionStats(ctx context.Context) (*models.RetentionStats, error) {
	now := r.now().UTC()
	stats, err := r.repomanager.TherapySessions(r.db).Stats(ctx, now, now.Add(expiringSoonWindow))
	if err != nil {
		return nil, fmt.Errorf("error reading retention stats: %w", err)
	}
	stats.RetentionPeriod = r.period
	return stats, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the sweep.
func (r *RetentionManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunCleanup(ctx, false); err != nil {
				r.log.Error(ctx, "retention sweep had failures", "err", err)
			}
		}
	}
}
