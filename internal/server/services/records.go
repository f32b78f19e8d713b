package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/filex"
	"github.com/justincihi/cognisync/internal/lockx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/objectstore"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
)

// ObjectStore mirrors encrypted audio.
type ObjectStore interface {
	Put(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// SessionChecker re-validates an actor's session.
type SessionChecker interface {
	Recheck(ctx context.Context, actor *models.Actor) error
}

// NewRecord is a freshly uploaded therapy session. AudioPath, when set, is
// a plaintext file inside the upload directory; it is encrypted in place.
type NewRecord struct {
	SessionID     string
	ClientName    string
	TherapyType   *string
	SummaryFormat *string
	AudioPath     string
	FileName      string
}

// Analysis holds transcription and analysis results in clear.
type Analysis struct {
	Transcript        *string
	ClinicalNotes     *string
	SentimentAnalysis *string
	Patterns          *string
}

// Record is a therapy session with its PHI decrypted.
type Record struct {
	SessionID      string
	UserID         int64
	ClientName     string
	TherapyType    *string
	SummaryFormat  *string
	FileName       *string
	FileSize       *int64
	FileSHA256     *string
	Analysis       Analysis
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RetentionUntil *time.Time
	AudioURL       string
}

// RecordDeps are the collaborators of RecordService. Objects may be nil.
type RecordDeps struct {
	Fields    *cryptox.FieldCipher
	Files     *cryptox.FileCipher
	Eraser    FileEraser
	Objects   ObjectStore
	Sessions  SessionChecker
	Audit     *AuditTrail
	Retention *RetentionManager
	// Locker must be the one given to Retention so reads never observe a
	// record halfway through deletion.
	Locker lockx.Locker
}

// RecordService is the entry point for every read or write of a therapy
// record. It re-checks the session, enforces ownership and audits each
// access; callers only ever see common.ErrPHIUnavailable when protected
// data cannot be returned.
type RecordService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	deps        RecordDeps
	log         logging.Logger
	now         func() time.Time
}

func NewRecordService(db *sql.DB, m repomanager.RepositoryManager, deps RecordDeps, log logging.Logger) *RecordService {
	return &RecordService{
		db:          db,
		repomanager: m,
		deps:        deps,
		log:         log.With("module", "records"),
		now:         time.Now,
	}
}

// Ingest stores a new record. The audio is hashed, encrypted in place and
// optionally mirrored; PHI fields are encrypted before insert.
func (s *RecordService) Ingest(ctx context.Context, actor *models.Actor, in NewRecord) (*models.TherapySession, error) {
	if err := s.deps.Sessions.Recheck(ctx, actor); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	f := s.deps.Fields

	row := &models.TherapySession{
		SessionID:     in.SessionID,
		UserID:        actor.UserID,
		TherapyType:   in.TherapyType,
		SummaryFormat: in.SummaryFormat,
	}
	var err error
	if row.ClientNameEncrypted, err = f.EncryptString(in.ClientName); err != nil {
		return nil, err
	}

	if in.AudioPath != "" {
		if err := s.protectAudio(ctx, in, row); err != nil {
			return nil, err
		}
	}

	created, err := s.repomanager.TherapySessions(s.db).Create(ctx, row)
	if err != nil {
		s.log.Error(ctx, "error storing record", "session_id", in.SessionID, "err", err)
		s.discardAudio(ctx, in.AudioPath, row.ObjectKey)
		return nil, fmt.Errorf("error creating record: %w", err)
	}

	if until, err := s.deps.Retention.SetRetentionDate(ctx, created.SessionID); err == nil {
		created.RetentionUntil = &until
	} else {
		s.log.Error(ctx, "error setting retention date", "session_id", created.SessionID, "err", err)
	}

	id, name := actorFields(actor)
	_ = s.deps.Audit.LogAction(ctx, AuditRecord{
		Action: audit.ActionCreateSession, ResourceType: audit.ResourceTherapySession, ResourceID: created.SessionID,
		ActorID: id, ActorName: name, Success: true,
		Details: map[string]any{"has_audio": in.AudioPath != ""},
	})
	return created, nil
}

func (s *RecordService) protectAudio(ctx context.Context, in NewRecord, row *models.TherapySession) error {
	info, err := os.Stat(in.AudioPath)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFileIO, err)
	}
	sum, err := filex.HashFile(in.AudioPath)
	if err != nil {
		return err
	}
	if err := s.deps.Files.EncryptAndReplace(ctx, in.AudioPath); err != nil {
		return err
	}

	size := info.Size()
	row.FileSize = &size
	row.FileSHA256 = &sum

	name := in.FileName
	if name == "" {
		name = filepath.Base(in.AudioPath)
	}
	f := s.deps.Fields
	if row.FilePathEncrypted, err = f.EncryptNullable(&in.AudioPath); err != nil {
		return err
	}
	if row.FileNameEncrypted, err = f.EncryptNullable(&name); err != nil {
		return err
	}

	if s.deps.Objects != nil {
		key := objectstore.NewKey(s.now())
		if err := s.deps.Objects.Put(ctx, key, in.AudioPath); err != nil {
			s.log.Warn(ctx, "audio mirror upload failed", "session_id", in.SessionID, "err", err)
		} else {
			row.ObjectKey = &key
		}
	}
	return nil
}

// discardAudio removes the protected copies of an upload whose row could
// not be stored.
func (s *RecordService) discardAudio(ctx context.Context, path string, key *string) {
	if path != "" {
		if _, err := s.deps.Eraser.SecureDelete(ctx, path); err != nil {
			s.log.Error(ctx, "error erasing orphaned audio", "err", err)
		}
	}
	if key != nil && s.deps.Objects != nil {
		if err := s.deps.Objects.Delete(ctx, *key); err != nil {
			s.log.Error(ctx, "error deleting orphaned object", "key", *key, "err", err)
		}
	}
}

// lock takes the per-record lock shared with deletion. A failure to get it
// is audited against kind like any other unavailable record.
func (s *RecordService) lock(ctx context.Context, actor *models.Actor, sessionID string, kind audit.PHIAccess) (func(), error) {
	unlock, err := s.deps.Locker.Lock(ctx, recordLockKey(sessionID))
	if err != nil {
		s.log.Error(ctx, "error locking record", "session_id", sessionID, "err", err)
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, kind, false)
		return nil, common.ErrPHIUnavailable
	}
	return unlock, nil
}

// load fetches a record the actor may access. Every failure, including
// absence, is audited against kind and reported as ErrPHIUnavailable.
func (s *RecordService) load(ctx context.Context, actor *models.Actor, sessionID string, kind audit.PHIAccess) (*models.TherapySession, error) {
	if err := s.deps.Sessions.Recheck(ctx, actor); err != nil {
		return nil, err
	}
	rec, err := s.repomanager.TherapySessions(s.db).GetBySessionID(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.log.Error(ctx, "error loading record", "session_id", sessionID, "err", err)
		}
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, kind, false)
		return nil, common.ErrPHIUnavailable
	}
	if rec.UserID != actor.UserID && !actor.IsAdmin() {
		s.log.Warn(ctx, "record access denied", "session_id", sessionID, "user_id", actor.UserID)
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, kind, false)
		return nil, common.ErrPHIUnavailable
	}
	return rec, nil
}

func (s *RecordService) Get(ctx context.Context, actor *models.Actor, sessionID string) (*Record, error) {
	unlock, err := s.lock(ctx, actor, sessionID, audit.PHIView)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.load(ctx, actor, sessionID, audit.PHIView)
	if err != nil {
		return nil, err
	}

	out, err := s.decrypt(rec)
	if err != nil {
		s.log.Error(ctx, "record decryption failed", "session_id", sessionID, "err", err)
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIView, false)
		return nil, common.ErrPHIUnavailable
	}

	if rec.ObjectKey != nil && s.deps.Objects != nil {
		if url, err := s.deps.Objects.PresignGet(ctx, *rec.ObjectKey); err == nil {
			out.AudioURL = url
		} else {
			s.log.Warn(ctx, "presign failed", "session_id", sessionID, "err", err)
		}
	}

	_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIView, true)
	return out, nil
}

func (s *RecordService) decrypt(rec *models.TherapySession) (*Record, error) {
	f := s.deps.Fields
	out := &Record{
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		TherapyType:    rec.TherapyType,
		SummaryFormat:  rec.SummaryFormat,
		FileSize:       rec.FileSize,
		FileSHA256:     rec.FileSHA256,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		RetentionUntil: rec.RetentionUntil,
	}
	var err error
	if out.ClientName, err = f.Decrypt(rec.ClientNameEncrypted); err != nil {
		return nil, err
	}
	for _, p := range []struct {
		dst **string
		src *string
	}{
		{&out.FileName, rec.FileNameEncrypted},
		{&out.Analysis.Transcript, rec.TranscriptEncrypted},
		{&out.Analysis.ClinicalNotes, rec.ClinicalNotesEncrypted},
		{&out.Analysis.SentimentAnalysis, rec.SentimentAnalysisEncrypted},
		{&out.Analysis.Patterns, rec.PatternsEncrypted},
	} {
		if *p.dst, err = f.DecryptNullable(p.src); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateAnalysis encrypts and stores the non-nil analysis fields.
func (s *RecordService) UpdateAnalysis(ctx context.Context, actor *models.Actor, sessionID string, a Analysis) error {
	unlock, err := s.lock(ctx, actor, sessionID, audit.PHIEdit)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.load(ctx, actor, sessionID, audit.PHIEdit); err != nil {
		return err
	}

	f := s.deps.Fields
	var enc models.AnalysisFields
	for _, p := range []struct {
		dst **string
		src *string
	}{
		{&enc.TranscriptEncrypted, a.Transcript},
		{&enc.ClinicalNotesEncrypted, a.ClinicalNotes},
		{&enc.SentimentAnalysisEncrypted, a.SentimentAnalysis},
		{&enc.PatternsEncrypted, a.Patterns},
	} {
		if *p.dst, err = f.EncryptNullable(p.src); err != nil {
			return err
		}
	}

	if err := s.repomanager.TherapySessions(s.db).UpdateAnalysis(ctx, sessionID, enc, s.now().UTC()); err != nil {
		s.log.Error(ctx, "error storing analysis", "session_id", sessionID, "err", err)
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIEdit, false)
		return common.ErrPHIUnavailable
	}
	_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIEdit, true)
	return nil
}

// ExportAudio decrypts the session audio to dst and returns the written path.
// The caller owns dst and must hand it to the eraser when done.
func (s *RecordService) ExportAudio(ctx context.Context, actor *models.Actor, sessionID, dst string) (string, error) {
	unlock, err := s.lock(ctx, actor, sessionID, audit.PHIExport)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := s.load(ctx, actor, sessionID, audit.PHIExport)
	if err != nil {
		return "", err
	}
	fail := func(msg string, err error) (string, error) {
		s.log.Error(ctx, msg, "session_id", sessionID, "err", err)
		_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIExport, false)
		return "", common.ErrPHIUnavailable
	}

	if rec.FilePathEncrypted == nil {
		return fail("record has no audio", common.ErrorNotFound)
	}
	path, err := s.deps.Fields.Decrypt(*rec.FilePathEncrypted)
	if err != nil {
		return fail("audio path decryption failed", err)
	}
	out, err := s.deps.Files.DecryptFile(ctx, path, dst)
	if err != nil {
		return fail("audio decryption failed", err)
	}
	// CBC padding alone does not catch every wrong key.
	if rec.FileSHA256 != nil {
		sum, err := filex.HashFile(out)
		if err == nil && sum != *rec.FileSHA256 {
			err = fmt.Errorf("plaintext hash mismatch: %w", common.ErrDecryption)
		}
		if err != nil {
			s.discardAudio(ctx, out, nil)
			return fail("audio integrity check failed", err)
		}
	}

	_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIExport, true)
	_ = s.deps.Audit.LogDataExport(ctx, actor, sessionID, "audio")
	return out, nil
}

// Delete permanently removes the record on the actor's request.
func (s *RecordService) Delete(ctx context.Context, actor *models.Actor, sessionID string) error {
	if _, err := s.load(ctx, actor, sessionID, audit.PHIDelete); err != nil {
		return err
	}
	if err := s.deps.Retention.DeleteRecord(ctx, sessionID, actor); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrPHIUnavailable
		}
		return err
	}
	_ = s.deps.Audit.LogPHIAccess(ctx, actor, sessionID, audit.PHIDelete, true)
	return nil
}
