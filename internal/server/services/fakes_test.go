package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"database/sql/driver"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/alert"
	"github.com/justincihi/cognisync/internal/server/metrics"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/repositories/auditlog"
	"github.com/justincihi/cognisync/internal/server/repositories/backupcodes"
	"github.com/justincihi/cognisync/internal/server/repositories/sessiontokens"
	"github.com/justincihi/cognisync/internal/server/repositories/therapysessions"
	"github.com/justincihi/cognisync/internal/server/repositories/users"
	"github.com/stretchr/testify/require"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// --- users ---

type fakeUsersRepo struct {
	mu     sync.Mutex
	byID   map[int64]*models.User
	getErr error
}

func newFakeUsers(us ...*models.User) *fakeUsersRepo {
	r := &fakeUsersRepo{byID: map[int64]*models.User{}}
	for _, u := range us {
		r.byID[u.ID] = u
	}
	return r
}

func (r *fakeUsersRepo) Create(_ context.Context, u *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.ID = int64(len(r.byID) + 1)
	r.byID[u.ID] = u
	return u, nil
}

func (r *fakeUsersRepo) GetByUsername(_ context.Context, name string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, u := range r.byID {
		if u.Username == name {
			c := *u
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *fakeUsersRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	u, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *u
	return &c, nil
}

func (r *fakeUsersRepo) RecordFailedLogin(_ context.Context, id int64, max int, lockUntil time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID[id]
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= max {
		u.AccountLockedUntil = &lockUntil
	}
	return u.FailedLoginAttempts, nil
}

func (r *fakeUsersRepo) RecordSuccessfulLogin(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID[id]
	u.FailedLoginAttempts = 0
	u.AccountLockedUntil = nil
	u.LastLogin = &at
	return nil
}

func (r *fakeUsersRepo) SetMFA(_ context.Context, id int64, secret *string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID[id]
	u.MFASecretEncrypted = secret
	u.MFAEnabled = enabled
	return nil
}

// --- backup codes ---

type fakeBackupCodesRepo struct {
	mu    sync.Mutex
	codes map[int64]map[string]*time.Time
}

func (r *fakeBackupCodesRepo) Replace(_ context.Context, userID int64, hashes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := map[string]*time.Time{}
	for _, h := range hashes {
		m[h] = nil
	}
	r.codes[userID] = m
	return nil
}

func (r *fakeBackupCodesRepo) Consume(_ context.Context, userID int64, hash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	used, ok := r.codes[userID][hash]
	if !ok || used != nil {
		return false, nil
	}
	r.codes[userID][hash] = &at
	return true, nil
}

func (r *fakeBackupCodesRepo) Remaining(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, used := range r.codes[userID] {
		if used == nil {
			n++
		}
	}
	return n, nil
}

// --- therapy sessions ---

type fakeTherapyRepo struct {
	mu        sync.Mutex
	rows      map[string]*models.TherapySession
	createErr error
	deleteErr error
	updateErr error
	listErr   error
	setErr    error
	listCalls int
}

func newFakeTherapy() *fakeTherapyRepo {
	return &fakeTherapyRepo{rows: map[string]*models.TherapySession{}}
}

func (r *fakeTherapyRepo) put(s *models.TherapySession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.SessionID] = s
}

func (r *fakeTherapyRepo) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok
}

func (r *fakeTherapyRepo) Create(_ context.Context, s *models.TherapySession) (*models.TherapySession, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = int64(len(r.rows) + 1)
	r.rows[s.SessionID] = s
	c := *s
	return &c, nil
}

func (r *fakeTherapyRepo) GetBySessionID(_ context.Context, id string) (*models.TherapySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *s
	return &c, nil
}

func (r *fakeTherapyRepo) GetForUpdate(ctx context.Context, id string) (*models.TherapySession, error) {
	return r.GetBySessionID(ctx, id)
}

func (r *fakeTherapyRepo) UpdateAnalysis(_ context.Context, id string, f models.AnalysisFields, at time.Time) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	if f.TranscriptEncrypted != nil {
		s.TranscriptEncrypted = f.TranscriptEncrypted
	}
	if f.ClinicalNotesEncrypted != nil {
		s.ClinicalNotesEncrypted = f.ClinicalNotesEncrypted
	}
	if f.SentimentAnalysisEncrypted != nil {
		s.SentimentAnalysisEncrypted = f.SentimentAnalysisEncrypted
	}
	if f.PatternsEncrypted != nil {
		s.PatternsEncrypted = f.PatternsEncrypted
	}
	s.UpdatedAt = at
	return nil
}

func (r *fakeTherapyRepo) SetRetentionUntil(_ context.Context, id string, until time.Time) (bool, error) {
	if r.setErr != nil {
		return false, r.setErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.RetentionUntil != nil {
		return false, nil
	}
	s.RetentionUntil = &until
	return true, nil
}

func (r *fakeTherapyRepo) ListExpired(_ context.Context, now time.Time, after *models.ExpiredRecord, limit int) ([]*models.ExpiredRecord, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExpiredRecord
	for _, s := range r.rows {
		if s.RetentionUntil != nil && s.RetentionUntil.Before(now) {
			out = append(out, &models.ExpiredRecord{SessionID: s.SessionID, UserID: s.UserID, RetentionUntil: *s.RetentionUntil})
		}
	}
	less := func(a, b *models.ExpiredRecord) bool {
		if !a.RetentionUntil.Equal(b.RetentionUntil) {
			return a.RetentionUntil.Before(b.RetentionUntil)
		}
		return a.SessionID < b.SessionID
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if after != nil {
		i := sort.Search(len(out), func(i int) bool { return less(after, out[i]) })
		out = out[i:]
	}
	r.listCalls++
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeTherapyRepo) Delete(_ context.Context, id string) (bool, error) {
	if r.deleteErr != nil {
		return false, r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	delete(r.rows, id)
	return ok, nil
}

func (r *fakeTherapyRepo) Stats(_ context.Context, now, soon time.Time) (*models.RetentionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &models.RetentionStats{TotalSessions: int64(len(r.rows))}
	for _, s := range r.rows {
		if s.RetentionUntil == nil {
			continue
		}
		st.WithRetention++
		if s.RetentionUntil.Before(now) {
			st.Expired++
		} else if s.RetentionUntil.Before(soon) {
			st.ExpiringSoon++
		}
	}
	return st, nil
}

// --- audit log ---

type fakeAuditRepo struct {
	mu        sync.Mutex
	entries   []*models.AuditEntry
	insertErr error
	lastQuery models.AuditFilter
}

func (r *fakeAuditRepo) Insert(_ context.Context, e *models.AuditEntry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeAuditRepo) Query(_ context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQuery = f
	out := make([]*models.AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out, nil
}

func (r *fakeAuditRepo) byAction(action string) []*models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// --- session tokens ---

type fakeTokensRepo struct {
	mu     sync.Mutex
	byHash map[string]*models.SessionToken
}

func (r *fakeTokensRepo) Create(_ context.Context, t *models.SessionToken) (*models.SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = int64(len(r.byHash) + 1)
	t.IsValid = true
	c := *t
	r.byHash[t.TokenHash] = &c
	return t, nil
}

func (r *fakeTokensRepo) GetByHash(_ context.Context, hash string) (*models.SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[hash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *t
	return &c, nil
}

func (r *fakeTokensRepo) Touch(_ context.Context, hash string, now, threshold time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[hash]
	if !ok || !t.IsValid || !t.ExpiresAt.After(now) || t.LastActivity == nil || t.LastActivity.Before(threshold) {
		return false, nil
	}
	n := now
	t.LastActivity = &n
	return true, nil
}

func (r *fakeTokensRepo) Invalidate(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byHash[hash]; ok {
		t.IsValid = false
	}
	return nil
}

func (r *fakeTokensRepo) InvalidateIdle(_ context.Context, threshold time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.byHash {
		if t.IsValid && (t.LastActivity == nil || t.LastActivity.Before(threshold)) {
			t.IsValid = false
			n++
		}
	}
	return n, nil
}

func (r *fakeTokensRepo) InvalidateForUser(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.byHash {
		if t.UserID == userID && t.IsValid {
			t.IsValid = false
			n++
		}
	}
	return n, nil
}

// --- manager ---

type fakeRepoManager struct {
	users    *fakeUsersRepo
	codes    *fakeBackupCodesRepo
	sessions *fakeTherapyRepo
	audit    *fakeAuditRepo
	tokens   *fakeTokensRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error        { return nil }
func (m *fakeRepoManager) Users(dbx.DBTX) users.Repository                     { return m.users }
func (m *fakeRepoManager) BackupCodes(dbx.DBTX) backupcodes.Repository         { return m.codes }
func (m *fakeRepoManager) TherapySessions(dbx.DBTX) therapysessions.Repository { return m.sessions }
func (m *fakeRepoManager) AuditLog(dbx.DBTX) auditlog.Repository               { return m.audit }
func (m *fakeRepoManager) SessionTokens(dbx.DBTX) sessiontokens.Repository     { return m.tokens }

// --- notifier ---

type recordingNotifier struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

// --- environment ---

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	rm       *fakeRepoManager
	fields   *cryptox.FieldCipher
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	trail    *AuditTrail
	log      logging.Logger
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key := make([]byte, cryptox.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	fields, err := cryptox.NewFieldCipher(key)
	require.NoError(t, err)

	env := &testEnv{
		db:   db,
		mock: mock,
		rm: &fakeRepoManager{
			users:    newFakeUsers(),
			codes:    &fakeBackupCodesRepo{codes: map[int64]map[string]*time.Time{}},
			sessions: newFakeTherapy(),
			audit:    &fakeAuditRepo{},
			tokens:   &fakeTokensRepo{byHash: map[string]*models.SessionToken{}},
		},
		fields:   fields,
		metrics:  metrics.New(),
		notifier: &recordingNotifier{},
		log:      logging.NewNop(),
		now:      testNow,
	}
	env.trail = NewAuditTrail(db, env.rm, fields, env.notifier, env.metrics, env.log)
	env.trail.now = env.clock
	return env
}

func (e *testEnv) clock() time.Time { return e.now }

func (e *testEnv) encrypt(t *testing.T, s string) *string {
	t.Helper()
	enc, err := e.fields.EncryptString(s)
	require.NoError(t, err)
	return &enc
}

// expectAuditTx registers the statements LogActionTx issues inside a transaction.
func (e *testEnv) expectAuditTx() {
	e.mock.ExpectExec(`^SAVEPOINT audit_entry$`).WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectExec(`^RELEASE SAVEPOINT audit_entry$`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func sqlmockResult() driver.Result { return sqlmock.NewResult(0, 0) }
