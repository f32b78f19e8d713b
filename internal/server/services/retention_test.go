package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/filex"
	"github.com/justincihi/cognisync/internal/lockx"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/config"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEraser struct {
	erased bool
	err    error
	paths  []string
}

func (f *fakeEraser) SecureDelete(_ context.Context, path string) (bool, error) {
	f.paths = append(f.paths, path)
	return f.erased, f.err
}

type fakeObjects struct {
	deleted   []string
	put       []string
	deleteErr error
	putErr    error
}

func (f *fakeObjects) Put(_ context.Context, key, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.put = append(f.put, key)
	return nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string) (string, error) {
	return "https://s3.local/" + key, nil
}

func newRetention(env *testEnv, eraser FileEraser, objects ObjectRemover) *RetentionManager {
	cfg := &config.Config{RetentionPeriod: 7 * 365 * 24 * time.Hour, RetentionWorkers: 1}
	r := NewRetentionManager(env.db, env.rm, RetentionDeps{
		Fields:   env.fields,
		Eraser:   eraser,
		Objects:  objects,
		Locker:   lockx.NewKeyedMutex(),
		Audit:    env.trail,
		Notifier: env.notifier,
		Metrics:  env.metrics,
	}, cfg, env.log)
	r.now = env.clock
	return r
}

func (env *testEnv) expiredRecord(t *testing.T, id, path string) *models.TherapySession {
	t.Helper()
	until := testNow.Add(-time.Hour)
	rec := &models.TherapySession{
		SessionID:           id,
		UserID:              3,
		ClientNameEncrypted: *env.encrypt(t, "Client "+id),
		RetentionUntil:      &until,
	}
	if path != "" {
		rec.FilePathEncrypted = env.encrypt(t, path)
	}
	env.rm.sessions.put(rec)
	return rec
}

func TestSetRetentionDate_OnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)
	env.rm.sessions.put(&models.TherapySession{SessionID: "s-1"})

	until, err := r.SetRetentionDate(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(7*365*24*time.Hour), until)

	env.now = testNow.Add(48 * time.Hour)
	again, err := r.SetRetentionDate(context.Background(), "s-1")
	assert.ErrorIs(t, err, common.ErrRetentionAlreadySet)
	assert.Equal(t, until, again)

	assert.Len(t, env.rm.audit.byAction(audit.ActionSetRetention), 1)
}

func TestSetRetentionDate_Missing(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)

	_, err := r.SetRetentionDate(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetExpiredRecords(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)
	env.expiredRecord(t, "old", "")
	future := testNow.Add(time.Hour)
	env.rm.sessions.put(&models.TherapySession{SessionID: "fresh", RetentionUntil: &future})
	env.rm.sessions.put(&models.TherapySession{SessionID: "unset"})

	got, err := r.GetExpiredRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].SessionID)
}

func TestGetExpiredRecords_ReadsEveryPage(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)
	const n = expiredPageSize + 500
	for i := 0; i < n; i++ {
		// Several records share a date so paging must also order by id.
		until := testNow.Add(-time.Duration(i%7+1) * time.Hour)
		env.rm.sessions.put(&models.TherapySession{SessionID: fmt.Sprintf("s-%04d", i), RetentionUntil: &until})
	}

	got, err := r.GetExpiredRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, got, n)
	seen := make(map[string]bool, n)
	for _, rec := range got {
		seen[rec.SessionID] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 2, env.rm.sessions.listCalls)

	st, err := r.GetRetentionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), st.Expired)

	rep, err := r.RunCleanup(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, rep.Candidates, n)
}

func TestDeleteRecord_ErasesFileAndAudits(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext bytes"), 0o600))

	r := newRetention(env, filex.NewEraser(3), nil)
	env.expiredRecord(t, "s-1", path)

	env.mock.ExpectBegin()
	env.expectAuditTx()
	env.mock.ExpectCommit()

	require.NoError(t, r.DeleteRecord(context.Background(), "s-1", models.SystemActor()))
	require.NoError(t, env.mock.ExpectationsWereMet())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.rm.sessions.has("s-1"))

	del := env.rm.audit.byAction(audit.ActionDeleteData)
	require.Len(t, del, 1)
	assert.True(t, del[0].Success)
	assert.Equal(t, common.SystemActorName, del[0].Username)
	assert.Equal(t, int64(common.SystemActorID), *del[0].UserID)
	d, err := env.trail.Details(del[0])
	require.NoError(t, err)
	assert.Equal(t, true, d["permanent_deletion"])
	assert.NotContains(t, d, "file_missing")
}

func TestDeleteRecord_MissingFileStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	objects := &fakeObjects{}
	r := newRetention(env, &fakeEraser{erased: false}, objects)
	rec := env.expiredRecord(t, "s-2", "/uploads/gone.wav")
	key := "sessions/2026/01/01/x.enc"
	rec.ObjectKey = &key

	env.mock.ExpectBegin()
	env.expectAuditTx()
	env.mock.ExpectCommit()

	require.NoError(t, r.DeleteRecord(context.Background(), "s-2", models.SystemActor()))
	assert.False(t, env.rm.sessions.has("s-2"))
	assert.Equal(t, []string{key}, objects.deleted)

	d, err := env.trail.Details(env.rm.audit.byAction(audit.ActionDeleteData)[0])
	require.NoError(t, err)
	assert.Equal(t, true, d["file_missing"])
}

func TestDeleteRecord_EraseFailureKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{err: errors.New("EIO")}, nil)
	env.expiredRecord(t, "s-3", "/uploads/a.wav")

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := r.DeleteRecord(context.Background(), "s-3", models.SystemActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrEraseFailed)
	require.NoError(t, env.mock.ExpectationsWereMet())

	assert.True(t, env.rm.sessions.has("s-3"))
	del := env.rm.audit.byAction(audit.ActionDeleteData)
	require.Len(t, del, 1)
	assert.False(t, del[0].Success)
	d, err := env.trail.Details(del[0])
	require.NoError(t, err)
	assert.Equal(t, "secure_erase", d["stage"])
	assert.Equal(t, 1, env.notifier.count())
}

func TestDeleteRecord_ObjectDeleteFailureKeepsAudio(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext bytes"), 0o600))
	objects := &fakeObjects{deleteErr: errors.New("s3 down")}
	r := newRetention(env, filex.NewEraser(3), objects)
	rec := env.expiredRecord(t, "s-9", path)
	key := "sessions/2026/01/01/y.enc"
	rec.ObjectKey = &key

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := r.DeleteRecord(context.Background(), "s-9", models.SystemActor())
	require.Error(t, err)
	require.NoError(t, env.mock.ExpectationsWereMet())

	assert.True(t, env.rm.sessions.has("s-9"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext bytes"), got)

	del := env.rm.audit.byAction(audit.ActionDeleteData)
	require.Len(t, del, 1)
	assert.False(t, del[0].Success)
	d, err := env.trail.Details(del[0])
	require.NoError(t, err)
	assert.Equal(t, "object_delete", d["stage"])
	assert.Equal(t, false, d["permanent_deletion"])
	assert.Equal(t, 1, env.notifier.count())
}

func TestDeleteRecord_UndecryptablePathKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	eraser := &fakeEraser{erased: true}
	r := newRetention(env, eraser, nil)
	rec := env.expiredRecord(t, "s-4", "")
	garbage := "bm90IGNpcGhlcnRleHQgYXQgYWxs"
	rec.FilePathEncrypted = &garbage

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := r.DeleteRecord(context.Background(), "s-4", models.SystemActor())
	assert.ErrorIs(t, err, common.ErrDecryption)
	assert.Empty(t, eraser.paths)
	assert.True(t, env.rm.sessions.has("s-4"))
	assert.Equal(t, 1, env.notifier.count())
}

func TestDeleteRecord_AuditFailureStillCommits(t *testing.T) {
	env := newTestEnv(t)
	env.rm.audit.insertErr = errBoom{}
	r := newRetention(env, &fakeEraser{erased: true}, nil)
	env.expiredRecord(t, "s-5", "/uploads/b.wav")

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`^SAVEPOINT audit_entry$`).WillReturnResult(sqlmockResult())
	env.mock.ExpectExec(`^ROLLBACK TO SAVEPOINT audit_entry$`).WillReturnResult(sqlmockResult())
	env.mock.ExpectCommit()

	require.NoError(t, r.DeleteRecord(context.Background(), "s-5", models.SystemActor()))
	require.NoError(t, env.mock.ExpectationsWereMet())
	assert.False(t, env.rm.sessions.has("s-5"))
	assert.Equal(t, 1, env.notifier.count())
}

func TestDeleteRecord_NotFound(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	err := r.DeleteRecord(context.Background(), "ghost", models.SystemActor())
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Zero(t, env.notifier.count())
}

func TestRunCleanup_DryRunMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	eraser := &fakeEraser{erased: true}
	r := newRetention(env, eraser, nil)
	env.expiredRecord(t, "a", "/uploads/a.wav")
	env.expiredRecord(t, "b", "/uploads/b.wav")

	rep, err := r.RunCleanup(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Len(t, rep.Candidates, 2)
	assert.Zero(t, rep.Deleted)

	assert.True(t, env.rm.sessions.has("a"))
	assert.True(t, env.rm.sessions.has("b"))
	assert.Empty(t, eraser.paths)
	assert.Empty(t, env.rm.audit.entries)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

type selectiveEraser struct {
	fail string
}

func (s selectiveEraser) SecureDelete(_ context.Context, path string) (bool, error) {
	if path == s.fail {
		return false, errors.New("device busy")
	}
	return true, nil
}

func TestRunCleanup_IndependentFailures(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, selectiveEraser{fail: "/uploads/b.wav"}, nil)
	env.expiredRecord(t, "a", "/uploads/a.wav")
	env.expiredRecord(t, "b", "/uploads/b.wav")
	env.expiredRecord(t, "c", "/uploads/c.wav")

	// One worker: records are processed in session id order.
	env.mock.ExpectBegin()
	env.expectAuditTx()
	env.mock.ExpectCommit()
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.expectAuditTx()
	env.mock.ExpectCommit()

	rep, err := r.RunCleanup(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRetentionSweep)
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, 2, rep.Deleted)
	assert.Equal(t, 1, rep.Failed)

	assert.False(t, env.rm.sessions.has("a"))
	assert.True(t, env.rm.sessions.has("b"))
	assert.False(t, env.rm.sessions.has("c"))
	require.NoError(t, env.mock.ExpectationsWereMet())

	sweep := env.rm.audit.byAction(audit.ActionRetentionSweep)
	require.Len(t, sweep, 1)
	assert.False(t, sweep[0].Success)
}

func TestRunCleanup_ListError(t *testing.T) {
	env := newTestEnv(t)
	env.rm.sessions.listErr = errBoom{}
	r := newRetention(env, &fakeEraser{}, nil)

	_, err := r.RunCleanup(context.Background(), false)
	assert.ErrorIs(t, err, common.ErrRetentionSweep)
}

func TestGetRetentionStats(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)
	env.expiredRecord(t, "old", "")
	soon := testNow.Add(10 * 24 * time.Hour)
	env.rm.sessions.put(&models.TherapySession{SessionID: "soon", RetentionUntil: &soon})
	env.rm.sessions.put(&models.TherapySession{SessionID: "unset"})

	st, err := r.GetRetentionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalSessions)
	assert.Equal(t, int64(2), st.WithRetention)
	assert.Equal(t, int64(1), st.Expired)
	assert.Equal(t, int64(1), st.ExpiringSoon)
	assert.InDelta(t, 7.0, st.RetentionYears(), 0.001)
}

func TestRun_DisabledIntervalReturns(t *testing.T) {
	env := newTestEnv(t)
	r := newRetention(env, &fakeEraser{}, nil)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a zero interval")
	}
}
