package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/auth"
	"github.com/justincihi/cognisync/internal/server/config"
	"github.com/justincihi/cognisync/internal/server/metrics"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Login failure reasons recorded in the audit trail.
const (
	reasonRateLimited     = "rate_limited"
	reasonUnknownUser     = "unknown_user"
	reasonLocked          = "account_locked"
	reasonInactive        = "account_inactive"
	reasonNotApproved     = "account_not_approved"
	reasonInvalidPassword = "invalid_password"
	reasonMFAFailed       = "mfa_failed"
)

type LoginRequest struct {
	Username   string
	Password   string
	OTP        string
	BackupCode string
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Actor     *models.Actor
}

// SessionGuard authenticates users, issues session tokens and enforces the
// inactivity timeout. A session idle for longer than the timeout is expired
// both lazily (on use) and by the periodic sweep; both use the same
// threshold, now minus the timeout.
type SessionGuard struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	mfa         *MFA
	audit       *AuditTrail
	metrics     *metrics.Metrics
	log         logging.Logger
	now         func() time.Time

	secret      []byte
	timeout     time.Duration
	maxLifetime time.Duration
	maxFailed   int
	lockout     time.Duration

	limitPerMin int
	maxLimiters int
	limitersMu  sync.Mutex
	limiters    map[string]*loginLimiter
	overflow    *rate.Limiter

	dummyOnce sync.Once
	dummyHash []byte
}

func NewSessionGuard(db *sql.DB, m repomanager.RepositoryManager, mfa *MFA, trail *AuditTrail,
	mx *metrics.Metrics, cfg *config.Config, log logging.Logger) *SessionGuard {
	return &SessionGuard{
		db:          db,
		repomanager: m,
		mfa:         mfa,
		audit:       trail,
		metrics:     mx,
		log:         log.With("module", "session_guard"),
		now:         time.Now,
		secret:      []byte(cfg.SecretKey),
		timeout:     cfg.SessionTimeout,
		maxLifetime: cfg.SessionMaxLifetime,
		maxFailed:   cfg.MaxFailedLogins,
		lockout:     cfg.LockoutDuration,
		limitPerMin: cfg.LoginRatePerMin,
		maxLimiters: defaultMaxLimiters,
		limiters:    make(map[string]*loginLimiter),
		overflow:    newLoginRate(cfg.LoginRatePerMin),
	}
}

func (g *SessionGuard) threshold(now time.Time) time.Time { return now.Add(-g.timeout) }

// IsExpired reports whether a session last active at lastActivity has
// timed out. A session with no recorded activity is expired.
func (g *SessionGuard) IsExpired(lastActivity *time.Time) bool {
	if lastActivity == nil {
		return true
	}
	return lastActivity.Before(g.threshold(g.now()))
}

// RemainingTime is the time left before the session times out, 0 if it has.
func (g *SessionGuard) RemainingTime(lastActivity *time.Time) time.Duration {
	if lastActivity == nil {
		return 0
	}
	left := lastActivity.Add(g.timeout).Sub(g.now())
	if left < 0 {
		return 0
	}
	return left
}

// UpdateActivity refreshes the session unless it already timed out. It
// reports whether the session is still alive.
func (g *SessionGuard) UpdateActivity(ctx context.Context, tokenHash string) (bool, error) {
	now := g.now().UTC()
	ok, err := g.repomanager.SessionTokens(g.db).Touch(ctx, tokenHash, now, g.threshold(now))
	if err != nil {
		return false, fmt.Errorf("error updating session activity: %w", err)
	}
	return ok, nil
}

// InvalidateExpiredSessions invalidates every session idle past the timeout.
func (g *SessionGuard) InvalidateExpiredSessions(ctx context.Context) (int64, error) {
	n, err := g.repomanager.SessionTokens(g.db).InvalidateIdle(ctx, g.threshold(g.now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("error invalidating idle sessions: %w", err)
	}
	if n > 0 {
		g.metrics.SessionsInvalidated.Add(float64(n))
		sys := models.SystemActor()
		_ = g.audit.LogAction(ctx, AuditRecord{
			Action: audit.ActionSessionsExpired, ResourceType: audit.ResourceSessionToken,
			ActorID: &sys.UserID, ActorName: sys.Username, Success: true,
			Details: map[string]any{"count": n, "timeout_minutes": g.timeout.Minutes()},
		})
		g.log.Info(ctx, "idle sessions invalidated", "count", n)
	}
	return n, nil
}

// Run sweeps idle sessions every interval until ctx is done.
func (g *SessionGuard) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := g.InvalidateExpiredSessions(ctx); err != nil {
				g.log.Error(ctx, "session sweep failed", "err", err)
			}
			g.pruneLimiters()
		}
	}
}

const (
	// defaultMaxLimiters bounds the per-username limiter table.
	defaultMaxLimiters = 10000

	// limiterIdle is how long an untouched limiter is kept. A bucket idle
	// for a full refill period is indistinguishable from a new one.
	limiterIdle = time.Minute
)

type loginLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLoginRate(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
}

// limiter returns the bucket for username. When the table is full even
// after pruning, unseen usernames share one overflow bucket.
func (g *SessionGuard) limiter(username string) *rate.Limiter {
	if g.limitPerMin <= 0 {
		return g.overflow
	}
	now := g.now()

	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	if l, ok := g.limiters[username]; ok {
		l.seen = now
		return l.lim
	}
	if len(g.limiters) >= g.maxLimiters {
		g.pruneLimitersLocked(now)
		if len(g.limiters) >= g.maxLimiters {
			return g.overflow
		}
	}
	l := &loginLimiter{lim: newLoginRate(g.limitPerMin), seen: now}
	g.limiters[username] = l
	return l.lim
}

func (g *SessionGuard) pruneLimiters() {
	now := g.now()
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	g.pruneLimitersLocked(now)
}

func (g *SessionGuard) pruneLimitersLocked(now time.Time) {
	for k, l := range g.limiters {
		if now.Sub(l.seen) >= limiterIdle {
			delete(g.limiters, k)
		}
	}
}

// comparePassword runs bcrypt against a throwaway hash when the user does
// not exist, so both paths take the same time.
func (g *SessionGuard) comparePassword(hash, password string) bool {
	if hash == "" {
		g.dummyOnce.Do(func() {
			g.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("cognisync-dummy"), bcrypt.DefaultCost)
		})
		_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (g *SessionGuard) loginFailed(ctx context.Context, username string, userID *int64, reason string, err error) error {
	g.metrics.LoginAttempts.WithLabelValues(reason).Inc()
	_ = g.audit.LogLogin(ctx, username, userID, false, reason)
	return err
}

// Login verifies credentials and the second factor and opens a session.
func (g *SessionGuard) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if !g.limiter(req.Username).Allow() {
		return nil, g.loginFailed(ctx, req.Username, nil, reasonRateLimited, common.ErrRateLimited)
	}

	now := g.now().UTC()
	users := g.repomanager.Users(g.db)

	u, err := users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			g.comparePassword("", req.Password)
			return nil, g.loginFailed(ctx, req.Username, nil, reasonUnknownUser, common.ErrorUnauthorized)
		}
		return nil, common.ErrorInternal
	}
	uid := u.ID

	if u.LockedAt(now) {
		return nil, g.loginFailed(ctx, u.Username, &uid, reasonLocked, common.ErrAccountLocked)
	}
	if !u.IsActive {
		return nil, g.loginFailed(ctx, u.Username, &uid, reasonInactive, common.ErrorUnauthorized)
	}
	if !u.IsApproved {
		return nil, g.loginFailed(ctx, u.Username, &uid, reasonNotApproved, common.ErrorUnauthorized)
	}

	if !g.comparePassword(u.PasswordHash, req.Password) {
		return nil, g.recordFailure(ctx, u, now, reasonInvalidPassword, common.ErrorUnauthorized)
	}

	if u.MFAEnabled {
		ok, err := g.mfa.VerifyUser(ctx, u, req.OTP, req.BackupCode)
		if err != nil {
			return nil, common.ErrorInternal
		}
		if !ok {
			return nil, g.recordFailure(ctx, u, now, reasonMFAFailed, common.ErrMFAVerification)
		}
	}

	tokenID := uuid.NewString()
	hash := auth.HashTokenID(tokenID)
	expires := now.Add(g.maxLifetime)
	meta := audit.RequestMetaFromContext(ctx)

	if err := dbx.WithTx(ctx, g.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := g.repomanager.Users(tx).RecordSuccessfulLogin(ctx, u.ID, now); err != nil {
			return err
		}
		_, err := g.repomanager.SessionTokens(tx).Create(ctx, &models.SessionToken{
			UserID:       u.ID,
			TokenHash:    hash,
			CreatedAt:    now,
			ExpiresAt:    expires,
			LastActivity: &now,
			IPAddress:    optional(meta.IPAddress),
			UserAgent:    optional(meta.UserAgent),
		})
		return err
	}); err != nil {
		g.log.Error(ctx, "error opening session", "user_id", u.ID, "err", err)
		return nil, common.ErrorInternal
	}

	token, err := auth.GenerateToken(u.ID, u.Role, tokenID, g.secret, now, g.maxLifetime)
	if err != nil {
		return nil, common.ErrorInternal
	}

	g.metrics.LoginAttempts.WithLabelValues("success").Inc()
	_ = g.audit.LogLogin(ctx, u.Username, &uid, true, "")

	return &LoginResult{
		Token:     token,
		ExpiresAt: expires,
		Actor:     &models.Actor{UserID: u.ID, Username: u.Username, Role: u.Role, TokenHash: hash},
	}, nil
}

// recordFailure counts a failed credential check and locks the account
// once the limit is reached.
func (g *SessionGuard) recordFailure(ctx context.Context, u *models.User, now time.Time, reason string, err error) error {
	uid := u.ID
	n, rerr := g.repomanager.Users(g.db).RecordFailedLogin(ctx, u.ID, g.maxFailed, now.Add(g.lockout))
	if rerr != nil {
		g.log.Error(ctx, "error recording failed login", "user_id", u.ID, "err", rerr)
	} else if n >= g.maxFailed {
		g.log.Warn(ctx, "account locked after repeated failures", "user_id", u.ID, "failures", n)
		err = common.ErrAccountLocked
	}
	return g.loginFailed(ctx, u.Username, &uid, reason, err)
}

// Authorize resolves a session token to its actor and refreshes the
// session activity.
func (g *SessionGuard) Authorize(ctx context.Context, token string) (*models.Actor, error) {
	claims, err := auth.ParseToken(token, g.secret, g.now())
	if err != nil {
		return nil, err
	}
	hash := auth.HashTokenID(claims.TokenID)
	tokens := g.repomanager.SessionTokens(g.db)

	st, err := tokens.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, common.ErrorInternal
	}
	if st.UserID != claims.UserID {
		return nil, common.ErrInvalidToken
	}
	now := g.now().UTC()
	if !st.IsValid || !now.Before(st.ExpiresAt) {
		return nil, common.ErrSessionExpired
	}
	if g.IsExpired(st.LastActivity) {
		if err := tokens.Invalidate(ctx, hash); err != nil {
			g.log.Error(ctx, "error invalidating idle session", "err", err)
		}
		return nil, common.ErrSessionExpired
	}
	alive, err := tokens.Touch(ctx, hash, now, g.threshold(now))
	if err != nil {
		return nil, common.ErrorInternal
	}
	if !alive {
		return nil, common.ErrSessionExpired
	}

	u, err := g.repomanager.Users(g.db).GetByID(ctx, st.UserID)
	if err != nil {
		return nil, common.ErrorUnauthorized
	}
	if !u.IsActive {
		return nil, common.ErrorUnauthorized
	}
	return &models.Actor{UserID: u.ID, Username: u.Username, Role: u.Role, TokenHash: hash}, nil
}

// Recheck confirms the actor's session is still alive right before a
// PHI-affecting action and counts the action as activity.
func (g *SessionGuard) Recheck(ctx context.Context, actor *models.Actor) error {
	if actor == nil {
		return common.ErrorUnauthorized
	}
	if actor.IsSystem() {
		return nil
	}
	alive, err := g.UpdateActivity(ctx, actor.TokenHash)
	if err != nil {
		return common.ErrorInternal
	}
	if !alive {
		return common.ErrSessionExpired
	}
	return nil
}

func (g *SessionGuard) Logout(ctx context.Context, token string) error {
	claims, err := auth.ParseToken(token, g.secret, g.now())
	if err != nil {
		return err
	}
	hash := auth.HashTokenID(claims.TokenID)
	if err := g.repomanager.SessionTokens(g.db).Invalidate(ctx, hash); err != nil {
		return fmt.Errorf("error invalidating session: %w", err)
	}

	actor := &models.Actor{UserID: claims.UserID, Role: claims.Role, TokenHash: hash}
	if u, err := g.repomanager.Users(g.db).GetByID(ctx, claims.UserID); err == nil {
		actor.Username = u.Username
	}
	_ = g.audit.LogLogout(ctx, actor)
	return nil
}
