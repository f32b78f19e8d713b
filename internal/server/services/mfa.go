package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/dbx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/config"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultBackupCodes = 10
	backupCodeBytes    = 5 // 8 base32 characters
	qrSize             = 200
)

var (
	secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

	totpOpts = totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
)

// Enrollment is what a user needs to set up an authenticator app. It is
// shown once; only the encrypted secret and hashed codes are stored.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
	BackupCodes     []string
}

// MFA implements RFC 6238 TOTP second factors and one-time backup codes.
type MFA struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	fields      *cryptox.FieldCipher
	audit       *AuditTrail
	issuer      string
	log         logging.Logger
	now         func() time.Time
}

func NewMFA(db *sql.DB, m repomanager.RepositoryManager, fields *cryptox.FieldCipher, trail *AuditTrail, cfg *config.Config, log logging.Logger) *MFA {
	return &MFA{
		db:          db,
		repomanager: m,
		fields:      fields,
		audit:       trail,
		issuer:      cfg.MFAIssuer,
		log:         log.With("module", "mfa"),
		now:         time.Now,
	}
}

// GenerateSecret returns a new 160-bit secret as 32 base32 characters.
func (s *MFA) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: s.issuer})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

func (s *MFA) key(secret, username string) (*otp.Key, error) {
	raw, err := secretEncoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return nil, fmt.Errorf("invalid totp secret: %w", err)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: username,
		Secret:      raw,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
}

// ProvisioningURI returns the otpauth:// URI an authenticator app imports.
func (s *MFA) ProvisioningURI(secret, username string) (string, error) {
	key, err := s.key(secret, username)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCode renders the provisioning URI as a PNG data URI.
func (s *MFA) QRCode(secret, username string) (string, error) {
	key, err := s.key(secret, username)
	if err != nil {
		return "", err
	}
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifyToken accepts the current code and one step either side. Any
// malformed input simply fails verification.
func (s *MFA) VerifyToken(secret, token string) bool {
	token = strings.TrimSpace(token)
	if secret == "" || token == "" {
		return false
	}
	ok, err := totp.ValidateCustom(token, secret, s.now().UTC(), totpOpts)
	return err == nil && ok
}

func (s *MFA) CurrentToken(secret string) (string, error) {
	return totp.GenerateCodeCustom(secret, s.now().UTC(), totpOpts)
}

// GenerateBackupCodes returns n random 8-character codes (DefaultBackupCodes
// when n <= 0).
func (s *MFA) GenerateBackupCodes(n int) ([]string, error) {
	if n <= 0 {
		n = DefaultBackupCodes
	}
	codes := make([]string, n)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = secretEncoding.EncodeToString(buf)
	}
	return codes, nil
}

// HashBackupCode normalizes case and separators before hashing, so codes
// typed as "abcd-efgh" still match.
func HashBackupCode(code string) string {
	code = strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Enroll creates a new secret and backup codes for the actor. MFA stays
// disabled until ConfirmEnrollment proves the authenticator works.
func (s *MFA) Enroll(ctx context.Context, actor *models.Actor) (*Enrollment, error) {
	secret, err := s.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri, err := s.ProvisioningURI(secret, actor.Username)
	if err != nil {
		return nil, err
	}
	qr, err := s.QRCode(secret, actor.Username)
	if err != nil {
		return nil, err
	}
	codes, err := s.GenerateBackupCodes(DefaultBackupCodes)
	if err != nil {
		return nil, err
	}
	enc, err := s.fields.EncryptString(secret)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = HashBackupCode(c)
	}

	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Users(tx).SetMFA(ctx, actor.UserID, &enc, false); err != nil {
			return fmt.Errorf("error storing mfa secret: %w", err)
		}
		if err := s.repomanager.BackupCodes(tx).Replace(ctx, actor.UserID, hashes); err != nil {
			return fmt.Errorf("error storing backup codes: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	id, name := actorFields(actor)
	_ = s.audit.LogAction(ctx, AuditRecord{
		Action: audit.ActionMFAEnroll, ResourceType: audit.ResourceUser, ResourceID: fmt.Sprint(actor.UserID),
		ActorID: id, ActorName: name, Success: true,
	})

	return &Enrollment{Secret: secret, ProvisioningURI: uri, QRCode: qr, BackupCodes: codes}, nil
}

// ConfirmEnrollment enables MFA once the user proves possession of the secret.
func (s *MFA) ConfirmEnrollment(ctx context.Context, actor *models.Actor, token string) error {
	users := s.repomanager.Users(s.db)
	u, err := users.GetByID(ctx, actor.UserID)
	if err != nil {
		return err
	}

	id, name := actorFields(actor)
	rec := AuditRecord{
		Action: audit.ActionMFAEnable, ResourceType: audit.ResourceUser, ResourceID: fmt.Sprint(actor.UserID),
		ActorID: id, ActorName: name,
	}

	secret, err := s.secretOf(u)
	if err != nil || !s.VerifyToken(secret, token) {
		_ = s.audit.LogAction(ctx, rec)
		return common.ErrMFAVerification
	}

	if err := users.SetMFA(ctx, u.ID, u.MFASecretEncrypted, true); err != nil {
		return fmt.Errorf("error enabling mfa: %w", err)
	}
	rec.Success = true
	_ = s.audit.LogAction(ctx, rec)
	return nil
}

// ConsumeBackupCode marks code as used and reports whether it was valid.
func (s *MFA) ConsumeBackupCode(ctx context.Context, u *models.User, code string) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return false, nil
	}
	ok, err := s.repomanager.BackupCodes(s.db).Consume(ctx, u.ID, HashBackupCode(code), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("error consuming backup code: %w", err)
	}
	if ok {
		remaining, _ := s.repomanager.BackupCodes(s.db).Remaining(ctx, u.ID)
		id := u.ID
		_ = s.audit.LogAction(ctx, AuditRecord{
			Action: audit.ActionMFABackupCodeUsed, ResourceType: audit.ResourceUser, ResourceID: fmt.Sprint(u.ID),
			ActorID: &id, ActorName: u.Username, Success: true,
			Details: map[string]any{"remaining": remaining},
		})
	}
	return ok, nil
}

// secretOf decrypts the stored TOTP secret of u.
func (s *MFA) secretOf(u *models.User) (string, error) {
	if u.MFASecretEncrypted == nil {
		return "", common.ErrMFAVerification
	}
	return s.fields.Decrypt(*u.MFASecretEncrypted)
}

// VerifyUser checks a login second factor: a TOTP token, or else a backup code.
func (s *MFA) VerifyUser(ctx context.Context, u *models.User, token, backupCode string) (bool, error) {
	if token != "" {
		secret, err := s.secretOf(u)
		if err != nil {
			s.log.Error(ctx, "stored mfa secret unreadable", "user_id", u.ID, "err", err)
			return false, nil
		}
		if s.VerifyToken(secret, token) {
			return true, nil
		}
	}
	if backupCode != "" {
		return s.ConsumeBackupCode(ctx, u, backupCode)
	}
	return false, nil
}
