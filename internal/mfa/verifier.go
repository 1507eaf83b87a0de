package mfa

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/pkg/security"
)

// Verifier validates time-based one-time codes and single-use backup codes.
// Attempt counting lives in the orchestration layer, which runs a separate
// lockout guard for MFA failures.
type Verifier struct {
	skew    uint
	backups domain.BackupCodeStore
	now     func() time.Time
}

// NewVerifier builds a verifier. skew is the number of adjacent 30s steps
// accepted on either side of the current one to absorb clock drift.
func NewVerifier(skew uint, backups domain.BackupCodeStore) *Verifier {
	return &Verifier{skew: skew, backups: backups, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// VerifyTOTP checks a 6-digit code against the secret, accepting the
// current time step and the configured skew around it.
func (v *Verifier) VerifyTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// ConsumeBackupCode redeems a single-use backup code. The store guarantees
// a given code succeeds at most once, even under concurrent redemption.
func (v *Verifier) ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	return v.backups.Consume(ctx, accountID, security.HashBackupCode(code))
}

// Verify accepts either a TOTP code or a backup code for the account.
func (v *Verifier) Verify(ctx context.Context, account *domain.Account, code string) (bool, error) {
	if v.VerifyTOTP(account.MFASecret, code) {
		return true, nil
	}
	return v.ConsumeBackupCode(ctx, account.ID, code)
}
