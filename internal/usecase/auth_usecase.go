package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/internal/lockout"
	"github.com/FilipeAphrody/aegis/internal/mfa"
	"github.com/FilipeAphrody/aegis/internal/rbac"
	"github.com/FilipeAphrody/aegis/internal/risk"
	"github.com/FilipeAphrody/aegis/internal/token"
	"github.com/FilipeAphrody/aegis/pkg/security"
)

// RiskObserver receives login outcomes so the signal source can learn an
// account's familiar context. Implemented by risk.HistorySource.
type RiskObserver interface {
	ObserveSuccess(accountID, device, origin string, at time.Time)
	ObserveFailure(accountID string, at time.Time)
}

// Deps wires the authentication service. Every collaborator is injected at
// construction; the service holds no hidden globals.
type Deps struct {
	Accounts     domain.AccountRepository
	BackupCodes  domain.BackupCodeStore
	Roles        *rbac.Registry
	PrimaryGuard *lockout.Guard
	MFAGuard     *lockout.Guard
	Risk         *risk.Assessor
	Observer     RiskObserver // optional
	MFA          *mfa.Verifier
	Tokens       *token.Issuer
	Sessions     domain.SessionStore
	Events       domain.EventSink

	// HashWorkers caps concurrent Argon2 verifications so a burst of login
	// attempts cannot starve the rest of the service.
	HashWorkers int
}

// AuthUsecase orchestrates the login state machine:
// credential check -> lockout gate -> risk assessment -> step-up decision ->
// MFA check -> session create -> token issue. Every transition emits one
// structured audit event, and failure recording happens before the error
// returns so a counter is never incremented without its audit record.
type AuthUsecase struct {
	accounts     domain.AccountRepository
	backupCodes  domain.BackupCodeStore
	roles        *rbac.Registry
	primaryGuard *lockout.Guard
	mfaGuard     *lockout.Guard
	risk         *risk.Assessor
	observer     RiskObserver
	mfa          *mfa.Verifier
	tokens       *token.Issuer
	sessions     domain.SessionStore
	events       domain.EventSink
	hashSem      *semaphore.Weighted
	now          func() time.Time
}

// NewAuthUsecase builds the service from its dependency set.
func NewAuthUsecase(d Deps) *AuthUsecase {
	workers := d.HashWorkers
	if workers <= 0 {
		workers = 4
	}
	return &AuthUsecase{
		accounts:     d.Accounts,
		backupCodes:  d.BackupCodes,
		roles:        d.Roles,
		primaryGuard: d.PrimaryGuard,
		mfaGuard:     d.MFAGuard,
		risk:         d.Risk,
		observer:     d.Observer,
		mfa:          d.MFA,
		tokens:       d.Tokens,
		sessions:     d.Sessions,
		events:       d.Events,
		hashSem:      semaphore.NewWeighted(int64(workers)),
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (u *AuthUsecase) SetClock(now func() time.Time) { u.now = now }

func (u *AuthUsecase) emit(ctx context.Context, t domain.EventType, identifier, accountID, outcome string, meta map[string]any) {
	u.events.Emit(ctx, domain.Event{
		Type:       t,
		Identifier: identifier,
		AccountID:  accountID,
		Outcome:    outcome,
		At:         u.now().UTC(),
		Meta:       meta,
	})
}

// Login runs the full authentication state machine for one attempt. On
// success the returned result carries the token pair and session id; on
// every failure the result is nil and the error is one of the public
// taxonomy values.
func (u *AuthUsecase) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error) {
	// Lockout gate first: a locked identifier is refused before any
	// credential work, even with a correct secret. This is the only path
	// that discloses timing, and only once the lock is genuinely engaged.
	if st := u.primaryGuard.Check(req.Identifier); st.Locked {
		u.emit(ctx, domain.EventLoginFailure, req.Identifier, "", "locked",
			map[string]any{"retry_after": st.RetryAfter.String()})
		return nil, &domain.LockedError{RetryAfter: st.RetryAfter}
	}

	account, match, err := u.verifyCredentials(ctx, req.Identifier, req.Password)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, u.recordPrimaryFailure(ctx, req.Identifier, account)
	}

	// Risk assessment. Degraded signal sources already contributed their
	// weight as present inside Assess; here they are only logged.
	probe := risk.Probe{
		AccountID:         account.ID,
		Identifier:        account.Identifier,
		DeviceFingerprint: req.DeviceFingerprint,
		NetworkOrigin:     req.NetworkOrigin,
		At:                u.now(),
	}
	assessment := u.risk.Assess(ctx, probe)
	for _, source := range assessment.Degraded {
		u.emit(ctx, domain.EventSignalDegraded, req.Identifier, account.ID, "fail_safe",
			map[string]any{"signal": source})
	}

	stepUp := assessment.StepUp
	if stepUp {
		u.emit(ctx, domain.EventStepUpTriggered, req.Identifier, account.ID, "mfa_forced",
			map[string]any{"score": assessment.Score})
	}

	if account.MFAEnabled || stepUp {
		if err := u.checkMFA(ctx, account, req); err != nil {
			return nil, err
		}
	}

	return u.finishLogin(ctx, account, req)
}

// verifyCredentials loads the account and compares the presented secret on
// the bounded hash pool. An unknown identifier still burns a comparison so
// its timing matches a wrong-password failure; both collapse to
// ErrInvalidCredentials at the caller. Infrastructure failures propagate
// untouched: an outage is not a failed attempt and must never feed the
// lockout counter.
func (u *AuthUsecase) verifyCredentials(ctx context.Context, identifier, password string) (*domain.Account, bool, error) {
	if err := u.hashSem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	defer u.hashSem.Release(1)

	account, err := u.accounts.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			_, _ = security.ComparePassword(password, security.DummyHash)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load account: %w", err)
	}
	match, err := security.ComparePassword(password, account.PasswordHash)
	if err != nil || !match {
		return account, false, nil
	}
	return account, true, nil
}

// recordPrimaryFailure increments the primary counter and emits the audit
// record as one unit before the caller returns InvalidCredentials.
func (u *AuthUsecase) recordPrimaryFailure(ctx context.Context, identifier string, account *domain.Account) error {
	accountID := ""
	if account != nil {
		accountID = account.ID
		if u.observer != nil {
			u.observer.ObserveFailure(account.ID, u.now())
		}
	}
	st, engaged := u.primaryGuard.RecordFailure(identifier)
	u.emit(ctx, domain.EventLoginFailure, identifier, accountID, "invalid_credentials",
		map[string]any{"attempts": st.Attempts})
	if engaged {
		u.emit(ctx, domain.EventLockoutEngaged, identifier, accountID, "locked",
			map[string]any{"retry_after": st.RetryAfter.String(), "counter": "primary"})
	}
	return domain.ErrInvalidCredentials
}

// checkMFA enforces the second factor, whether the account opted in or
// step-up forced it. MFA failures feed a counter independent from the
// primary one.
func (u *AuthUsecase) checkMFA(ctx context.Context, account *domain.Account, req domain.LoginRequest) error {
	if req.MFACode == "" {
		return domain.ErrMFARequired
	}
	if st := u.mfaGuard.Check(req.Identifier); st.Locked {
		u.emit(ctx, domain.EventMFAFailure, req.Identifier, account.ID, "locked",
			map[string]any{"retry_after": st.RetryAfter.String()})
		return &domain.LockedError{RetryAfter: st.RetryAfter}
	}

	ok, err := u.mfa.Verify(ctx, account, req.MFACode)
	if err != nil {
		return fmt.Errorf("mfa verification: %w", err)
	}
	if !ok {
		st, engaged := u.mfaGuard.RecordFailure(req.Identifier)
		u.emit(ctx, domain.EventMFAFailure, req.Identifier, account.ID, "invalid_code",
			map[string]any{"attempts": st.Attempts})
		if engaged {
			u.emit(ctx, domain.EventLockoutEngaged, req.Identifier, account.ID, "locked",
				map[string]any{"retry_after": st.RetryAfter.String(), "counter": "mfa"})
		}
		return domain.ErrInvalidMFACode
	}
	u.emit(ctx, domain.EventMFASuccess, req.Identifier, account.ID, "verified", nil)
	return nil
}

// finishLogin resets the counters, snapshots permissions, creates the
// session, and issues the token pair. No token is issued before every
// preceding check has completed.
func (u *AuthUsecase) finishLogin(ctx context.Context, account *domain.Account, req domain.LoginRequest) (*domain.LoginResult, error) {
	if cleared := u.primaryGuard.RecordSuccess(req.Identifier); cleared {
		u.emit(ctx, domain.EventLockoutCleared, req.Identifier, account.ID, "reset",
			map[string]any{"counter": "primary"})
	}
	u.mfaGuard.RecordSuccess(req.Identifier)
	if u.observer != nil {
		u.observer.ObserveSuccess(account.ID, req.DeviceFingerprint, req.NetworkOrigin, u.now())
	}

	permissions, err := u.roles.Resolve(account.Role)
	if err != nil {
		// Configuration error, never hidden behind a generic denial.
		return nil, err
	}

	sess, err := u.sessions.Create(ctx, account.ID, permissions)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	u.emit(ctx, domain.EventSessionCreated, account.Identifier, account.ID, "created",
		map[string]any{"session_id": sess.ID})

	access, accessTok, err := u.tokens.IssueAccess(account.ID, sess.ID, permissions)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshTok, err := u.tokens.IssueRefresh(account.ID, sess.ID, permissions)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	u.emit(ctx, domain.EventTokenIssued, account.Identifier, account.ID, "issued",
		map[string]any{"access_id": accessTok.ID, "refresh_id": refreshTok.ID})

	u.emit(ctx, domain.EventLoginSuccess, account.Identifier, account.ID, "success", nil)

	return &domain.LoginResult{
		Status:       domain.StatusSuccess,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(u.tokens.AccessTTL().Seconds()),
		SessionID:    sess.ID,
	}, nil
}

// Refresh exchanges a live refresh token for a new pair. The old refresh id
// is revoked (rotation), and the permission snapshot is taken fresh from
// the account's current role, so re-issuance picks up role changes.
func (u *AuthUsecase) Refresh(ctx context.Context, refreshToken string) (*domain.LoginResult, error) {
	claims, err := u.tokens.VerifyKind(ctx, refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}

	sess, err := u.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}

	account, err := u.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		return nil, domain.ErrTokenRevoked
	}
	permissions, err := u.roles.Resolve(account.Role)
	if err != nil {
		return nil, err
	}

	// Rotation: the prior refresh id must never validate again.
	if err := u.tokens.Revoke(ctx, claims); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if err := u.sessions.Touch(ctx, sess.ID); err != nil {
		return nil, err
	}

	access, accessTok, err := u.tokens.IssueAccess(account.ID, sess.ID, permissions)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshTok, err := u.tokens.IssueRefresh(account.ID, sess.ID, permissions)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	u.emit(ctx, domain.EventTokenRefreshed, account.Identifier, account.ID, "rotated",
		map[string]any{"revoked_id": claims.ID, "access_id": accessTok.ID, "refresh_id": refreshTok.ID})

	return &domain.LoginResult{
		Status:       domain.StatusSuccess,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(u.tokens.AccessTTL().Seconds()),
		SessionID:    sess.ID,
	}, nil
}

// Authenticate verifies an access token for a protected request: MAC,
// expiry, revocation list, and session liveness, sliding the session's idle
// window as a side effect.
func (u *AuthUsecase) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := u.tokens.VerifyKind(ctx, accessToken, token.KindAccess)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != "" {
		if err := u.sessions.Touch(ctx, claims.SessionID); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

// Introspect answers the token-introspection call. Any verification failure
// collapses to valid=false; the reason is not disclosed.
func (u *AuthUsecase) Introspect(ctx context.Context, raw string) *domain.TokenIntrospection {
	claims, err := u.tokens.Verify(ctx, raw)
	if err != nil {
		return &domain.TokenIntrospection{Valid: false}
	}
	if claims.SessionID != "" {
		if _, err := u.sessions.Get(ctx, claims.SessionID); err != nil {
			return &domain.TokenIntrospection{Valid: false}
		}
	}
	return &domain.TokenIntrospection{
		Valid:       true,
		AccountID:   claims.AccountID,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
}

// RevokeToken blacklists a token id until the longest possible token
// lifetime has elapsed.
func (u *AuthUsecase) RevokeToken(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return domain.ErrTokenMalformed
	}
	if err := u.tokens.RevokeID(ctx, tokenID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	u.emit(ctx, domain.EventTokenRevoked, "", "", "revoked", map[string]any{"token_id": tokenID})
	return nil
}

// Logout invalidates the session. Idempotent.
func (u *AuthUsecase) Logout(ctx context.Context, sessionID string) error {
	if err := u.sessions.Invalidate(ctx, sessionID); err != nil {
		return err
	}
	u.emit(ctx, domain.EventSessionInvalidated, "", "", "logout", map[string]any{"session_id": sessionID})
	return nil
}

// SetupMFA provisions a pending TOTP secret for the account and returns the
// secret plus the otpauth URI for QR enrollment. MFA stays disabled until
// the first code is verified through EnableMFA.
func (u *AuthUsecase) SetupMFA(ctx context.Context, accountID string) (secret, uri string, err error) {
	account, err := u.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", "", domain.ErrAccountNotFound
	}
	secret, err = security.GenerateMFASecret()
	if err != nil {
		return "", "", err
	}
	account.MFASecret = secret
	account.MFAEnabled = false
	if err := u.accounts.Update(ctx, account); err != nil {
		return "", "", fmt.Errorf("store pending mfa secret: %w", err)
	}
	return secret, security.GetMFAQRCodeURI("Aegis", account.Identifier, secret), nil
}

// EnableMFA verifies the first code against the pending secret, flips the
// account to MFA-enabled, and mints a fresh set of single-use backup codes.
// The plaintext codes are returned exactly once.
func (u *AuthUsecase) EnableMFA(ctx context.Context, accountID, code string) ([]string, error) {
	account, err := u.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, domain.ErrAccountNotFound
	}
	if account.MFASecret == "" {
		return nil, errors.New("mfa setup has not been started")
	}
	if !u.mfa.VerifyTOTP(account.MFASecret, code) {
		return nil, domain.ErrInvalidMFACode
	}
	account.MFAEnabled = true
	if err := u.accounts.Update(ctx, account); err != nil {
		return nil, fmt.Errorf("enable mfa: %w", err)
	}
	codes, hashes, err := security.GenerateBackupCodes(10)
	if err != nil {
		return nil, err
	}
	if err := u.backupCodes.Replace(ctx, account.ID, hashes); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	u.emit(ctx, domain.EventMFASuccess, account.Identifier, account.ID, "enrolled", nil)
	return codes, nil
}
