package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/aegis/internal/config"
	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/internal/lockout"
	"github.com/FilipeAphrody/aegis/internal/mfa"
	"github.com/FilipeAphrody/aegis/internal/rbac"
	"github.com/FilipeAphrody/aegis/internal/risk"
	"github.com/FilipeAphrody/aegis/internal/session"
	"github.com/FilipeAphrody/aegis/internal/token"
	"github.com/FilipeAphrody/aegis/pkg/security"
)

// fakeAccounts is an in-memory AccountRepository.
type fakeAccounts struct {
	mu      sync.Mutex
	byIdent map[string]*domain.Account
	byID    map[string]*domain.Account
	err     error // when set, every lookup fails with it
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		byIdent: make(map[string]*domain.Account),
		byID:    make(map[string]*domain.Account),
	}
}

func (f *fakeAccounts) add(a *domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byIdent[a.Identifier] = a
	f.byID[a.ID] = a
}

func (f *fakeAccounts) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAccounts) GetByIdentifier(_ context.Context, identifier string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.byIdent[identifier]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) Create(_ context.Context, a *domain.Account) error {
	f.add(a)
	return nil
}

func (f *fakeAccounts) Update(_ context.Context, a *domain.Account) error {
	f.add(a)
	return nil
}

// captureSink records emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// flagSource answers every signal lookup with a fixed set of flags.
type flagSource struct {
	geo, device, offHours, anomaly bool
}

func (s *flagSource) GeoUnfamiliar(context.Context, risk.Probe) (bool, error)     { return s.geo, nil }
func (s *flagSource) DeviceUnfamiliar(context.Context, risk.Probe) (bool, error)  { return s.device, nil }
func (s *flagSource) OffHours(context.Context, risk.Probe) (bool, error)          { return s.offHours, nil }
func (s *flagSource) BehavioralAnomaly(context.Context, risk.Probe) (bool, error) { return s.anomaly, nil }

type fixture struct {
	svc      *AuthUsecase
	accounts *fakeAccounts
	backups  *mfa.MemoryBackupStore
	sink     *captureSink
	now      time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T, source risk.SignalSource) *fixture {
	t.Helper()

	f := &fixture{
		accounts: newFakeAccounts(),
		backups:  mfa.NewMemoryBackupStore(),
		sink:     &captureSink{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	lockCfg := config.Lockout{Threshold: 5, Window: time.Hour, LockDuration: 15 * time.Minute}
	primary := lockout.NewGuard(lockCfg)
	primary.SetClock(clock)
	second := lockout.NewGuard(lockCfg)
	second.SetClock(clock)

	riskCfg := config.Risk{
		GeoWeight: 0.30, DeviceWeight: 0.20, OffHoursWeight: 0.20, BehaviorWeight: 0.30,
		StepUpThreshold: 0.8, SignalTimeout: 100 * time.Millisecond,
	}

	revocations := token.NewMemoryRevocationStore()
	revocations.SetClock(clock)
	issuer, err := token.NewIssuer("test-signing-key", "", time.Hour, 30*24*time.Hour, revocations)
	require.NoError(t, err)
	issuer.SetClock(clock)

	verifier := mfa.NewVerifier(1, f.backups)
	verifier.SetClock(clock)

	sessions := session.NewMemoryStore(30*time.Minute, 12*time.Hour)
	sessions.SetClock(clock)

	f.svc = NewAuthUsecase(Deps{
		Accounts:     f.accounts,
		BackupCodes:  f.backups,
		Roles:        rbac.NewRegistry(rbac.BuiltinRoles),
		PrimaryGuard: primary,
		MFAGuard:     second,
		Risk:         risk.NewAssessor(riskCfg, source),
		MFA:          verifier,
		Tokens:       issuer,
		Sessions:     sessions,
		Events:       f.sink,
		HashWorkers:  2,
	})
	f.svc.SetClock(clock)
	return f
}

func (f *fixture) seedAccount(t *testing.T, mfaEnabled bool) (*domain.Account, string) {
	t.Helper()
	const password = "hunter2-but-longer"
	hash, err := security.HashPassword(password)
	require.NoError(t, err)

	account := &domain.Account{
		ID:           "acc-1",
		Identifier:   "alice@example.com",
		PasswordHash: hash,
		Role:         "user",
		MFAEnabled:   mfaEnabled,
	}
	if mfaEnabled {
		secret, err := security.GenerateMFASecret()
		require.NoError(t, err)
		account.MFASecret = secret
	}
	f.accounts.add(account)
	return account, password
}

func totpAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestLoginHappyPath(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com",
		Password:   password,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, int64(3600), res.ExpiresIn)

	claims, err := f.svc.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID)
	assert.Equal(t, res.SessionID, claims.SessionID)
	assert.Contains(t, claims.Permissions, rbac.PermProfileRead)

	assert.Equal(t, 1, f.sink.count(domain.EventLoginSuccess))
	assert.Equal(t, 1, f.sink.count(domain.EventSessionCreated))
	assert.Equal(t, 1, f.sink.count(domain.EventTokenIssued))
}

func TestWrongPasswordAndUnknownIdentifierLookAlike(t *testing.T) {
	f := newFixture(t, &flagSource{})
	f.seedAccount(t, false)

	_, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: "wrong",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "nobody@example.com", Password: "wrong",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

// Five failures inside ten minutes engage the lock; a sixth attempt with the
// correct password is still refused with the remaining lock duration.
func TestLockoutAfterBurstOfFailures(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)
	req := domain.LoginRequest{Identifier: "alice@example.com", Password: "wrong"}

	for i := 0; i < 5; i++ {
		f.advance(2 * time.Minute)
		_, err := f.svc.Login(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	}
	assert.Equal(t, 1, f.sink.count(domain.EventLockoutEngaged),
		"fifth failure engages the lock")

	// One minute later the correct password is still refused.
	f.advance(time.Minute)
	_, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	var locked *domain.LockedError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
	assert.Equal(t, 14*time.Minute, locked.RetryAfter)

	// After the lock elapses the account is usable again.
	f.advance(15 * time.Minute)
	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Status)
}

// A backend outage is an internal error, not a failed attempt: it must not
// surface as invalid credentials, feed the lockout counter, or emit a
// failure event.
func TestBackendOutageDoesNotFeedLockout(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)
	req := domain.LoginRequest{Identifier: "alice@example.com", Password: password}

	f.accounts.setErr(errors.New("database error: connection refused"))
	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(context.Background(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrInvalidCredentials)
		assert.NotErrorIs(t, err, domain.ErrAccountLocked)
	}
	assert.Zero(t, f.sink.count(domain.EventLoginFailure))
	assert.Zero(t, f.sink.count(domain.EventLockoutEngaged))

	// Once the store recovers, the correct password logs straight in; the
	// outages left no trace in the counter.
	f.accounts.setErr(nil)
	res, err := f.svc.Login(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Status)
}

// A maximally risky attempt forces MFA even for an account that never
// enrolled a second factor.
func TestStepUpForcesMFAOnUnenrolledAccount(t *testing.T) {
	f := newFixture(t, &flagSource{geo: true, device: true, offHours: true, anomaly: true})
	_, password := f.seedAccount(t, false)

	_, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	assert.ErrorIs(t, err, domain.ErrMFARequired)
	assert.Equal(t, 1, f.sink.count(domain.EventStepUpTriggered))
	assert.Equal(t, 0, f.sink.count(domain.EventLoginSuccess))
}

func TestMFALoginWithTOTP(t *testing.T) {
	f := newFixture(t, &flagSource{})
	account, password := f.seedAccount(t, true)
	req := domain.LoginRequest{Identifier: "alice@example.com", Password: password}

	// Correct password without a code stops at the MFA gate.
	_, err := f.svc.Login(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrMFARequired)

	req.MFACode = "000000"
	_, err = f.svc.Login(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidMFACode)

	req.MFACode = totpAt(t, account.MFASecret, f.now)
	res, err := f.svc.Login(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, 1, f.sink.count(domain.EventMFASuccess))
}

func TestBackupCodeLoginIsSingleUse(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, true)

	codes, hashes, err := security.GenerateBackupCodes(2)
	require.NoError(t, err)
	require.NoError(t, f.backups.Replace(context.Background(), "acc-1", hashes))

	req := domain.LoginRequest{
		Identifier: "alice@example.com", Password: password, MFACode: codes[0],
	}
	res, err := f.svc.Login(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Status)

	// The same code never works twice.
	_, err = f.svc.Login(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidMFACode)
}

func TestMFAFailuresFeedSeparateCounter(t *testing.T) {
	f := newFixture(t, &flagSource{})
	account, password := f.seedAccount(t, true)
	req := domain.LoginRequest{
		Identifier: "alice@example.com", Password: password, MFACode: "000000",
	}

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidMFACode)
	}

	// The MFA lock holds even with a valid code.
	req.MFACode = totpAt(t, account.MFASecret, f.now)
	_, err := f.svc.Login(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
}

func TestRefreshRotatesTheRefreshToken(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	rotated, err := f.svc.Refresh(context.Background(), res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, res.SessionID, rotated.SessionID)

	// The spent refresh token is dead immediately.
	_, err = f.svc.Refresh(context.Background(), res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)

	// The rotated one works.
	_, err = f.svc.Refresh(context.Background(), rotated.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), res.AccessToken)
	assert.ErrorIs(t, err, domain.ErrTokenMalformed)
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)

	info := f.svc.Introspect(context.Background(), res.AccessToken)
	assert.True(t, info.Valid)
	assert.Equal(t, "acc-1", info.AccountID)
	assert.Contains(t, info.Permissions, rbac.PermProfileRead)

	assert.False(t, f.svc.Introspect(context.Background(), "garbage").Valid)

	// Killing the session kills introspection too.
	require.NoError(t, f.svc.Logout(context.Background(), res.SessionID))
	assert.False(t, f.svc.Introspect(context.Background(), res.AccessToken).Valid)
}

func TestLogoutInvalidatesTheSession(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(context.Background(), res.SessionID))

	_, err = f.svc.Authenticate(context.Background(), res.AccessToken)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 1, f.sink.count(domain.EventSessionInvalidated))
}

func TestRevokeTokenBlocksAuthentication(t *testing.T) {
	f := newFixture(t, &flagSource{})
	_, password := f.seedAccount(t, false)

	res, err := f.svc.Login(context.Background(), domain.LoginRequest{
		Identifier: "alice@example.com", Password: password,
	})
	require.NoError(t, err)

	claims, err := f.svc.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.RevokeToken(context.Background(), claims.ID))

	_, err = f.svc.Authenticate(context.Background(), res.AccessToken)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
	assert.Equal(t, 1, f.sink.count(domain.EventTokenRevoked))
}

func TestMFAEnrollment(t *testing.T) {
	f := newFixture(t, &flagSource{})
	f.seedAccount(t, false)

	secret, uri, err := f.svc.SetupMFA(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, uri, "otpauth://totp/")

	// Enabling with a bad code fails and leaves MFA off.
	_, err = f.svc.EnableMFA(context.Background(), "acc-1", "000000")
	assert.ErrorIs(t, err, domain.ErrInvalidMFACode)
	account, err := f.accounts.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, account.MFAEnabled)

	codes, err := f.svc.EnableMFA(context.Background(), "acc-1", totpAt(t, secret, f.now))
	require.NoError(t, err)
	assert.Len(t, codes, 10)
	account, err = f.accounts.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, account.MFAEnabled)
}
