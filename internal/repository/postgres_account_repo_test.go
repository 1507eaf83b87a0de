package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

func newMockRepo(t *testing.T) (*PostgresAccountRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresAccountRepo(db), mock
}

func accountRows(id, identifier string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "identifier", "password_hash", "name", "mfa_enabled", "mfa_secret", "created_at", "updated_at",
	}).AddRow(id, identifier, "$argon2id$hash", "user", true, "JBSWY3DPEHPK3PXP", now, now)
}

func TestGetByIdentifier(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT a\.id, a\.identifier, .+ FROM accounts a`).
		WithArgs("alice@example.com").
		WillReturnRows(accountRows("acc-1", "alice@example.com"))

	account, err := repo.GetByIdentifier(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)
	assert.Equal(t, "user", account.Role)
	assert.True(t, account.MFAEnabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIdentifierNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT a\.id, .+ FROM accounts a`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByIdentifier(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingAccount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &domain.Account{ID: "acc-missing"})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRoles(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"name", "tag"}).
		AddRow("support", "profile.read").
		AddRow("support", "session.list").
		AddRow("user", "profile.read")
	mock.ExpectQuery(`SELECT r\.name, p\.tag`).WillReturnRows(rows)

	catalog, err := repo.LoadRoles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"support": {"profile.read", "session.list"},
		"user":    {"profile.read"},
	}, catalog)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceBackupCodesIsTransactional(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM backup_codes`).
		WithArgs("acc-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO backup_codes`).
		WithArgs("acc-1", "hash-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO backup_codes`).
		WithArgs("acc-1", "hash-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.Replace(context.Background(), "acc-1", []string{"hash-a", "hash-b"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeBackupCodeExactlyOnce(t *testing.T) {
	repo, mock := newMockRepo(t)

	// First redemption deletes the row.
	mock.ExpectExec(`DELETE FROM backup_codes`).
		WithArgs("acc-1", "hash-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Second redemption finds nothing.
	mock.ExpectExec(`DELETE FROM backup_codes`).
		WithArgs("acc-1", "hash-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Consume(context.Background(), "acc-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(context.Background(), "acc-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
