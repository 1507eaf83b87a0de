package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// PostgresAccountRepo implements domain.AccountRepository, the role catalog
// loader, and the backup-code store on top of PostgreSQL.
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo creates a new repository instance.
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `
	SELECT a.id, a.identifier, a.password_hash, r.name, a.mfa_enabled, COALESCE(a.mfa_secret, ''), a.created_at, a.updated_at
	FROM accounts a
	JOIN roles r ON a.role_id = r.id
	WHERE a.deleted_at IS NULL AND `

// GetByIdentifier retrieves an account by its login identifier, joining with
// the roles table to avoid N+1 queries.
func (r *PostgresAccountRepo) GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	return r.scanOne(ctx, accountColumns+`a.identifier = $1`, identifier)
}

// GetByID retrieves an account by its UUID.
func (r *PostgresAccountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.scanOne(ctx, accountColumns+`a.id = $1`, id)
}

func (r *PostgresAccountRepo) scanOne(ctx context.Context, query string, arg any) (*domain.Account, error) {
	account := &domain.Account{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&account.ID,
		&account.Identifier,
		&account.PasswordHash,
		&account.Role,
		&account.MFAEnabled,
		&account.MFASecret,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return account, nil
}

// Create inserts a new account, resolving the role name to its id first.
func (r *PostgresAccountRepo) Create(ctx context.Context, account *domain.Account) error {
	var roleID string
	err := r.db.QueryRowContext(ctx, "SELECT id FROM roles WHERE name = $1", account.Role).Scan(&roleID)
	if err != nil {
		return fmt.Errorf("role %q: %w", account.Role, domain.ErrUnknownRole)
	}

	query := `
		INSERT INTO accounts (identifier, password_hash, role_id, mfa_enabled, mfa_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()

	var mfaSecret sql.NullString
	if account.MFASecret != "" {
		mfaSecret.String = account.MFASecret
		mfaSecret.Valid = true
	}

	err = r.db.QueryRowContext(ctx, query,
		account.Identifier,
		account.PasswordHash,
		roleID,
		account.MFAEnabled,
		mfaSecret,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Update persists the mutable account fields: credential hash and the MFA
// enrollment state.
func (r *PostgresAccountRepo) Update(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET password_hash = $1, mfa_enabled = $2, mfa_secret = $3, updated_at = $4
		WHERE id = $5 AND deleted_at IS NULL
	`
	account.UpdatedAt = time.Now()

	var mfaSecret sql.NullString
	if account.MFASecret != "" {
		mfaSecret.String = account.MFASecret
		mfaSecret.Valid = true
	}

	result, err := r.db.ExecContext(ctx, query,
		account.PasswordHash, account.MFAEnabled, mfaSecret, account.UpdatedAt, account.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// LoadRoles reads the role -> permission catalog for the registry. Called
// once at startup; an empty catalog is a configuration error handled by the
// caller.
func (r *PostgresAccountRepo) LoadRoles(ctx context.Context) (map[string][]string, error) {
	query := `
		SELECT r.name, p.tag
		FROM roles r
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.name, p.tag
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()

	catalog := make(map[string][]string)
	for rows.Next() {
		var role, tag string
		if err := rows.Scan(&role, &tag); err != nil {
			return nil, fmt.Errorf("scan role row: %w", err)
		}
		catalog[role] = append(catalog[role], tag)
	}
	return catalog, rows.Err()
}

// Replace swaps the account's backup-code set inside one transaction.
func (r *PostgresAccountRepo) Replace(ctx context.Context, accountID string, hashes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, hash := range hashes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (account_id, code_hash, created_at) VALUES ($1, $2, $3)`,
			accountID, hash, time.Now())
		if err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return tx.Commit()
}

// Consume deletes the matching code row. The single DELETE makes the
// redemption atomic: exactly one concurrent caller sees RowsAffected == 1.
func (r *PostgresAccountRepo) Consume(ctx context.Context, accountID, hash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE account_id = $1 AND code_hash = $2`,
		accountID, hash)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
