package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// PostgresAuditSink appends audit events to the immutable audit_logs table.
// Emission happens inside authentication transitions, so a write failure is
// logged rather than propagated; the JSON log sink still carries the event.
type PostgresAuditSink struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresAuditSink creates a new sink instance.
func NewPostgresAuditSink(db *sql.DB, logger *log.Logger) *PostgresAuditSink {
	return &PostgresAuditSink{db: db, logger: logger}
}

// Emit inserts one audit row. Identifiers only; never secrets.
func (s *PostgresAuditSink) Emit(ctx context.Context, event domain.Event) {
	metaJSON, err := json.Marshal(event.Meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (account_id, identifier, event_type, outcome, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	// account_id is NULL for anonymous failures; the schema allows it.
	var accountID sql.NullString
	if event.AccountID != "" {
		accountID.String = event.AccountID
		accountID.Valid = true
	}

	if _, err := s.db.ExecContext(ctx, query,
		accountID, event.Identifier, string(event.Type), event.Outcome, metaJSON, event.At); err != nil {
		if s.logger != nil {
			s.logger.Printf("audit insert failed: %v", err)
		}
	}
}
