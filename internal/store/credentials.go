// ABOUTME: SQLite cache of paid L402 credentials keyed by endpoint
// ABOUTME: Lets the invocation transport reuse a paid token instead of paying again

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetL402Credential returns the cached credential for key, or ErrNotFound.
func (s *SQLiteStore) GetL402Credential(ctx context.Context, key string) (*L402Credential, error) {
	query := `SELECT key, macaroon, preimage, invoice, created_at FROM l402_credentials WHERE key = ?`

	var cred L402Credential
	var invoice sql.NullString
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&cred.Key, &cred.Macaroon, &cred.Preimage, &invoice, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	cred.Invoice = invoice.String
	cred.CreatedAt, err = time.Parse(timestampLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cred, nil
}

// SaveL402Credential inserts or replaces the credential for cred.Key.
func (s *SQLiteStore) SaveL402Credential(ctx context.Context, cred *L402Credential) error {
	query := `
		INSERT INTO l402_credentials (key, macaroon, preimage, invoice, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			macaroon = excluded.macaroon,
			preimage = excluded.preimage,
			invoice = excluded.invoice,
			created_at = excluded.created_at
	`

	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		cred.Key,
		cred.Macaroon,
		cred.Preimage,
		nullString(cred.Invoice),
		createdAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	s.logger.Debug("saved L402 credential", "key", cred.Key)
	return nil
}

// DeleteL402Credential removes the credential for key. Missing keys are not an error.
func (s *SQLiteStore) DeleteL402Credential(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM l402_credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
