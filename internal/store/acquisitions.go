// ABOUTME: SQLite implementation of the capability acquisition audit log
// ABOUTME: Records every add-capability attempt with its outcome stage

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveAcquisition inserts an acquisition record.
func (s *SQLiteStore) SaveAcquisition(ctx context.Context, a *Acquisition) error {
	query := `
		INSERT INTO acquisitions (id, session_id, uri, identifier, source_path, stage, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.SessionID,
		a.URI,
		nullString(a.Identifier),
		nullString(a.SourcePath),
		a.Stage,
		nullString(a.Error),
		a.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting acquisition: %w", err)
	}
	return nil
}

// ListAcquisitions returns a session's acquisition attempts, oldest first.
func (s *SQLiteStore) ListAcquisitions(ctx context.Context, sessionID string) ([]*Acquisition, error) {
	query := `
		SELECT id, session_id, uri, identifier, source_path, stage, error, created_at
		FROM acquisitions
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying acquisitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Acquisition
	for rows.Next() {
		var a Acquisition
		var identifier, sourcePath, errText sql.NullString
		var createdAtStr string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.URI, &identifier, &sourcePath, &a.Stage, &errText, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning acquisition row: %w", err)
		}
		a.Identifier = identifier.String
		a.SourcePath = sourcePath.String
		a.Error = errText.String
		a.CreatedAt, err = time.Parse(timestampLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating acquisition rows: %w", err)
	}
	return out, nil
}
