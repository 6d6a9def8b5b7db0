// ABOUTME: SQLite implementation of the per-turn spend ledger
// ABOUTME: Records balances, deltas and display conversions for every metered turn

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveTurn inserts a turn record.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	query := `
		INSERT INTO turns (
			id, session_id, question, answer, error, currency,
			balance_before, balance_after, delta, display_delta, display_unit,
			added_tools, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var balanceAfter, delta, displayDelta any
	if turn.BalanceAfter != nil {
		balanceAfter = *turn.BalanceAfter
	}
	if turn.Delta != nil {
		delta = *turn.Delta
	}
	if turn.DisplayDelta != nil {
		displayDelta = *turn.DisplayDelta
	}

	_, err := s.db.ExecContext(ctx, query,
		turn.ID,
		turn.SessionID,
		turn.Question,
		turn.Answer,
		nullString(turn.Error),
		turn.Currency,
		turn.BalanceBefore,
		balanceAfter,
		delta,
		displayDelta,
		nullString(turn.DisplayUnit),
		nullString(strings.Join(turn.AddedTools, ",")),
		turn.Duration.Milliseconds(),
		turn.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	s.logger.Debug("saved turn",
		"id", turn.ID,
		"session_id", turn.SessionID,
		"delta", delta,
	)
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*Turn, error) {
	query := turnColumns + ` FROM turns WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// ListTurns returns the turns of a session, oldest first.
// If limit is 0 or negative, all turns are returned; otherwise the most recent limit.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	query := turnColumns + ` FROM turns WHERE session_id = ? ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetSpendStats aggregates metered turns with optional filters.
func (s *SQLiteStore) GetSpendStats(ctx context.Context, filter SpendFilter) (*SpendStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(delta),
			COALESCE(SUM(delta), 0),
			COALESCE(MAX(delta), 0),
			COUNT(error),
			COUNT(DISTINCT session_id)
		FROM turns
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timestampLayout))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(timestampLayout))
	}

	var stats SpendStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TurnCount,
		&stats.MeteredTurns,
		&stats.TotalSpent,
		&stats.LargestDelta,
		&stats.FailedTurns,
		&stats.DistinctSessions,
	)
	if err != nil {
		return nil, fmt.Errorf("querying spend stats: %w", err)
	}
	return &stats, nil
}

const turnColumns = `
	SELECT id, session_id, question, answer, error, currency,
	       balance_before, balance_after, delta, display_delta, display_unit,
	       added_tools, duration_ms, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTurn scans a single turn row into a Turn struct.
func scanTurn(row rowScanner) (*Turn, error) {
	var turn Turn
	var errText, displayUnit, addedTools sql.NullString
	var balanceAfter, delta sql.NullInt64
	var displayDelta sql.NullFloat64
	var durationMS int64
	var createdAtStr string

	err := row.Scan(
		&turn.ID,
		&turn.SessionID,
		&turn.Question,
		&turn.Answer,
		&errText,
		&turn.Currency,
		&turn.BalanceBefore,
		&balanceAfter,
		&delta,
		&displayDelta,
		&displayUnit,
		&addedTools,
		&durationMS,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning turn row: %w", err)
	}

	turn.Error = errText.String
	turn.DisplayUnit = displayUnit.String
	if balanceAfter.Valid {
		v := balanceAfter.Int64
		turn.BalanceAfter = &v
	}
	if delta.Valid {
		v := delta.Int64
		turn.Delta = &v
	}
	if displayDelta.Valid {
		v := displayDelta.Float64
		turn.DisplayDelta = &v
	}
	if addedTools.Valid && addedTools.String != "" {
		turn.AddedTools = strings.Split(addedTools.String, ",")
	}
	turn.Duration = time.Duration(durationMS) * time.Millisecond

	turn.CreatedAt, err = time.Parse(timestampLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &turn, nil
}
