package db

import (
	"context"
	"errors"
	"fmt"
)

var ErrDayRequired = errors.New("day is required")

const upsertPnL = `
	INSERT INTO pnl_days (day, pnl, wins, losses, updated_at)
	VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(day) DO UPDATE SET
		pnl = pnl + excluded.pnl,
		wins = wins + excluded.wins,
		losses = losses + excluded.losses,
		updated_at = CURRENT_TIMESTAMP
`

func outcomeCounts(delta float64) (win, loss int) {
	if delta < 0 {
		return 0, 1
	}
	return 1, 0
}

// RecordPnL adds delta to the day's row, creating it on first use.
// A negative delta counts as a loss, anything else as a win.
func (d *Database) RecordPnL(ctx context.Context, day string, delta float64) error {
	if day == "" {
		return ErrDayRequired
	}
	win, loss := outcomeCounts(delta)
	_, err := d.DB.ExecContext(ctx, upsertPnL, day, delta, win, loss)
	if err != nil {
		return fmt.Errorf("record pnl for %s: %w", day, err)
	}
	return nil
}

// ListPnLDays returns the most recent days first.
func (d *Database) ListPnLDays(ctx context.Context, limit int) ([]PnLDay, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT day, pnl, wins, losses
		FROM pnl_days
		ORDER BY day DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pnl days: %w", err)
	}
	defer rows.Close()

	var out []PnLDay
	for rows.Next() {
		var p PnLDay
		if err := rows.Scan(&p.Day, &p.PnL, &p.Wins, &p.Losses); err != nil {
			return nil, fmt.Errorf("scan pnl day: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PnLEntry is one ledger change awaiting a batched write.
type PnLEntry struct {
	Day   string
	Delta float64
}

// RecordPnLBatch applies entries in one transaction, with RecordPnL's rules.
func (d *Database) RecordPnLBatch(ctx context.Context, entries []PnLEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pnl batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPnL)
	if err != nil {
		return fmt.Errorf("prepare pnl batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.Day == "" {
			return ErrDayRequired
		}
		win, loss := outcomeCounts(e.Delta)
		if _, err := stmt.ExecContext(ctx, e.Day, e.Delta, win, loss); err != nil {
			return fmt.Errorf("record pnl for %s: %w", e.Day, err)
		}
	}
	return tx.Commit()
}
