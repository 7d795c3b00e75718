package db

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := columnExists(database.DB, "risk_configs", "buffer_seconds")
	if err != nil {
		t.Fatalf("columnExists: %v", err)
	}
	if !ok {
		t.Fatalf("buffer_seconds column missing")
	}
}

func TestRecordPnLAccumulatesPerDay(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	for _, delta := range []float64{-1, -2, 3.68} {
		if err := database.RecordPnL(ctx, "2026-03-10", delta); err != nil {
			t.Fatalf("RecordPnL: %v", err)
		}
	}
	if err := database.RecordPnL(ctx, "2026-03-11", 0.92); err != nil {
		t.Fatalf("RecordPnL: %v", err)
	}

	days, err := database.ListPnLDays(ctx, 10)
	if err != nil {
		t.Fatalf("ListPnLDays: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("len(days)=%v, expected 2", len(days))
	}
	if days[0].Day != "2026-03-11" {
		t.Fatalf("days[0].Day=%v, expected newest first", days[0].Day)
	}
	first := days[1]
	if first.Wins != 1 || first.Losses != 2 {
		t.Fatalf("wins=%v losses=%v, expected 1/2", first.Wins, first.Losses)
	}
	if diff := first.PnL - 0.68; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("PnL=%v, expected 0.68", first.PnL)
	}
}

func TestRecordPnLRequiresDay(t *testing.T) {
	database := newTestDB(t)
	if err := database.RecordPnL(context.Background(), "", 1); err != ErrDayRequired {
		t.Fatalf("expected ErrDayRequired, got %v", err)
	}
}

func TestRecordPnLBatchIsAtomic(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	err := database.RecordPnLBatch(ctx, []PnLEntry{{Day: "2026-03-10", Delta: -1}, {Day: "", Delta: 2}})
	if err != ErrDayRequired {
		t.Fatalf("err=%v, expected ErrDayRequired", err)
	}
	days, err := database.ListPnLDays(ctx, 10)
	if err != nil {
		t.Fatalf("ListPnLDays: %v", err)
	}
	if len(days) != 0 {
		t.Fatalf("days=%+v, expected the batch rolled back", days)
	}
}
