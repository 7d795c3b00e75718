// Package ledger tracks the account balance and profit/loss of the engine.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/pkg/broker"
)

// Recorder persists the per-day P/L audit trail.
type Recorder interface {
	RecordPnL(ctx context.Context, day string, delta float64) error
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Balance     float64   `json:"balance"`
	DailyPnL    float64   `json:"daily_pnl"`
	LifetimePnL float64   `json:"lifetime_pnl"`
	LastSync    time.Time `json:"last_sync"`
	LastReset   time.Time `json:"last_reset"`
}

// Ledger keeps daily and lifetime P/L in step under one lock.
type Ledger struct {
	mu        sync.RWMutex
	balance   decimal.Decimal
	daily     decimal.Decimal
	lifetime  decimal.Decimal
	lastSync  time.Time
	lastReset time.Time

	clock    clockwork.Clock
	location func() *time.Location
	audit    Recorder
	log      *zap.Logger
}

// New creates a ledger. location is consulted on every use so a timezone
// change in the risk config takes effect at the next midnight. audit may be nil.
func New(clock clockwork.Clock, location func() *time.Location, audit Recorder, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if location == nil {
		location = func() *time.Location { return time.UTC }
	}
	return &Ledger{clock: clock, location: location, audit: audit, log: log}
}

// Debit records a loss of amount (a positive number).
func (l *Ledger) Debit(amount float64) {
	l.apply(decimal.NewFromFloat(amount).Abs().Neg())
}

// Credit records a profit of amount (a positive number).
func (l *Ledger) Credit(amount float64) {
	l.apply(decimal.NewFromFloat(amount).Abs())
}

func (l *Ledger) apply(delta decimal.Decimal) {
	l.mu.Lock()
	l.daily = l.daily.Add(delta)
	l.lifetime = l.lifetime.Add(delta)
	daily := l.daily
	l.mu.Unlock()

	l.log.Debug("ledger updated",
		zap.String("delta", delta.String()),
		zap.String("daily", daily.String()))

	if l.audit == nil {
		return
	}
	day := l.clock.Now().In(l.location()).Format("2006-01-02")
	f, _ := delta.Float64()
	if err := l.audit.RecordPnL(context.Background(), day, f); err != nil {
		l.log.Warn("pnl audit write failed", zap.String("day", day), zap.Error(err))
	}
}

// DailyReset zeroes the daily P/L and returns the figures right after the
// reset. Lifetime and balance are untouched.
func (l *Ledger) DailyReset() Snapshot {
	l.mu.Lock()
	prev := l.daily
	l.daily = decimal.Zero
	l.lastReset = l.clock.Now()
	snap := l.snapshotLocked()
	l.mu.Unlock()
	l.log.Info("daily pnl reset", zap.String("previous", prev.String()))
	return snap
}

// CheckDrawdown reports whether the daily P/L is at or below threshold.
// A zero threshold disables the breaker.
func (l *Ledger) CheckDrawdown(threshold float64) bool {
	if threshold == 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.daily.LessThanOrEqual(decimal.NewFromFloat(threshold))
}

// SetBalance stores the broker-reported balance.
func (l *Ledger) SetBalance(balance float64) {
	l.mu.Lock()
	l.balance = decimal.NewFromFloat(balance)
	l.lastSync = l.clock.Now()
	l.mu.Unlock()
}

// Sync refreshes the balance from the gateway.
func (l *Ledger) Sync(ctx context.Context, gw broker.Gateway) (float64, error) {
	bal, err := gw.Balance(ctx)
	if err != nil {
		return 0, err
	}
	l.SetBalance(bal)
	return bal, nil
}

// Snapshot returns a copy of the current figures.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	bal, _ := l.balance.Float64()
	daily, _ := l.daily.Float64()
	life, _ := l.lifetime.Float64()
	return Snapshot{
		Balance:     bal,
		DailyPnL:    daily,
		LifetimePnL: life,
		LastSync:    l.lastSync,
		LastReset:   l.lastReset,
	}
}

// RunDailyReset resets the daily P/L at each operator-local midnight until
// ctx is cancelled. onReset, when set, receives each post-reset snapshot.
func (l *Ledger) RunDailyReset(ctx context.Context, onReset func(Snapshot)) {
	for {
		now := l.clock.Now()
		wait := nextMidnight(now, l.location()).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(wait):
			snap := l.DailyReset()
			if onReset != nil {
				onReset(snap)
			}
		}
	}
}

// RunBalanceSync refreshes the balance every interval. Errors are logged.
func (l *Ledger) RunBalanceSync(ctx context.Context, gw broker.Gateway, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := l.Sync(ctx, gw); err != nil {
				l.log.Warn("balance sync failed", zap.Error(err))
			}
		}
	}
}

// nextMidnight is the first local midnight strictly after now.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
