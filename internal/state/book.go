package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-core/internal/signal"
	"signal-core/pkg/broker"
)

// ErrLevelRegressed guards the martingale level from moving backwards.
var ErrLevelRegressed = errors.New("martingale level must not decrease")

// AdmitResult is the outcome of Book.Admit.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	Duplicate
)

func (r AdmitResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "admitted"
}

// Trade is the live broker position of one signal.
type Trade struct {
	ID        string           `json:"trade_id"`
	SignalID  string           `json:"signal_id"`
	Asset     string           `json:"asset"`
	Direction broker.Direction `json:"direction"`
	Stake     float64          `json:"stake"`
	Level     int              `json:"level"`
	OpenPrice float64          `json:"open_price"`
	OpenedAt  time.Time        `json:"opened_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Book keeps pending signals and their live trades behind one lock, so a
// signal and its trade are always added, replaced and removed together.
// Nothing is persisted: a restart starts from an empty book.
type Book struct {
	mu       sync.RWMutex
	signals  map[string]signal.Signal
	trades   map[string]Trade  // by broker trade id
	bySignal map[string]string // signal id -> live trade id
}

func NewBook() *Book {
	return &Book{
		signals:  make(map[string]signal.Signal),
		trades:   make(map[string]Trade),
		bySignal: make(map[string]string),
	}
}

// Admit inserts sig unless its identity is already pending.
func (b *Book) Admit(sig signal.Signal) AdmitResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.signals[sig.ID]; ok {
		return Duplicate
	}
	b.signals[sig.ID] = sig
	return Admitted
}

// RemoveSignal drops the signal and any live trade it owns. Absent ids are a no-op.
func (b *Book) RemoveSignal(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tradeID, ok := b.bySignal[id]; ok {
		delete(b.trades, tradeID)
		delete(b.bySignal, id)
	}
	delete(b.signals, id)
}

// Signal looks up a pending signal.
func (b *Book) Signal(id string) (signal.Signal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.signals[id]
	return s, ok
}

// Signals returns pending signals ordered by entry instant.
func (b *Book) Signals() []signal.Signal {
	b.mu.RLock()
	out := make([]signal.Signal, 0, len(b.signals))
	for _, s := range b.signals {
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryAt.Equal(out[j].EntryAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryAt.Before(out[j].EntryAt)
	})
	return out
}

// RecordTrade makes t the live trade of its signal. A previous live trade is
// removed only after t is in place, so the signal is never without one.
func (b *Book) RecordTrade(t Trade) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.signals[t.SignalID]; !ok {
		return fmt.Errorf("record trade %s: signal %s is not pending", t.ID, t.SignalID)
	}
	oldID, hadOld := b.bySignal[t.SignalID]
	if hadOld {
		if old := b.trades[oldID]; t.Level < old.Level {
			return fmt.Errorf("%w: %d -> %d", ErrLevelRegressed, old.Level, t.Level)
		}
	}

	b.trades[t.ID] = t
	b.bySignal[t.SignalID] = t.ID
	if hadOld && oldID != t.ID {
		delete(b.trades, oldID)
	}
	return nil
}

// TradeFor returns the live trade of a signal.
func (b *Book) TradeFor(signalID string) (Trade, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bySignal[signalID]
	if !ok {
		return Trade{}, false
	}
	t, ok := b.trades[id]
	return t, ok
}

// Trade looks up a live trade by broker id.
func (b *Book) Trade(id string) (Trade, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.trades[id]
	return t, ok
}

// Trades returns live trades ordered by open time.
func (b *Book) Trades() []Trade {
	b.mu.RLock()
	out := make([]Trade, 0, len(b.trades))
	for _, t := range b.trades {
		out = append(out, t)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Counts reports pending signals and live trades.
func (b *Book) Counts() (signals, trades int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signals), len(b.trades)
}
