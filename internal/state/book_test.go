package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"signal-core/internal/signal"
	"signal-core/pkg/broker"
)

func testSignal(provider string, entry time.Time) signal.Signal {
	p := signal.Parsed{Provider: provider, Asset: "EURUSD", Direction: broker.DirectionCall}
	return signal.New(p, entry, entry.Add(-time.Minute))
}

func TestAdmitDedup(t *testing.T) {
	b := NewBook()
	sig := testSignal("p", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	if got := b.Admit(sig); got != Admitted {
		t.Fatalf("first Admit=%v, expected admitted", got)
	}
	if got := b.Admit(sig); got != Duplicate {
		t.Fatalf("second Admit=%v, expected duplicate", got)
	}
	if n, _ := b.Counts(); n != 1 {
		t.Fatalf("signals=%v, expected 1", n)
	}

	b.RemoveSignal(sig.ID)
	b.RemoveSignal(sig.ID) // absent: no-op
	if got := b.Admit(sig); got != Admitted {
		t.Fatalf("Admit after remove=%v, expected admitted", got)
	}
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	b := NewBook()
	sig := testSignal("p", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Admit(sig) == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("admitted=%v, expected exactly 1", admitted)
	}
}

func TestSignalsOrderedByEntry(t *testing.T) {
	b := NewBook()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 3; i > 0; i-- {
		b.Admit(testSignal(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	got := b.Signals()
	for i := 1; i < len(got); i++ {
		if got[i].EntryAt.Before(got[i-1].EntryAt) {
			t.Fatalf("signals out of order: %v", got)
		}
	}
}

func TestRecordTradeReplacesAtomically(t *testing.T) {
	b := NewBook()
	sig := testSignal("p", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	b.Admit(sig)

	if err := b.RecordTrade(Trade{ID: "t0", SignalID: sig.ID, Stake: 1}); err != nil {
		t.Fatalf("RecordTrade t0: %v", err)
	}
	if err := b.RecordTrade(Trade{ID: "t1", SignalID: sig.ID, Stake: 2, Level: 1}); err != nil {
		t.Fatalf("RecordTrade t1: %v", err)
	}

	if _, ok := b.Trade("t0"); ok {
		t.Fatalf("old trade still live")
	}
	live, ok := b.TradeFor(sig.ID)
	if !ok || live.ID != "t1" || live.Level != 1 {
		t.Fatalf("TradeFor=%+v,%v expected t1 at level 1", live, ok)
	}
	if _, n := b.Counts(); n != 1 {
		t.Fatalf("trades=%v, expected exactly one live trade", n)
	}

	err := b.RecordTrade(Trade{ID: "t2", SignalID: sig.ID, Level: 0})
	if !errors.Is(err, ErrLevelRegressed) {
		t.Fatalf("RecordTrade regress=%v, expected ErrLevelRegressed", err)
	}

	b.RemoveSignal(sig.ID)
	if s, n := b.Counts(); s != 0 || n != 0 {
		t.Fatalf("counts after remove=%v/%v, expected 0/0", s, n)
	}
}

func TestRecordTradeRequiresPendingSignal(t *testing.T) {
	b := NewBook()
	if err := b.RecordTrade(Trade{ID: "t", SignalID: "ghost"}); err == nil {
		t.Fatalf("expected error for unknown signal")
	}
}
