package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-core/internal/events"
	"signal-core/internal/signal"
	"signal-core/internal/state"
	"signal-core/pkg/broker"
)

type staticPositions []broker.Position

func (s staticPositions) OpenPositions(context.Context) ([]broker.Position, error) { return s, nil }

func TestReconcileFindsMismatches(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	book := state.NewBook()

	for i, id := range []string{"live", "gone", "expired"} {
		p := signal.Parsed{Provider: id, Asset: "EURUSD", Direction: broker.DirectionCall}
		sig := signal.New(p, clock.Now().Add(time.Duration(i)*time.Minute), clock.Now())
		book.Admit(sig)
		expires := clock.Now().Add(5 * time.Minute)
		if id == "expired" {
			expires = clock.Now().Add(-time.Second)
		}
		if err := book.RecordTrade(state.Trade{ID: id, SignalID: sig.ID, Asset: "EURUSD", Stake: 1, ExpiresAt: expires}); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	src := staticPositions{{TradeID: "live"}, {TradeID: "manual", Asset: "USDJPY", Amount: 2}}
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 10)
	defer unsub()
	svc := NewService(src, book, bus, clock, time.Minute, nil)

	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got := map[string]DiffKind{}
	for _, d := range report.Diffs {
		got[d.TradeID] = d.Kind
	}
	if len(got) != 2 || got["manual"] != Unknown || got["gone"] != Missing {
		t.Fatalf("diffs=%v, expected manual unknown and gone missing", got)
	}

	svc.handleReport(report)
	svc.handleReport(report)
	if len(alerts) != 2 {
		t.Fatalf("alerts=%v, expected one per trade", len(alerts))
	}
}
