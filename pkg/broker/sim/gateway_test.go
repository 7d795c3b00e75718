package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-core/pkg/broker"
)

func newTestGateway(clock clockwork.Clock) *Gateway {
	return New(Config{InitialBalance: 100, Payout: 0.9, Seed: 7}, clock, nil)
}

func TestScriptedWinSettlesAfterDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gw := newTestGateway(clock)
	gw.Script(broker.OutcomeWin)
	ctx := context.Background()

	p, err := gw.Buy(ctx, "EURUSD_otc", 10, time.Minute)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if bal, _ := gw.Balance(ctx); bal != 90 {
		t.Fatalf("balance after stake=%v, expected 90", bal)
	}
	open, err := gw.OpenPositions(ctx)
	if err != nil || len(open) != 1 || open[0].TradeID != p.TradeID {
		t.Fatalf("OpenPositions=%v,%v expected the placed trade", open, err)
	}

	done := make(chan broker.Result, 1)
	go func() {
		res, err := gw.CheckResult(ctx, p.TradeID)
		if err != nil {
			t.Errorf("CheckResult: %v", err)
		}
		done <- res
	}()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatalf("result returned before the trade expired")
	default:
	}
	clock.Advance(time.Minute)

	select {
	case res := <-done:
		if res.Outcome != broker.OutcomeWin || res.Profit != 9 {
			t.Fatalf("result=%+v, expected WIN with profit 9", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CheckResult did not return")
	}

	if bal, _ := gw.Balance(ctx); bal != 109 {
		t.Fatalf("balance after win=%v, expected 109", bal)
	}
	if open, _ := gw.OpenPositions(ctx); len(open) != 0 {
		t.Fatalf("open positions after settlement=%v", open)
	}
}

func TestSettlementIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gw := newTestGateway(clock)
	gw.Script(broker.OutcomeTie)
	ctx := context.Background()

	p, err := gw.Sell(ctx, "GBPUSD", 5, time.Second)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	clock.Advance(time.Second)

	for i := 0; i < 2; i++ {
		res, err := gw.CheckResult(ctx, p.TradeID)
		if err != nil {
			t.Fatalf("CheckResult: %v", err)
		}
		if res.Outcome != broker.OutcomeTie {
			t.Fatalf("outcome=%v, expected TIE", res.Outcome)
		}
	}
	if bal, _ := gw.Balance(ctx); bal != 100 {
		t.Fatalf("balance=%v, expected stake refunded once", bal)
	}
}

func TestPlacementFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		amount float64
		setup  func(*Gateway)
	}{
		{name: "insufficient balance", amount: 1000},
		{name: "non-positive amount", amount: 0},
		{name: "disconnected", amount: 1, setup: func(g *Gateway) { _ = g.Disconnect() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(clockwork.NewFakeClock())
			if tt.setup != nil {
				tt.setup(gw)
			}
			if _, err := gw.Buy(ctx, "EURUSD", tt.amount, time.Minute); !errors.Is(err, broker.ErrBroker) {
				t.Fatalf("Buy=%v, expected ErrBroker", err)
			}
		})
	}
}

func TestReconnectRestoresSession(t *testing.T) {
	gw := newTestGateway(clockwork.NewFakeClock())
	ctx := context.Background()
	_ = gw.Disconnect()
	if _, err := gw.Balance(ctx); !errors.Is(err, broker.ErrBroker) {
		t.Fatalf("Balance while disconnected=%v, expected ErrBroker", err)
	}
	if err := gw.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if bal, err := gw.Balance(ctx); err != nil || bal != 100 {
		t.Fatalf("Balance=%v,%v expected 100", bal, err)
	}
}

func TestCheckResultUnknownTrade(t *testing.T) {
	gw := newTestGateway(clockwork.NewFakeClock())
	if _, err := gw.CheckResult(context.Background(), "missing"); !errors.Is(err, broker.ErrBroker) {
		t.Fatalf("CheckResult=%v, expected ErrBroker", err)
	}
}
