package martingale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-core/internal/events"
	"signal-core/internal/ledger"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/internal/state"
	"signal-core/pkg/broker"
)

// scriptedGateway returns queued outcomes immediately.
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes []broker.Outcome
	stakes   []float64
	placeErr error
	failFrom int                  // placements from this 1-based index fail
	block    bool                 // CheckResult waits for ctx
	onCheck  func(tradeID string) // runs inside CheckResult
	profit   func(stake float64) float64
}

func (g *scriptedGateway) Balance(context.Context) (float64, error) { return 1000, nil }

func (g *scriptedGateway) Buy(ctx context.Context, asset string, amount float64, d time.Duration) (broker.Placement, error) {
	return g.place(asset, broker.DirectionCall, amount)
}

func (g *scriptedGateway) Sell(ctx context.Context, asset string, amount float64, d time.Duration) (broker.Placement, error) {
	return g.place(asset, broker.DirectionPut, amount)
}

func (g *scriptedGateway) place(asset string, dir broker.Direction, amount float64) (broker.Placement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return broker.Placement{}, broker.Wrap("buy", g.placeErr)
	}
	if g.failFrom > 0 && len(g.stakes)+1 >= g.failFrom {
		return broker.Placement{}, broker.Wrap("buy", errors.New("session expired"))
	}
	g.stakes = append(g.stakes, amount)
	return broker.Placement{
		TradeID:   fmt.Sprintf("t%d", len(g.stakes)),
		Asset:     asset,
		Direction: dir,
		Amount:    amount,
	}, nil
}

func (g *scriptedGateway) CheckResult(ctx context.Context, tradeID string) (broker.Result, error) {
	if g.onCheck != nil {
		g.onCheck(tradeID)
	}
	if g.block {
		<-ctx.Done()
		return broker.Result{}, broker.Wrap("check_result", ctx.Err())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.outcomes) == 0 {
		return broker.Result{}, broker.Wrap("check_result", errors.New("no scripted outcome"))
	}
	out := g.outcomes[0]
	g.outcomes = g.outcomes[1:]
	stake := g.stakes[len(g.stakes)-1]
	res := broker.Result{TradeID: tradeID, Outcome: out, Amount: stake}
	if out == broker.OutcomeWin && g.profit != nil {
		res.Profit = g.profit(stake)
	}
	return res, nil
}

func (g *scriptedGateway) OpenPositions(context.Context) ([]broker.Position, error) { return nil, nil }

func (g *scriptedGateway) Reconnect(context.Context) error { return nil }

func (g *scriptedGateway) Disconnect() error { return nil }

type harness struct {
	gw     *scriptedGateway
	book   *state.Book
	ledger *ledger.Ledger
	bus    *events.Bus
	clock  clockwork.FakeClock
	runner *Runner
	sig    signal.Signal
}

func newHarness(t *testing.T, gw *scriptedGateway) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := risk.DefaultConfig()
	h := &harness{
		gw:     gw,
		book:   state.NewBook(),
		ledger: ledger.New(clock, nil, nil, nil),
		bus:    events.NewBus(),
		clock:  clock,
	}
	h.runner = NewRunner(gw, h.book, h.ledger, h.bus, clock, func() risk.RiskConfig { return cfg }, nil)
	p := signal.Parsed{Provider: "p", Asset: "EURUSD", Direction: broker.DirectionCall}
	// entry already reached, so no wait on the fake clock
	h.sig = signal.New(p, clock.Now().Add(-time.Second), clock.Now().Add(-time.Minute))
	if h.book.Admit(h.sig) != state.Admitted {
		t.Fatalf("admit failed")
	}
	return h
}

func (h *harness) assertCleaned(t *testing.T) {
	t.Helper()
	if s, tr := h.book.Counts(); s != 0 || tr != 0 {
		t.Fatalf("book not cleaned: signals=%v trades=%v", s, tr)
	}
}

func TestLossLadderStopsAtMaxLevel(t *testing.T) {
	loss := broker.OutcomeLoss
	gw := &scriptedGateway{outcomes: []broker.Outcome{loss, loss, loss, loss, loss}}
	h := newHarness(t, gw)

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != MaxLevelReached {
		t.Fatalf("outcome=%v, expected %v", rep.Outcome, MaxLevelReached)
	}
	want := []float64{1, 2, 4, 8}
	if fmt.Sprint(gw.stakes) != fmt.Sprint(want) {
		t.Fatalf("stakes=%v, expected %v with no fifth placement", gw.stakes, want)
	}
	if s := h.ledger.Snapshot(); s.DailyPnL != -15 || s.LifetimePnL != -15 || rep.Net != -15 {
		t.Fatalf("ledger=%+v net=%v, expected -15", s, rep.Net)
	}
	h.assertCleaned(t)
}

func TestWinAfterLossesNetsProfitMinusLosses(t *testing.T) {
	gw := &scriptedGateway{
		outcomes: []broker.Outcome{broker.OutcomeLoss, broker.OutcomeLoss, broker.OutcomeWin},
		profit:   func(stake float64) float64 { return stake * 0.92 },
	}
	h := newHarness(t, gw)

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != Won || rep.Trades != 3 {
		t.Fatalf("report=%+v, expected won after 3 trades", rep)
	}
	// P - L = 3.68 - (1 + 2)
	if got := h.ledger.Snapshot().DailyPnL; got != 0.68 {
		t.Fatalf("daily=%v, expected 0.68", got)
	}
	h.assertCleaned(t)
}

func TestTieEndsSequenceWithoutLedgerChange(t *testing.T) {
	gw := &scriptedGateway{outcomes: []broker.Outcome{broker.OutcomeTie}}
	h := newHarness(t, gw)

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != Won || h.ledger.Snapshot().DailyPnL != 0 {
		t.Fatalf("report=%+v daily=%v", rep, h.ledger.Snapshot().DailyPnL)
	}
}

func TestPlacementFailure(t *testing.T) {
	gw := &scriptedGateway{placeErr: errors.New("insufficient funds")}
	h := newHarness(t, gw)
	done, unsub := h.bus.Subscribe(events.EventSequenceFinished, 1)
	defer unsub()

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != PlacementFailed || !errors.Is(rep.Err, broker.ErrBroker) {
		t.Fatalf("report=%+v, expected placement failure", rep)
	}
	fin := (<-done).(events.SequenceFinished)
	if fin.Outcome != string(PlacementFailed) || fin.Error == "" {
		t.Fatalf("finished event=%+v", fin)
	}
	h.assertCleaned(t)
}

func TestResultCheckBrokerError(t *testing.T) {
	// no scripted outcome: CheckResult fails
	gw := &scriptedGateway{}
	h := newHarness(t, gw)

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != ResultCheckFailed || !errors.Is(rep.Err, broker.ErrBroker) {
		t.Fatalf("report=%+v, expected a broker result failure", rep)
	}
	if rep.Trades != 1 || h.ledger.Snapshot().DailyPnL != 0 {
		t.Fatalf("trades=%v daily=%v, expected one trade and no ledger change", rep.Trades, h.ledger.Snapshot().DailyPnL)
	}
	h.assertCleaned(t)
}

func TestRetryPlacementFailureKeepsConfirmedDebit(t *testing.T) {
	gw := &scriptedGateway{outcomes: []broker.Outcome{broker.OutcomeLoss}, failFrom: 2}
	h := newHarness(t, gw)

	rep := h.runner.Run(context.Background(), h.sig)

	if rep.Outcome != PlacementFailed || !errors.Is(rep.Err, broker.ErrBroker) {
		t.Fatalf("report=%+v, expected placement failure on the retry", rep)
	}
	if s := h.ledger.Snapshot(); s.DailyPnL != -1 || s.LifetimePnL != -1 || rep.Net != -1 {
		t.Fatalf("ledger=%+v net=%v, expected the level 0 loss kept at -1", s, rep.Net)
	}
	if fmt.Sprint(gw.stakes) != "[1]" {
		t.Fatalf("stakes=%v, expected only the first placement", gw.stakes)
	}
	h.assertCleaned(t)
}

func TestResultTimeout(t *testing.T) {
	gw := &scriptedGateway{block: true}
	h := newHarness(t, gw)
	timeout := risk.DefaultConfig().ResultTimeout()

	done := make(chan Report, 1)
	go func() { done <- h.runner.Run(context.Background(), h.sig) }()

	h.clock.BlockUntil(1)
	h.clock.Advance(timeout)

	select {
	case rep := <-done:
		if rep.Outcome != ResultCheckFailed || !errors.Is(rep.Err, ErrResultTimeout) {
			t.Fatalf("report=%+v, expected result timeout", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sequence did not time out")
	}
	h.assertCleaned(t)
}

func TestCancelledWhileWaitingForEntry(t *testing.T) {
	gw := &scriptedGateway{}
	h := newHarness(t, gw)
	p := signal.Parsed{Provider: "p", Asset: "GBPUSD", Direction: broker.DirectionPut}
	future := signal.New(p, h.clock.Now().Add(time.Minute), h.clock.Now())
	h.book.Admit(future)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() { done <- h.runner.Run(ctx, future) }()

	h.clock.BlockUntil(1)
	cancel()

	rep := <-done
	if rep.Outcome != Cancelled || len(gw.stakes) != 0 {
		t.Fatalf("report=%+v stakes=%v, expected cancel without placement", rep, gw.stakes)
	}
	if _, ok := h.book.Signal(future.ID); ok {
		t.Fatalf("cancelled signal still pending")
	}
}

func TestReplaceKeepsOneLiveTrade(t *testing.T) {
	gw := &scriptedGateway{outcomes: []broker.Outcome{broker.OutcomeLoss, broker.OutcomeLoss, broker.OutcomeWin}}
	h := newHarness(t, gw)

	var checked []string
	gw.onCheck = func(tradeID string) {
		live, ok := h.book.TradeFor(h.sig.ID)
		if _, n := h.book.Counts(); n != 1 || !ok || live.ID != tradeID {
			t.Errorf("during check of %s: live=%+v trades=%v", tradeID, live, n)
		}
		checked = append(checked, fmt.Sprintf("%s@%d", live.ID, live.Level))
	}

	h.runner.Run(context.Background(), h.sig)

	if fmt.Sprint(checked) != "[t1@0 t2@1 t3@2]" {
		t.Fatalf("checked=%v", checked)
	}
}

func TestOutcomeFailed(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{Won, false},
		{MaxLevelReached, false},
		{Cancelled, false},
		{PlacementFailed, true},
		{ResultCheckFailed, true},
		{Panicked, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.Failed(); got != tt.want {
				t.Fatalf("Failed()=%v, expected %v", got, tt.want)
			}
			if got := IsFailure(string(tt.outcome)); got != tt.want {
				t.Fatalf("IsFailure(%q)=%v, expected %v", tt.outcome, got, tt.want)
			}
		})
	}
}
