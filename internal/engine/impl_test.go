package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-core/internal/events"
	"signal-core/internal/intake"
	"signal-core/internal/ledger"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/broker"
)

// gatedGateway holds every result until the test releases one.
type gatedGateway struct {
	mu        sync.Mutex
	placed    int
	release   chan broker.Outcome
	balance   float64
	failures  int // Balance calls that fail before succeeding
	reconnect int
	positions []broker.Position
}

func newGatedGateway() *gatedGateway {
	return &gatedGateway{release: make(chan broker.Outcome, 4), balance: 100}
}

func (g *gatedGateway) Balance(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures > 0 {
		g.failures--
		return 0, broker.Wrap("balance", errors.New("session expired"))
	}
	return g.balance, nil
}

func (g *gatedGateway) Buy(_ context.Context, asset string, amount float64, _ time.Duration) (broker.Placement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed++
	return broker.Placement{TradeID: "trade-" + asset, Asset: asset, Direction: broker.DirectionCall, Amount: amount}, nil
}

func (g *gatedGateway) Sell(ctx context.Context, asset string, amount float64, d time.Duration) (broker.Placement, error) {
	return g.Buy(ctx, asset, amount, d)
}

func (g *gatedGateway) CheckResult(ctx context.Context, tradeID string) (broker.Result, error) {
	select {
	case out := <-g.release:
		res := broker.Result{TradeID: tradeID, Outcome: out}
		if out == broker.OutcomeWin {
			res.Profit = 0.9
		}
		return res, nil
	case <-ctx.Done():
		return broker.Result{}, broker.Wrap("check_result", ctx.Err())
	}
}

func (g *gatedGateway) OpenPositions(context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.Position(nil), g.positions...), nil
}

func (g *gatedGateway) Reconnect(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reconnect++
	return nil
}

func (g *gatedGateway) Disconnect() error { return nil }

func newTestEngine(t *testing.T, gw broker.Gateway) *Impl {
	t.Helper()
	cfg := risk.DefaultConfig()
	loc, _ := cfg.Location()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 0, 0, 0, loc))
	e := NewImpl(Config{
		Gateway:   gw,
		RiskMgr:   risk.NewInMemory(cfg),
		Clock:     clock,
		Mode:      "test",
		QueueSize: 4,
	})
	e.Start(0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

const entryNow = "EUR/USD\n06:00\nbuy\nsignal_provider=\"alice\"\ntimezone=\"Etc/GMT+4\""

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDrawdownRefusesWhileInFlightSequenceFinishes(t *testing.T) {
	gw := newGatedGateway()
	e := newTestEngine(t, gw)
	finished, unsub := e.Events().Subscribe(events.EventSequenceFinished, 1)
	defer unsub()

	d, err := e.SubmitSignal(context.Background(), entryNow)
	if err != nil || !d.Admitted {
		t.Fatalf("SubmitSignal=%+v,%v expected admitted", d, err)
	}
	waitFor(t, "placement", func() bool { _, n := e.book.Counts(); return n == 1 })

	e.ledger.Debit(16)
	d, err = e.SubmitSignal(context.Background(), "GBP/USD 06:01 sell signal_provider=\"bob\" timezone=\"Etc/GMT+4\"")
	if err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	if d.Admitted || d.Reason != intake.ReasonDrawdown || !errors.Is(d.Err, signal.ErrDrawdown) {
		t.Fatalf("decision=%+v, expected drawdown refusal", d)
	}

	gw.release <- broker.OutcomeWin
	select {
	case msg := <-finished:
		if fin := msg.(events.SequenceFinished); fin.Outcome != "won" {
			t.Fatalf("in-flight sequence=%+v, expected won", fin)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight sequence did not finish")
	}
	e.Wait()
	if st := e.Status(); st.PendingSignals != 0 || st.LiveTrades != 0 || st.RunningSeqs != 0 {
		t.Fatalf("status=%+v, expected idle", st)
	}
}

func TestOpenTradesMergesBrokerAndBook(t *testing.T) {
	gw := newGatedGateway()
	gw.positions = []broker.Position{
		{TradeID: "trade-EURUSD", Asset: "EURUSD", Amount: 1, CurrentPrice: 1.1},
		{TradeID: "manual", Asset: "USDJPY", Amount: 3},
	}
	e := newTestEngine(t, gw)

	if _, err := e.SubmitSignal(context.Background(), entryNow); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitFor(t, "placement", func() bool { _, n := e.book.Counts(); return n == 1 })

	trades, err := e.OpenTrades(context.Background())
	if err != nil {
		t.Fatalf("OpenTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades=%+v, expected 2", trades)
	}
	for _, tr := range trades {
		switch tr.TradeID {
		case "trade-EURUSD":
			if !tr.Tracked || !tr.AtBroker || tr.SignalID == "" || tr.CurrentPrice != 1.1 {
				t.Fatalf("merged trade=%+v", tr)
			}
		case "manual":
			if tr.Tracked {
				t.Fatalf("manual position marked tracked")
			}
		}
	}
	gw.release <- broker.OutcomeWin
}

func TestCheckBalanceRetriesWithReconnect(t *testing.T) {
	gw := newGatedGateway()
	gw.failures = 2
	e := newTestEngine(t, gw)

	bal, err := e.CheckBalance(context.Background(), 3)
	if err != nil || bal != 100 {
		t.Fatalf("CheckBalance=%v,%v expected 100", bal, err)
	}
	if gw.reconnect != 2 {
		t.Fatalf("reconnects=%v, expected 2", gw.reconnect)
	}

	gw.failures = 3
	if _, err := e.CheckBalance(context.Background(), 3); !errors.Is(err, broker.ErrBroker) {
		t.Fatalf("CheckBalance=%v, expected broker error after retries", err)
	}
}

func TestShutdownCancelsStuckSequence(t *testing.T) {
	gw := newGatedGateway()
	e := newTestEngine(t, gw)
	if _, err := e.SubmitSignal(context.Background(), entryNow); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitFor(t, "placement", func() bool { _, n := e.book.Counts(); return n == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown=%v, expected deadline exceeded", err)
	}
	if _, err := e.SubmitSignal(context.Background(), entryNow); !errors.Is(err, intake.ErrClosed) {
		t.Fatalf("SubmitSignal after shutdown=%v, expected ErrClosed", err)
	}
}

func TestUpdateRiskConfig(t *testing.T) {
	e := newTestEngine(t, newGatedGateway())
	cfg := e.RiskConfig()
	cfg.InitialStake = 2
	got, err := e.UpdateRiskConfig(context.Background(), cfg)
	if err != nil || got.InitialStake != 2 {
		t.Fatalf("UpdateRiskConfig=%+v,%v", got, err)
	}
	cfg.MartingaleMultiplier = 0
	if _, err := e.UpdateRiskConfig(context.Background(), cfg); !errors.Is(err, risk.ErrInvalidConfig) {
		t.Fatalf("invalid update=%v, expected ErrInvalidConfig", err)
	}
	if _, err := e.PnLHistory(context.Background(), 5); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("PnLHistory=%v, expected ErrNoHistory", err)
	}
}

func TestMidnightResetEventCarriesResetFigures(t *testing.T) {
	e := newTestEngine(t, newGatedGateway())
	clock := e.clock.(clockwork.FakeClock)
	resets, unsub := e.Events().Subscribe(events.EventLedgerReset, 1)
	defer unsub()

	e.ledger.Debit(5)
	clock.BlockUntil(1)
	clock.Advance(12 * time.Hour)

	select {
	case msg := <-resets:
		s := msg.(ledger.Snapshot)
		if s.DailyPnL != 0 || s.LifetimePnL != -5 {
			t.Fatalf("reset event=%+v, expected daily 0 and lifetime -5", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reset event at midnight")
	}
}
