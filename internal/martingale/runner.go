// Package martingale runs the trade sequence of one admitted signal: place at
// the entry instant, wait for the result, and on a loss double the stake and
// place again until a win or the level cap.
package martingale

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/internal/state"
	"signal-core/pkg/broker"
)

// ErrResultTimeout is returned when the broker does not report a result in time.
var ErrResultTimeout = errors.New("result check timed out")

// Outcome is the terminal state of a sequence.
type Outcome string

const (
	Won               Outcome = "won"
	MaxLevelReached   Outcome = "max_level_reached"
	PlacementFailed   Outcome = "placement_failed"
	ResultCheckFailed Outcome = "result_check_failed"
	Cancelled         Outcome = "cancelled"
	Panicked          Outcome = "panicked"
)

// Failed reports whether the outcome warrants an operator alert.
func (o Outcome) Failed() bool {
	switch o {
	case PlacementFailed, ResultCheckFailed, Panicked:
		return true
	}
	return false
}

// IsFailure is Failed for outcome names carried in events.
func IsFailure(outcome string) bool {
	return Outcome(outcome).Failed()
}

// Report summarises a finished sequence.
type Report struct {
	SignalID string
	Outcome  Outcome
	Trades   int     // placements made
	Net      float64 // credited minus debited
	Err      error
}

// Runner executes sequences. One Runner serves every signal; Run is safe for
// concurrent use.
type Runner struct {
	gw     broker.Gateway
	book   *state.Book
	ledger *ledger.Ledger
	bus    *events.Bus
	clock  clockwork.Clock
	config func() risk.RiskConfig
	log    *zap.Logger
}

func NewRunner(gw broker.Gateway, book *state.Book, l *ledger.Ledger, bus *events.Bus, clock clockwork.Clock, config func() risk.RiskConfig, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Runner{gw: gw, book: book, ledger: l, bus: bus, clock: clock, config: config, log: log}
}

// Run drives sig to a terminal outcome. The signal and its trade are always
// removed from the book on return. The risk config is read once, so a
// sequence keeps the ladder it started with.
func (r *Runner) Run(ctx context.Context, sig signal.Signal) (rep Report) {
	rep.SignalID = sig.ID
	log := r.log.With(zap.String("signal_id", sig.ID), zap.String("asset", sig.Asset))

	defer func() {
		if p := recover(); p != nil {
			log.Error("sequence panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			rep.Outcome = Panicked
			rep.Err = fmt.Errorf("panic: %v", p)
		}
		r.book.RemoveSignal(sig.ID)
		r.finish(log, rep)
	}()

	cfg := r.config()

	if wait := sig.EntryAt.Sub(r.clock.Now()); wait > 0 {
		log.Info("waiting for entry", zap.Time("entry_at", sig.EntryAt), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			rep.Outcome, rep.Err = Cancelled, ctx.Err()
			return rep
		case <-r.clock.After(wait):
		}
	}

	stake := decimal.NewFromFloat(cfg.InitialStake)
	multiplier := decimal.NewFromFloat(cfg.MartingaleMultiplier)
	net := decimal.Zero
	defer func() { rep.Net, _ = net.Float64() }()

	for level := 0; ; level++ {
		if err := ctx.Err(); err != nil {
			rep.Outcome, rep.Err = Cancelled, err
			return rep
		}
		amount, _ := stake.Round(2).Float64()

		p, err := broker.Place(ctx, r.gw, sig.Direction, sig.Asset, amount, cfg.Timeframe())
		if err != nil {
			log.Error("placement failed", zap.Int("level", level), zap.Float64("stake", amount), zap.Error(err))
			rep.Outcome, rep.Err = PlacementFailed, err
			return rep
		}
		rep.Trades++
		trade := state.Trade{
			ID:        p.TradeID,
			SignalID:  sig.ID,
			Asset:     sig.Asset,
			Direction: sig.Direction,
			Stake:     amount,
			Level:     level,
			OpenPrice: p.OpenPrice,
			OpenedAt:  p.OpenedAt,
			ExpiresAt: p.ExpiresAt,
		}
		if trade.OpenedAt.IsZero() {
			trade.OpenedAt = r.clock.Now()
		}
		if err := r.book.RecordTrade(trade); err != nil {
			log.Error("trade not recorded", zap.String("trade_id", p.TradeID), zap.Error(err))
			rep.Outcome, rep.Err = PlacementFailed, err
			return rep
		}
		monitor.ObservePlacement(level)
		r.bus.Publish(events.EventTradePlaced, events.TradePlaced{
			SignalID:  sig.ID,
			TradeID:   p.TradeID,
			Asset:     sig.Asset,
			Direction: string(sig.Direction),
			Stake:     amount,
			Level:     level,
		})
		log.Info("trade placed", zap.String("trade_id", p.TradeID), zap.Int("level", level), zap.Float64("stake", amount))

		started := r.clock.Now()
		res, err := r.awaitResult(ctx, p.TradeID, cfg.ResultTimeout())
		monitor.ObserveResultWait(r.clock.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				rep.Outcome, rep.Err = Cancelled, err
				return rep
			}
			log.Error("result check failed", zap.String("trade_id", p.TradeID), zap.Error(err))
			rep.Outcome, rep.Err = ResultCheckFailed, err
			return rep
		}
		r.bus.Publish(events.EventTradeResult, events.TradeResult{
			SignalID: sig.ID,
			TradeID:  p.TradeID,
			Level:    level,
			Outcome:  string(res.Outcome),
			Stake:    amount,
			Profit:   res.Profit,
		})

		if res.Outcome != broker.OutcomeLoss {
			if res.Profit > 0 {
				r.ledger.Credit(res.Profit)
				net = net.Add(decimal.NewFromFloat(res.Profit))
				r.publishLedger()
			}
			log.Info("sequence won", zap.Int("level", level), zap.String("result", string(res.Outcome)), zap.Float64("profit", res.Profit))
			rep.Outcome = Won
			return rep
		}

		r.ledger.Debit(amount)
		net = net.Sub(decimal.NewFromFloat(amount))
		r.publishLedger()
		if level >= cfg.MartingaleLevels {
			log.Warn("martingale exhausted", zap.Int("level", level))
			rep.Outcome = MaxLevelReached
			return rep
		}
		stake = stake.Mul(multiplier)
	}
}

// awaitResult bounds a result check by timeout on the runner's clock.
func (r *Runner) awaitResult(ctx context.Context, tradeID string, timeout time.Duration) (broker.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		res broker.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := r.gw.CheckResult(ctx, tradeID)
		done <- reply{res, err}
	}()

	select {
	case rep := <-done:
		return rep.res, rep.err
	case <-r.clock.After(timeout):
		return broker.Result{}, fmt.Errorf("%w after %s", ErrResultTimeout, timeout)
	case <-ctx.Done():
		return broker.Result{}, ctx.Err()
	}
}

func (r *Runner) publishLedger() {
	s := r.ledger.Snapshot()
	monitor.SetLedger(s.Balance, s.DailyPnL, s.LifetimePnL)
}

func (r *Runner) finish(log *zap.Logger, rep Report) {
	monitor.ObserveSequence(string(rep.Outcome))
	fin := events.SequenceFinished{
		SignalID: rep.SignalID,
		Outcome:  string(rep.Outcome),
		Levels:   rep.Trades,
		Net:      rep.Net,
	}
	if rep.Err != nil {
		fin.Error = rep.Err.Error()
	}
	r.bus.Publish(events.EventSequenceFinished, fin)
	log.Info("sequence finished", zap.String("outcome", string(rep.Outcome)), zap.Int("trades", rep.Trades), zap.Float64("net", rep.Net))
}
