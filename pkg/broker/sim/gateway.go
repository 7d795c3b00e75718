// Package sim is a dry-run broker: trades settle against the injected clock
// with a configurable win rate, so the engine can run end to end without a
// live session.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/pkg/broker"
)

var (
	errDisconnected = errors.New("session disconnected")
	errUnknownTrade = errors.New("unknown trade id")
)

// Config tunes the simulation.
type Config struct {
	InitialBalance float64
	WinRate        float64       // probability of WIN for unscripted trades
	TieRate        float64       // probability of TIE, drawn after WinRate
	Payout         float64       // profit ratio on a win, e.g. 0.92
	Latency        time.Duration // added to every placement
	TimeScale      float64       // fraction of the trade duration before settlement; 0 means 1
	Seed           int64         // 0 seeds from the clock
}

type trade struct {
	placement broker.Placement
	settleAt  time.Time
	outcome   broker.Outcome
	result    *broker.Result
}

// Gateway implements broker.Gateway in memory.
type Gateway struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	balance   decimal.Decimal
	trades    map[string]*trade
	script    []broker.Outcome
	price     float64
	connected bool
}

var _ broker.Gateway = (*Gateway)(nil)

func New(cfg Config, clock clockwork.Clock, log *zap.Logger) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	return &Gateway{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		rng:       rand.New(rand.NewSource(seed)),
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
		trades:    make(map[string]*trade),
		price:     1.0,
		connected: true,
	}
}

// Script queues outcomes consumed by the next placements in order, before
// falling back to random draws.
func (g *Gateway) Script(outcomes ...broker.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomes...)
}

func (g *Gateway) Balance(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return 0, broker.Wrap("balance", errDisconnected)
	}
	return g.balance.InexactFloat64(), nil
}

func (g *Gateway) Buy(ctx context.Context, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	return g.place(ctx, broker.DirectionCall, asset, amount, duration)
}

func (g *Gateway) Sell(ctx context.Context, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	return g.place(ctx, broker.DirectionPut, asset, amount, duration)
}

func (g *Gateway) place(ctx context.Context, dir broker.Direction, asset string, amount float64, duration time.Duration) (broker.Placement, error) {
	if g.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return broker.Placement{}, broker.Wrap("place", ctx.Err())
		case <-g.clock.After(g.cfg.Latency):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return broker.Placement{}, broker.Wrap("place", errDisconnected)
	}
	stake := decimal.NewFromFloat(amount)
	if !stake.IsPositive() {
		return broker.Placement{}, broker.Wrap("place", fmt.Errorf("amount must be positive, got %v", amount))
	}
	if stake.GreaterThan(g.balance) {
		return broker.Placement{}, broker.Wrap("place", fmt.Errorf("insufficient balance: need %s, have %s", stake, g.balance))
	}
	if duration <= 0 {
		return broker.Placement{}, broker.Wrap("place", fmt.Errorf("duration must be positive, got %v", duration))
	}

	g.balance = g.balance.Sub(stake)
	g.price *= 1 + (g.rng.Float64()-0.5)*0.001

	now := g.clock.Now()
	p := broker.Placement{
		TradeID:   uuid.NewString(),
		Asset:     asset,
		Direction: dir,
		Amount:    amount,
		OpenPrice: g.price,
		OpenedAt:  now,
		ExpiresAt: now.Add(duration),
	}
	g.trades[p.TradeID] = &trade{
		placement: p,
		settleAt:  now.Add(time.Duration(float64(duration) * g.cfg.TimeScale)),
		outcome:   g.nextOutcome(),
	}

	g.log.Debug("sim trade placed",
		zap.String("trade_id", p.TradeID),
		zap.String("asset", asset),
		zap.String("direction", string(dir)),
		zap.Float64("amount", amount),
	)
	return p, nil
}

// nextOutcome must be called with g.mu held.
func (g *Gateway) nextOutcome() broker.Outcome {
	if len(g.script) > 0 {
		o := g.script[0]
		g.script = g.script[1:]
		return o
	}
	draw := g.rng.Float64()
	switch {
	case draw < g.cfg.WinRate:
		return broker.OutcomeWin
	case draw < g.cfg.WinRate+g.cfg.TieRate:
		return broker.OutcomeTie
	default:
		return broker.OutcomeLoss
	}
}

func (g *Gateway) CheckResult(ctx context.Context, tradeID string) (broker.Result, error) {
	g.mu.Lock()
	t, ok := g.trades[tradeID]
	if !ok {
		g.mu.Unlock()
		return broker.Result{}, broker.Wrap("check result", fmt.Errorf("%w: %s", errUnknownTrade, tradeID))
	}
	settleAt := t.settleAt
	g.mu.Unlock()

	if wait := settleAt.Sub(g.clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return broker.Result{}, broker.Wrap("check result", ctx.Err())
		case <-g.clock.After(wait):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settle(t), nil
}

// settle credits the balance once per trade; must be called with g.mu held.
func (g *Gateway) settle(t *trade) broker.Result {
	if t.result != nil {
		return *t.result
	}
	stake := decimal.NewFromFloat(t.placement.Amount)
	res := broker.Result{
		TradeID: t.placement.TradeID,
		Outcome: t.outcome,
		Amount:  t.placement.Amount,
	}
	switch t.outcome {
	case broker.OutcomeWin:
		profit := stake.Mul(decimal.NewFromFloat(g.cfg.Payout)).Round(2)
		g.balance = g.balance.Add(stake).Add(profit)
		res.Profit = profit.InexactFloat64()
	case broker.OutcomeTie:
		g.balance = g.balance.Add(stake)
	}
	t.result = &res
	return res
}

func (g *Gateway) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, broker.Wrap("open positions", errDisconnected)
	}

	now := g.clock.Now()
	out := make([]broker.Position, 0, len(g.trades))
	for _, t := range g.trades {
		if t.result != nil || !now.Before(t.settleAt) {
			continue
		}
		p := t.placement
		out = append(out, broker.Position{
			TradeID:      p.TradeID,
			Asset:        p.Asset,
			Direction:    p.Direction,
			Amount:       p.Amount,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: g.price,
			OpenedAt:     p.OpenedAt,
			ExpiresAt:    p.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (g *Gateway) Reconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	g.log.Info("sim broker reconnected")
	return nil
}

func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}
