package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/intake"
	"signal-core/internal/ledger"
	"signal-core/internal/martingale"
	"signal-core/internal/monitor"
	"signal-core/internal/risk"
	"signal-core/internal/schedule"
	"signal-core/internal/signal"
	"signal-core/internal/state"
	"signal-core/pkg/broker"
	"signal-core/pkg/db"
)

// ErrNoHistory is returned when the engine runs without a database.
var ErrNoHistory = errors.New("pnl history not available")

var _ Service = (*Impl)(nil)

// Impl implements the Service interface by composing the engine modules.
type Impl struct {
	gw      broker.Gateway
	book    *state.Book
	ledger  *ledger.Ledger
	riskMgr *risk.Manager
	runner  *martingale.Runner
	queue   *intake.Queue
	bus     *events.Bus
	db      *db.Database
	clock   clockwork.Clock
	log     *zap.Logger

	// sequences run on base, not on the request that admitted them
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Int64

	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Gateway   broker.Gateway
	RiskMgr   *risk.Manager
	DB        *db.Database    // optional; enables P/L history
	Audit     ledger.Recorder // optional; defaults to DB
	Bus       *events.Bus
	Clock     clockwork.Clock
	Log       *zap.Logger
	Mode      string
	QueueSize int
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	e := &Impl{
		gw:      cfg.Gateway,
		book:    state.NewBook(),
		riskMgr: cfg.RiskMgr,
		bus:     cfg.Bus,
		db:      cfg.DB,
		clock:   cfg.Clock,
		log:     cfg.Log,
		meta:    SystemStatus{Mode: cfg.Mode, StartedAt: cfg.Clock.Now()},
	}
	e.base, e.cancel = context.WithCancel(context.Background())

	audit := cfg.Audit
	if audit == nil && cfg.DB != nil {
		audit = cfg.DB
	}
	e.ledger = ledger.New(cfg.Clock, e.location, audit, cfg.Log.With(zap.String("component", "ledger")))
	e.runner = martingale.NewRunner(cfg.Gateway, e.book, e.ledger, cfg.Bus, cfg.Clock, cfg.RiskMgr.GetConfig,
		cfg.Log.With(zap.String("component", "martingale")))
	e.queue = intake.NewQueue(cfg.QueueSize, intake.Deps{
		Book:     e.book,
		Ledger:   e.ledger,
		Resolver: schedule.NewResolver(cfg.Clock, cfg.RiskMgr.GetConfig),
		Config:   cfg.RiskMgr.GetConfig,
		Clock:    cfg.Clock,
		Bus:      cfg.Bus,
		Execute:  e.execute,
		Log:      cfg.Log.With(zap.String("component", "intake")),
	})
	return e
}

// location is read per use so a timezone change applies at the next midnight.
func (e *Impl) location() *time.Location {
	loc, err := e.riskMgr.GetConfig().Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// Start launches the intake worker, the midnight reset and the balance sync.
func (e *Impl) Start(balanceSync time.Duration) {
	e.queue.Start(e.base)
	go e.ledger.RunDailyReset(e.base, e.publishReset)
	if balanceSync > 0 {
		go e.ledger.RunBalanceSync(e.base, e.gw, balanceSync)
	}
}

func (e *Impl) publishReset(s ledger.Snapshot) {
	monitor.SetLedger(s.Balance, s.DailyPnL, s.LifetimePnL)
	e.bus.Publish(events.EventLedgerReset, s)
}

// CheckBalance fetches the balance, reconnecting between attempts. It is
// the startup gate: the engine must not accept signals without a session.
func (e *Impl) CheckBalance(ctx context.Context, attempts int) (float64, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		bal, err := e.ledger.Sync(ctx, e.gw)
		if err == nil {
			s := e.ledger.Snapshot()
			monitor.SetLedger(s.Balance, s.DailyPnL, s.LifetimePnL)
			return bal, nil
		}
		lastErr = err
		e.log.Warn("balance check failed", zap.Int("attempt", i), zap.Int("of", attempts), zap.Error(err))
		if i == attempts {
			break
		}
		if err := e.gw.Reconnect(ctx); err != nil {
			e.log.Warn("reconnect failed", zap.Error(err))
		}
	}
	return 0, fmt.Errorf("balance unavailable after %d attempts: %w", attempts, lastErr)
}

func (e *Impl) execute(sig signal.Signal) {
	e.wg.Add(1)
	e.running.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Add(-1)
		e.runner.Run(e.base, sig)
	}()
}

// Shutdown stops intake, then waits for running sequences until ctx
// expires, after which they are cancelled.
func (e *Impl) Shutdown(ctx context.Context) error {
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		<-e.queue.Done()
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("sequences still running at shutdown: %w", ctx.Err())
	}
	e.cancel()
	<-done
	return err
}

// Wait blocks until every started sequence has finished.
func (e *Impl) Wait() {
	e.wg.Wait()
}

// --- Intake ---

func (e *Impl) SubmitSignal(ctx context.Context, raw string) (intake.Decision, error) {
	return e.queue.Submit(ctx, raw)
}

// --- Queries ---

func (e *Impl) AccountDetails(ctx context.Context) (AccountDetails, error) {
	_, err := e.ledger.Sync(ctx, e.gw)
	if err != nil {
		e.log.Warn("balance refresh failed; serving cached figures", zap.Error(err))
	}
	s := e.ledger.Snapshot()
	monitor.SetLedger(s.Balance, s.DailyPnL, s.LifetimePnL)
	return AccountDetails{
		Balance:     s.Balance,
		DailyPnL:    s.DailyPnL,
		LifetimePnL: s.LifetimePnL,
		LastSync:    s.LastSync,
		Stale:       err != nil,
	}, nil
}

// OpenTrades merges broker positions with the trades the engine tracks.
func (e *Impl) OpenTrades(ctx context.Context) ([]OpenTrade, error) {
	positions, err := e.gw.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	tracked := e.book.Trades()

	byID := make(map[string]*OpenTrade, len(positions)+len(tracked))
	out := make([]OpenTrade, 0, len(positions)+len(tracked))
	for _, p := range positions {
		out = append(out, OpenTrade{
			TradeID:      p.TradeID,
			Asset:        p.Asset,
			Direction:    p.Direction,
			Amount:       p.Amount,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: p.CurrentPrice,
			OpenedAt:     p.OpenedAt,
			ExpiresAt:    p.ExpiresAt,
			AtBroker:     true,
		})
	}
	for i := range out {
		byID[out[i].TradeID] = &out[i]
	}
	for _, t := range tracked {
		if ot, ok := byID[t.ID]; ok {
			ot.SignalID = t.SignalID
			ot.Level = t.Level
			ot.Tracked = true
			continue
		}
		out = append(out, OpenTrade{
			TradeID:   t.ID,
			SignalID:  t.SignalID,
			Asset:     t.Asset,
			Direction: t.Direction,
			Amount:    t.Stake,
			Level:     t.Level,
			OpenPrice: t.OpenPrice,
			OpenedAt:  t.OpenedAt,
			ExpiresAt: t.ExpiresAt,
			Tracked:   true,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (e *Impl) CurrentSignals() []signal.Signal {
	return e.book.Signals()
}

func (e *Impl) PnLHistory(ctx context.Context, limit int) ([]db.PnLDay, error) {
	if e.db == nil {
		return nil, ErrNoHistory
	}
	return e.db.ListPnLDays(ctx, limit)
}

// --- Risk ---

func (e *Impl) RiskConfig() risk.RiskConfig {
	return e.riskMgr.GetConfig()
}

// UpdateRiskConfig replaces the config. Running sequences keep the ladder
// they started with.
func (e *Impl) UpdateRiskConfig(ctx context.Context, cfg risk.RiskConfig) (risk.RiskConfig, error) {
	if err := e.riskMgr.UpdateConfig(ctx, cfg); err != nil {
		return risk.RiskConfig{}, err
	}
	updated := e.riskMgr.GetConfig()
	e.log.Info("risk config updated",
		zap.Float64("initial_stake", updated.InitialStake),
		zap.Int("martingale_levels", updated.MartingaleLevels),
		zap.Float64("drawdown_threshold", updated.DrawdownThreshold))
	return updated, nil
}

// --- System ---

func (e *Impl) Status() SystemStatus {
	st := e.meta
	st.PendingSignals, st.LiveTrades = e.book.Counts()
	st.RunningSeqs = e.running.Load()
	st.IntakeBacklog = e.queue.Len()
	st.DroppedEvents = e.bus.Dropped()
	return st
}

func (e *Impl) Events() *events.Bus {
	return e.bus
}

// Book exposes the trade book to the reconciliation service.
func (e *Impl) Book() *state.Book {
	return e.book
}
