// Package intake admits raw signal notifications one at a time.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/risk"
	"signal-core/internal/schedule"
	"signal-core/internal/signal"
	"signal-core/internal/state"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("intake closed")

// Reason classifies an admission decision.
type Reason string

const (
	ReasonAdmitted   Reason = "admitted"
	ReasonParse      Reason = "parse_error"
	ReasonValidation Reason = "validation_error"
	ReasonLate       Reason = "late"
	ReasonDuplicate  Reason = "duplicate"
	ReasonDrawdown   Reason = "drawdown"
	ReasonClosed     Reason = "closed"
	ReasonAbandoned  Reason = "abandoned" // submitter gave up before the worker got to it
)

// Decision is the result of one admission.
type Decision struct {
	Admitted bool
	Reason   Reason
	Err      error
	Signal   signal.Signal
}

// Executor starts the sequence of an admitted signal. It must not block.
type Executor func(signal.Signal)

type job struct {
	ctx   context.Context
	raw   string
	reply chan Decision
}

// Queue buffers notifications and admits them on a single worker, so each
// one is parsed, checked and registered before the next is looked at.
type Queue struct {
	ch       chan job
	book     *state.Book
	ledger   *ledger.Ledger
	resolver *schedule.Resolver
	config   func() risk.RiskConfig
	clock    clockwork.Clock
	bus      *events.Bus
	execute  Executor
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Deps are the collaborators of the admission pipeline.
type Deps struct {
	Book     *state.Book
	Ledger   *ledger.Ledger
	Resolver *schedule.Resolver
	Config   func() risk.RiskConfig
	Clock    clockwork.Clock
	Bus      *events.Bus
	Execute  Executor
	Log      *zap.Logger
}

func NewQueue(size int, d Deps) *Queue {
	if size <= 0 {
		size = 64
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	return &Queue{
		ch:       make(chan job, size),
		book:     d.Book,
		ledger:   d.Ledger,
		resolver: d.Resolver,
		config:   d.Config,
		clock:    d.Clock,
		bus:      d.Bus,
		execute:  d.Execute,
		log:      d.Log,
		done:     make(chan struct{}),
	}
}

// Start runs the worker until ctx is cancelled or the queue is closed.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		q.drain(ctx)
	}()
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.rejectBacklog()
			return
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			monitor.IntakeBacklog.Set(float64(len(q.ch)))
			if err := j.ctx.Err(); err != nil {
				// nobody is waiting for this decision
				monitor.ObserveSignal(string(ReasonAbandoned))
				j.reply <- Decision{Reason: ReasonAbandoned, Err: err}
				continue
			}
			j.reply <- q.admit(j.raw)
		}
	}
}

// rejectBacklog answers anything left once the worker is stopping.
func (q *Queue) rejectBacklog() {
	for {
		select {
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			j.reply <- Decision{Reason: ReasonClosed, Err: ErrClosed}
		default:
			return
		}
	}
}

// Submit enqueues raw and waits for its decision. A submission whose ctx
// ends while it is still queued is dropped unadmitted. Once the worker has
// picked it up the decision stands even if ctx ends first, so a ctx error
// from Submit means the outcome is unknown, not that it was refused.
func (q *Queue) Submit(ctx context.Context, raw string) (Decision, error) {
	j := job{ctx: ctx, raw: raw, reply: make(chan Decision, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return Decision{Reason: ReasonClosed, Err: ErrClosed}, ErrClosed
	}
	select {
	case q.ch <- j:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return Decision{}, ctx.Err()
	}

	select {
	case d := <-j.reply:
		return d, nil
	case <-ctx.Done():
		// the worker still answers into the buffered reply
		return Decision{}, ctx.Err()
	}
}

// Close stops accepting submissions. Queued jobs are still decided.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len reports the backlog.
func (q *Queue) Len() int {
	return len(q.ch)
}

// admit runs the checks in order: parse, drawdown, entry time, dedup.
func (q *Queue) admit(raw string) (d Decision) {
	defer func() {
		monitor.ObserveSignal(string(d.Reason))
		if d.Admitted {
			return
		}
		q.log.Info("signal rejected", zap.String("reason", string(d.Reason)), zap.Error(d.Err))
		q.bus.Publish(events.EventSignalRejected, events.SignalRejected{Reason: string(d.Reason), Error: d.Err.Error()})
	}()

	parsed, err := signal.Parse(raw)
	if err != nil {
		return reject(err)
	}

	cfg := q.config()
	if q.ledger.CheckDrawdown(cfg.DrawdownThreshold) {
		daily := q.ledger.Snapshot().DailyPnL
		q.bus.Publish(events.EventRiskAlert, events.RiskAlert{
			Severity: "critical",
			Message:  fmt.Sprintf("daily drawdown %.2f reached threshold %.2f; signal refused", daily, cfg.DrawdownThreshold),
		})
		return Decision{Reason: ReasonDrawdown, Err: fmt.Errorf("%w: daily pnl %.2f", signal.ErrDrawdown, daily)}
	}

	entryAt, err := q.resolver.Target(parsed.EntryTime, parsed.Timezone)
	if err != nil {
		return reject(err)
	}

	sig := signal.New(parsed, entryAt, q.clock.Now())
	if q.book.Admit(sig) == state.Duplicate {
		return Decision{Reason: ReasonDuplicate, Err: fmt.Errorf("%w: %s", signal.ErrDuplicate, sig.ID), Signal: sig}
	}

	q.log.Info("signal admitted",
		zap.String("signal_id", sig.ID),
		zap.String("direction", string(sig.Direction)),
		zap.Time("entry_at", sig.EntryAt))
	q.bus.Publish(events.EventSignalAdmitted, events.SignalAdmitted{
		SignalID:  sig.ID,
		Provider:  sig.Provider,
		Asset:     sig.Asset,
		Direction: string(sig.Direction),
		EntryAt:   sig.EntryAt,
	})
	if q.execute != nil {
		q.execute(sig)
	}
	return Decision{Admitted: true, Reason: ReasonAdmitted, Signal: sig}
}

func reject(err error) Decision {
	switch {
	case errors.Is(err, signal.ErrLate):
		return Decision{Reason: ReasonLate, Err: err}
	case errors.Is(err, signal.ErrValidation):
		return Decision{Reason: ReasonValidation, Err: err}
	default:
		return Decision{Reason: ReasonParse, Err: err}
	}
}
