// Package reconciliation compares the broker's open positions with the
// trades the engine tracks and raises alerts on mismatches.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/state"
	"signal-core/pkg/broker"
)

// DiffKind classifies a mismatch.
type DiffKind string

const (
	// Unknown positions are open at the broker but not placed by the engine.
	Unknown DiffKind = "unknown_at_broker"
	// Missing trades are tracked and unexpired but absent at the broker.
	Missing DiffKind = "missing_at_broker"
)

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time
	Diffs     []Diff
	HasDiffs  bool
}

// Diff is a single mismatch.
type Diff struct {
	Kind    DiffKind
	TradeID string
	Asset   string
	Amount  float64
}

// PositionSource is the part of the gateway reconciliation needs.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]broker.Position, error)
}

// Service handles periodic reconciliation.
type Service struct {
	broker   PositionSource
	book     *state.Book
	bus      *events.Bus
	clock    clockwork.Clock
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	alerted map[string]bool // trade ids already reported
}

// NewService creates a new reconciliation service.
func NewService(src PositionSource, book *state.Book, bus *events.Bus, clock clockwork.Clock, interval time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		broker:   src,
		book:     book,
		bus:      bus,
		clock:    clock,
		interval: interval,
		log:      log,
		alerted:  make(map[string]bool),
	}
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("reconciliation disabled")
		return
	}
	ticker := s.clock.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.log.Warn("reconciliation failed", zap.Error(err))
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

// Reconcile performs one comparison.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	positions, err := s.broker.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	report := &Report{Timestamp: now}

	atBroker := make(map[string]bool, len(positions))
	for _, p := range positions {
		atBroker[p.TradeID] = true
		if _, ok := s.book.Trade(p.TradeID); !ok {
			report.Diffs = append(report.Diffs, Diff{Kind: Unknown, TradeID: p.TradeID, Asset: p.Asset, Amount: p.Amount})
		}
	}
	for _, t := range s.book.Trades() {
		// expired trades leave the broker list before their result is read
		if atBroker[t.ID] || t.ExpiresAt.IsZero() || !t.ExpiresAt.After(now) {
			continue
		}
		report.Diffs = append(report.Diffs, Diff{Kind: Missing, TradeID: t.ID, Asset: t.Asset, Amount: t.Stake})
	}
	report.HasDiffs = len(report.Diffs) > 0
	return report, nil
}

// handleReport alerts once per trade id.
func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range report.Diffs {
		if s.alerted[d.TradeID] {
			continue
		}
		s.alerted[d.TradeID] = true
		s.log.Warn("position mismatch",
			zap.String("kind", string(d.Kind)),
			zap.String("trade_id", d.TradeID),
			zap.String("asset", d.Asset),
			zap.Float64("amount", d.Amount))
		if s.bus != nil {
			s.bus.Publish(events.EventRiskAlert, events.RiskAlert{
				Severity: "warning",
				Message:  fmt.Sprintf("%s: trade %s %s %.2f", d.Kind, d.TradeID, d.Asset, d.Amount),
			})
		}
	}
}
