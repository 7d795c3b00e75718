// Package engine ties admission, sequences, the ledger and the broker session
// together behind the interface the API layer uses.
package engine

import (
	"context"

	"signal-core/internal/events"
	"signal-core/internal/intake"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// Service defines the engine operations available to the API layer.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Intake
	SubmitSignal(ctx context.Context, raw string) (intake.Decision, error)

	// Queries
	AccountDetails(ctx context.Context) (AccountDetails, error)
	OpenTrades(ctx context.Context) ([]OpenTrade, error)
	CurrentSignals() []signal.Signal
	PnLHistory(ctx context.Context, limit int) ([]db.PnLDay, error)

	// Risk
	RiskConfig() risk.RiskConfig
	UpdateRiskConfig(ctx context.Context, cfg risk.RiskConfig) (risk.RiskConfig, error)

	// System
	Status() SystemStatus
	Events() *events.Bus
}
