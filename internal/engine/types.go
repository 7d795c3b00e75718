package engine

import (
	"time"

	"signal-core/pkg/broker"
)

// AccountDetails is the account view served to operators.
type AccountDetails struct {
	Balance     float64   `json:"balance"`
	DailyPnL    float64   `json:"daily_pnl"`
	LifetimePnL float64   `json:"lifetime_pnl"`
	LastSync    time.Time `json:"last_sync"`
	Stale       bool      `json:"stale"` // balance refresh failed; figures are cached
}

// OpenTrade joins a broker position with the engine's view of it. Tracked is
// false for positions the engine did not place; Level is only meaningful
// when Tracked is true.
type OpenTrade struct {
	TradeID      string           `json:"trade_id"`
	SignalID     string           `json:"signal_id,omitempty"`
	Asset        string           `json:"asset"`
	Direction    broker.Direction `json:"direction"`
	Amount       float64          `json:"amount"`
	Level        int              `json:"level"`
	OpenPrice    float64          `json:"open_price"`
	CurrentPrice float64          `json:"current_price"`
	OpenedAt     time.Time        `json:"opened_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Tracked      bool             `json:"tracked"`
	AtBroker     bool             `json:"at_broker"`
}

// SystemStatus is reported by the health endpoint.
type SystemStatus struct {
	Mode           string    `json:"mode"`
	StartedAt      time.Time `json:"started_at"`
	PendingSignals int       `json:"pending_signals"`
	LiveTrades     int       `json:"live_trades"`
	RunningSeqs    int64     `json:"running_sequences"`
	IntakeBacklog  int       `json:"intake_backlog"`
	DroppedEvents  uint64    `json:"dropped_events"`
}
