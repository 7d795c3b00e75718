package events

import "time"

// Event enumerates the topics published by the engine.
type Event string

const (
	EventSignalAdmitted   Event = "signal.admitted"
	EventSignalRejected   Event = "signal.rejected"
	EventTradePlaced      Event = "trade.placed"
	EventTradeResult      Event = "trade.result"
	EventSequenceFinished Event = "sequence.finished"
	EventLedgerReset      Event = "ledger.reset"
	EventRiskAlert        Event = "risk_alert"
)

// Message is what wildcard subscribers receive.
type Message struct {
	Topic   Event     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type SignalAdmitted struct {
	SignalID  string    `json:"signal_id"`
	Provider  string    `json:"provider"`
	Asset     string    `json:"asset"`
	Direction string    `json:"direction"`
	EntryAt   time.Time `json:"entry_at"`
}

type SignalRejected struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

type TradePlaced struct {
	SignalID  string  `json:"signal_id"`
	TradeID   string  `json:"trade_id"`
	Asset     string  `json:"asset"`
	Direction string  `json:"direction"`
	Stake     float64 `json:"stake"`
	Level     int     `json:"level"`
}

type TradeResult struct {
	SignalID string  `json:"signal_id"`
	TradeID  string  `json:"trade_id"`
	Level    int     `json:"level"`
	Outcome  string  `json:"outcome"`
	Stake    float64 `json:"stake"`
	Profit   float64 `json:"profit"`
}

type SequenceFinished struct {
	SignalID string  `json:"signal_id"`
	Outcome  string  `json:"outcome"`
	Levels   int     `json:"levels"` // trades placed
	Net      float64 `json:"net"`
	Error    string  `json:"error,omitempty"`
}

// RiskAlert is routed to the alert sink by the monitor.
type RiskAlert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
