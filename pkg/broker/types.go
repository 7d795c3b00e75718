package broker

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the option side.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// Outcome is the settled result of one trade.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
	OutcomeTie  Outcome = "TIE"
)

// ParseOutcome normalizes broker spellings ("win", "loose", "draw", ...).
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "win", "won":
		return OutcomeWin, nil
	case "loss", "lose", "loose", "lost":
		return OutcomeLoss, nil
	case "tie", "draw", "refund":
		return OutcomeTie, nil
	default:
		return "", fmt.Errorf("unknown trade outcome %q", s)
	}
}

// Placement is the broker's acknowledgement of a new trade.
type Placement struct {
	TradeID   string    `json:"trade_id"`
	Asset     string    `json:"asset"`
	Direction Direction `json:"direction"`
	Amount    float64   `json:"amount"`
	OpenPrice float64   `json:"open_price"`
	OpenedAt  time.Time `json:"opened_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result settles a trade. Profit is the net gain on a win, zero on a tie and
// zero on a loss (the stake itself is the loss).
type Result struct {
	TradeID string  `json:"trade_id"`
	Outcome Outcome `json:"outcome"`
	Profit  float64 `json:"profit"`
	Amount  float64 `json:"amount"`
}

// Position is an open trade as the broker reports it.
type Position struct {
	TradeID      string    `json:"trade_id"`
	Asset        string    `json:"asset"`
	Direction    Direction `json:"direction"`
	Amount       float64   `json:"amount"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
