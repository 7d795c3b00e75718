// Package signal holds the inbound trade signal: its text format, its
// identity and the admission errors.
package signal

import (
	"fmt"
	"strings"
	"time"

	"signal-core/pkg/broker"
)

// Signal is an admitted instruction to trade. It is never mutated after
// admission.
type Signal struct {
	ID         string           `json:"id"`
	Provider   string           `json:"provider"`
	Asset      string           `json:"asset"`
	Direction  broker.Direction `json:"direction"`
	EntryAt    time.Time        `json:"entry_at"` // operator-local instant
	ReceivedAt time.Time        `json:"received_at"`
}

// New builds a Signal whose ID derives from provider, entry instant and asset.
func New(p Parsed, entryAt, receivedAt time.Time) Signal {
	return Signal{
		ID:         Identity(p.Provider, entryAt, p.Asset),
		Provider:   p.Provider,
		Asset:      p.Asset,
		Direction:  p.Direction,
		EntryAt:    entryAt,
		ReceivedAt: receivedAt,
	}
}

// Identity is the dedup key. Equal instants in different zones collapse to
// the same key.
func Identity(provider string, entryAt time.Time, asset string) string {
	return fmt.Sprintf("%s|%s|%s", provider, entryAt.UTC().Format(time.RFC3339), asset)
}

// NormalizeDirection maps BUY/SELL onto CALL/PUT, case-insensitively.
func NormalizeDirection(raw string) (broker.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "CALL":
		return broker.DirectionCall, nil
	case "SELL", "PUT":
		return broker.DirectionPut, nil
	default:
		return "", fmt.Errorf("%w: direction %q (want buy, sell, call or put)", ErrValidation, raw)
	}
}
