// Package broker defines the capability contract the engine consumes from a
// binary-options broker, plus the shared request/response types.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBroker marks every failure that originates in a gateway call. Callers
// treat it as opaque.
var ErrBroker = errors.New("broker error")

// Gateway abstracts the single active broker session.
type Gateway interface {
	Balance(ctx context.Context) (float64, error)
	Buy(ctx context.Context, asset string, amount float64, duration time.Duration) (Placement, error)
	Sell(ctx context.Context, asset string, amount float64, duration time.Duration) (Placement, error)
	// CheckResult blocks until the trade's timeframe has elapsed.
	CheckResult(ctx context.Context, tradeID string) (Result, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	Reconnect(ctx context.Context) error
	Disconnect() error
}

// Place routes CALL to Buy and PUT to Sell.
func Place(ctx context.Context, gw Gateway, dir Direction, asset string, amount float64, duration time.Duration) (Placement, error) {
	switch dir {
	case DirectionCall:
		return gw.Buy(ctx, asset, amount, duration)
	case DirectionPut:
		return gw.Sell(ctx, asset, amount, duration)
	default:
		return Placement{}, Wrap("place", fmt.Errorf("unknown direction %q", dir))
	}
}

// Wrap tags err as a broker failure of op, keeping both in the chain.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBroker) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBroker, op, err)
}
