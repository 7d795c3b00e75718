// Package schedule turns a signal's wall-clock entry time into an absolute
// instant in the operator's timezone.
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"signal-core/internal/risk"
	"signal-core/internal/signal"
)

// ParseClock reads "H:MM" or "HH:MM".
func ParseClock(hhmm string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok || len(h) < 1 || len(h) > 2 || len(m) != 2 {
		return 0, 0, fmt.Errorf("%w: entry time %q (want HH:MM)", signal.ErrParse, hhmm)
	}
	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: entry time %q out of range", signal.ErrParse, hhmm)
	}
	return hour, minute, nil
}

// Resolve interprets hhmm as today (operator calendar) in signalTZ. When the
// operator's local hour is below the hour distance between the two zones the
// signal is taken to belong to the previous day: the source clock has not
// crossed midnight yet. The result is expressed in local.
func Resolve(now time.Time, hhmm, signalTZ string, local *time.Location) (time.Time, error) {
	hour, minute, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	sigLoc, err := time.LoadLocation(signalTZ)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", signal.ErrValidation, signalTZ, err)
	}

	localNow := now.In(local)
	y, m, d := localNow.Date()
	at := time.Date(y, m, d, hour, minute, 0, 0, sigLoc)

	if float64(localNow.Hour()) < OffsetDistance(now, sigLoc, local) {
		at = at.AddDate(0, 0, -1)
	}
	return at.In(local), nil
}

// OffsetDistance is |utcOffset(a) - utcOffset(b)| in hours at instant t.
func OffsetDistance(t time.Time, a, b *time.Location) float64 {
	_, offA := t.In(a).Zone()
	_, offB := t.In(b).Zone()
	return math.Abs(float64(offA-offB)) / 3600
}

// CheckLate rejects a target that passed more than grace ago.
func CheckLate(now, target time.Time, grace time.Duration) error {
	if now.After(target.Add(grace)) {
		return fmt.Errorf("%w: entry %s, now %s (grace %s)",
			signal.ErrLate, target.Format(time.RFC3339), now.In(target.Location()).Format(time.RFC3339), grace)
	}
	return nil
}

// Resolver applies Resolve and CheckLate against the live clock and the
// current risk configuration.
type Resolver struct {
	clock  clockwork.Clock
	config func() risk.RiskConfig
}

func NewResolver(clock clockwork.Clock, config func() risk.RiskConfig) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{clock: clock, config: config}
}

// Target returns the operator-local entry instant for a parsed signal, or
// ErrParse, ErrValidation or ErrLate.
func (r *Resolver) Target(hhmm, signalTZ string) (time.Time, error) {
	cfg := r.config()
	local, err := cfg.Location()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", signal.ErrValidation, err)
	}
	now := r.clock.Now()
	target, err := Resolve(now, hhmm, signalTZ, local)
	if err != nil {
		return time.Time{}, err
	}
	if err := CheckLate(now, target, cfg.LateGrace()); err != nil {
		return time.Time{}, err
	}
	return target, nil
}
