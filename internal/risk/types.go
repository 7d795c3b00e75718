package risk

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // Etc/GMT zones must resolve on hosts without zoneinfo
)

// ErrInvalidConfig marks a RiskConfig rejected by Validate.
var ErrInvalidConfig = errors.New("invalid risk config")

// RiskConfig holds the tunable parameters of the martingale engine. It is
// replaced wholesale; readers take a copy and use it at point of use.
type RiskConfig struct {
	ID   int64  `json:"id" yaml:"-"`
	Name string `json:"name" yaml:"name"`

	// Stake ladder
	InitialStake         float64 `json:"initial_stake" yaml:"initial_stake"`
	MartingaleLevels     int     `json:"martingale_levels" yaml:"martingale_levels"` // highest retry level
	MartingaleMultiplier float64 `json:"martingale_multiplier" yaml:"martingale_multiplier"`

	// Timing
	TimeframeSeconds    int     `json:"timeframe_seconds" yaml:"timeframe_seconds"`
	LocalTimezone       string  `json:"local_timezone" yaml:"local_timezone"`
	LateGraceSeconds    float64 `json:"late_grace_seconds" yaml:"late_grace_seconds"`
	ResultTimeoutFactor float64 `json:"result_timeout_factor" yaml:"result_timeout_factor"`
	BufferSeconds       float64 `json:"buffer_seconds" yaml:"buffer_seconds"`

	// Circuit breaker; 0 disables it
	DrawdownThreshold float64 `json:"drawdown_threshold" yaml:"drawdown_threshold"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DefaultConfig returns default risk configuration
func DefaultConfig() RiskConfig {
	return RiskConfig{
		Name:                 "default",
		InitialStake:         1,
		MartingaleLevels:     3,
		MartingaleMultiplier: 2,
		TimeframeSeconds:     300,
		LocalTimezone:        "Etc/GMT-2",
		LateGraceSeconds:     5,
		ResultTimeoutFactor:  3,
		BufferSeconds:        0.5,
		DrawdownThreshold:    -15, // one full ladder at the defaults: 1+2+4+8
	}
}

// Validate reports the first unusable field.
func (c RiskConfig) Validate() error {
	switch {
	case c.InitialStake <= 0:
		return fmt.Errorf("%w: initial_stake must be positive", ErrInvalidConfig)
	case c.MartingaleLevels < 0:
		return fmt.Errorf("%w: martingale_levels must not be negative", ErrInvalidConfig)
	case c.MartingaleMultiplier < 1:
		return fmt.Errorf("%w: martingale_multiplier must be at least 1", ErrInvalidConfig)
	case c.TimeframeSeconds <= 0:
		return fmt.Errorf("%w: timeframe_seconds must be positive", ErrInvalidConfig)
	case c.DrawdownThreshold > 0:
		return fmt.Errorf("%w: drawdown_threshold must be zero or negative", ErrInvalidConfig)
	case c.LateGraceSeconds < 0:
		return fmt.Errorf("%w: late_grace_seconds must not be negative", ErrInvalidConfig)
	case c.ResultTimeoutFactor < 1:
		return fmt.Errorf("%w: result_timeout_factor must be at least 1", ErrInvalidConfig)
	case c.BufferSeconds < 0:
		return fmt.Errorf("%w: buffer_seconds must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Location resolves the operator timezone.
func (c RiskConfig) Location() (*time.Location, error) {
	if c.LocalTimezone == "" {
		return nil, errors.New("local_timezone is empty")
	}
	loc, err := time.LoadLocation(c.LocalTimezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.LocalTimezone, err)
	}
	return loc, nil
}

// Timeframe is the duration of a single trade.
func (c RiskConfig) Timeframe() time.Duration {
	return time.Duration(c.TimeframeSeconds) * time.Second
}

// LateGrace is how far past its entry instant a signal is still accepted.
func (c RiskConfig) LateGrace() time.Duration {
	return seconds(c.LateGraceSeconds)
}

// ResultTimeout bounds a single result check.
func (c RiskConfig) ResultTimeout() time.Duration {
	factor := c.ResultTimeoutFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(factor*float64(c.Timeframe())) + seconds(c.BufferSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
