package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns the active RiskConfig and persists replacements.
type Manager struct {
	db     *sql.DB
	config *RiskConfig
	log    *zap.Logger
	mu     sync.RWMutex
}

// NewManager creates a new risk manager backed by the DB.
// If no active config exists it inserts seed.
func NewManager(db *sql.DB, seed RiskConfig, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mgr := &Manager{db: db, log: log}

	if err := mgr.LoadConfig(); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load risk config: %w", err)
		}
		if err := seed.Validate(); err != nil {
			return nil, fmt.Errorf("seed risk config: %w", err)
		}
		id, err := mgr.insertConfig(seed)
		if err != nil {
			return nil, fmt.Errorf("insert seed risk config: %w", err)
		}
		seed.ID = id
		mgr.config = &seed
	}

	cfg := mgr.GetConfig()
	log.Info("risk manager initialized",
		zap.Float64("initial_stake", cfg.InitialStake),
		zap.Int("martingale_levels", cfg.MartingaleLevels),
		zap.Float64("multiplier", cfg.MartingaleMultiplier),
		zap.Int("timeframe_seconds", cfg.TimeframeSeconds),
		zap.Float64("drawdown_threshold", cfg.DrawdownThreshold),
		zap.String("local_timezone", cfg.LocalTimezone),
	)
	return mgr, nil
}

// NewInMemory creates a risk manager without DB persistence.
func NewInMemory(cfg RiskConfig) *Manager {
	return &Manager{config: &cfg, log: zap.NewNop()}
}

// LoadConfig loads the active risk configuration row.
func (m *Manager) LoadConfig() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		cfg := DefaultConfig()
		m.config = &cfg
		return nil
	}

	cfg := &RiskConfig{}
	err := m.db.QueryRow(`
		SELECT id, name, initial_stake, martingale_levels, martingale_multiplier,
		       timeframe_seconds, drawdown_threshold, local_timezone,
		       late_grace_seconds, result_timeout_factor, buffer_seconds
		FROM risk_configs
		WHERE is_active = 1
		ORDER BY id DESC
		LIMIT 1
	`).Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.InitialStake,
		&cfg.MartingaleLevels,
		&cfg.MartingaleMultiplier,
		&cfg.TimeframeSeconds,
		&cfg.DrawdownThreshold,
		&cfg.LocalTimezone,
		&cfg.LateGraceSeconds,
		&cfg.ResultTimeoutFactor,
		&cfg.BufferSeconds,
	)
	if err != nil {
		return err
	}

	m.config = cfg
	return nil
}

func (m *Manager) insertConfig(cfg RiskConfig) (int64, error) {
	res, err := m.db.Exec(`
		INSERT INTO risk_configs (
			name, initial_stake, martingale_levels, martingale_multiplier,
			timeframe_seconds, drawdown_threshold, local_timezone,
			late_grace_seconds, result_timeout_factor, buffer_seconds,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`,
		cfg.Name,
		cfg.InitialStake,
		cfg.MartingaleLevels,
		cfg.MartingaleMultiplier,
		cfg.TimeframeSeconds,
		cfg.DrawdownThreshold,
		cfg.LocalTimezone,
		cfg.LateGraceSeconds,
		cfg.ResultTimeoutFactor,
		cfg.BufferSeconds,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetConfig returns a copy of current config.
func (m *Manager) GetConfig() RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// UpdateConfig replaces every field of the active configuration.
func (m *Manager) UpdateConfig(ctx context.Context, cfg RiskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.ID = m.config.ID
	if cfg.Name == "" {
		cfg.Name = m.config.Name
	}
	cfg.UpdatedAt = time.Now()

	if m.db != nil {
		_, err := m.db.ExecContext(ctx, `
			UPDATE risk_configs
			SET name = ?, initial_stake = ?, martingale_levels = ?, martingale_multiplier = ?,
			    timeframe_seconds = ?, drawdown_threshold = ?, local_timezone = ?,
			    late_grace_seconds = ?, result_timeout_factor = ?, buffer_seconds = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND is_active = 1
		`,
			cfg.Name,
			cfg.InitialStake,
			cfg.MartingaleLevels,
			cfg.MartingaleMultiplier,
			cfg.TimeframeSeconds,
			cfg.DrawdownThreshold,
			cfg.LocalTimezone,
			cfg.LateGraceSeconds,
			cfg.ResultTimeoutFactor,
			cfg.BufferSeconds,
			cfg.ID,
		)
		if err != nil {
			return fmt.Errorf("update risk config: %w", err)
		}
	}

	m.config = &cfg
	m.log.Info("risk config replaced",
		zap.Float64("initial_stake", cfg.InitialStake),
		zap.Int("martingale_levels", cfg.MartingaleLevels),
		zap.Float64("multiplier", cfg.MartingaleMultiplier),
		zap.Int("timeframe_seconds", cfg.TimeframeSeconds),
		zap.Float64("drawdown_threshold", cfg.DrawdownThreshold),
	)
	return nil
}
