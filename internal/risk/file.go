package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a yaml RiskConfig. Keys absent from the file keep their
// DefaultConfig values.
func LoadFile(path string) (RiskConfig, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read risk file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse risk file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
