package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrategyConfig declares one strategy instance bound to a single symbol.
type StrategyConfig struct {
	StrategyID  string         `yaml:"strategy_id"`
	Class       string         `yaml:"class"` // registered strategy class name
	Symbol      string         `yaml:"symbol"`
	Exchange    string         `yaml:"exchange"`
	Interval    string         `yaml:"interval"` // bar width, e.g. M1
	Enabled     bool           `yaml:"enabled"`
	PreloadBars int            `yaml:"preload_bars"`
	Params      map[string]any `yaml:"params"`
}

// StrategiesFile is the on-disk strategies.yaml layout.
type StrategiesFile struct {
	Strategies []StrategyConfig `yaml:"strategies"`
}

// LoadStrategies parses the strategy catalog.
func LoadStrategies(path string) ([]StrategyConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	var f StrategiesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	seen := make(map[string]bool)
	for _, s := range f.Strategies {
		if s.StrategyID == "" {
			return nil, fmt.Errorf("strategies file %s: entry with empty strategy_id", path)
		}
		if seen[s.StrategyID] {
			return nil, fmt.Errorf("strategies file %s: duplicate strategy_id %s", path, s.StrategyID)
		}
		seen[s.StrategyID] = true
		if s.Class == "" || s.Symbol == "" {
			return nil, fmt.Errorf("strategies file %s: strategy %s missing class or symbol", path, s.StrategyID)
		}
	}
	return f.Strategies, nil
}
