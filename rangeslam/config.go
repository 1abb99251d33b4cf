package rangeslam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the YAML-loadable set of tunable thresholds for a Slam
// instance. ICP's numeric behaviour is fixed (see icp.go) since the spec
// this module implements requires exact parity rather than tunability, but
// the keyscan/loop-closure distance gates are legitimately deployment-
// specific and so are configuration, not code.
type EngineConfig struct {
	KeyscanThreshold float64 `yaml:"keyscanThreshold"`
	FactorThreshold  float64 `yaml:"factorThreshold"`
	MatchThreshold   float64 `yaml:"matchThreshold"`
	DistThreshold    float64 `yaml:"distThreshold"`
}

// DefaultEngineConfig returns the spec's defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		KeyscanThreshold: DefaultKeyscanThreshold,
		FactorThreshold:  DefaultFactorThreshold,
		MatchThreshold:   DefaultMatchThreshold,
		DistThreshold:    DefaultDistThreshold,
	}
}

// LoadEngineConfig loads an EngineConfig from a YAML file, validating that
// the threshold invariant FactorThreshold >= 2*KeyscanThreshold holds.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if cfg.KeyscanThreshold <= 0 {
		return nil, fmt.Errorf("keyscanThreshold must be positive")
	}
	if cfg.FactorThreshold < 2*cfg.KeyscanThreshold {
		return nil, fmt.Errorf("factorThreshold must be >= 2*keyscanThreshold")
	}

	return &cfg, nil
}

// SaveEngineConfig saves cfg to a YAML file.
func SaveEngineConfig(path string, cfg EngineConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Apply copies cfg's keyscan and factor thresholds onto s, using the mutual
// setters so the coupling invariant is preserved regardless of application
// order. MatchThreshold and DistThreshold are not applied: they are
// per-scan fields of LaserScan, which Slam does not hold.
func (cfg EngineConfig) Apply(s *Slam) {
	s.SetKeyscanThreshold(cfg.KeyscanThreshold)
	s.SetFactorThreshold(cfg.FactorThreshold)
}
