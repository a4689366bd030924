package replikv

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape a Config can be loaded from. Not
// every Config field is expressible this way — Store, Transport, and
// Logger are runtime collaborators a caller still wires up in code after
// loading.
type FileConfig struct {
	NodeID      string             `yaml:"node_id"`
	Security    SecurityFileConfig `yaml:"security,omitempty"`
	Replication ReplicationFileConfig `yaml:"replication,omitempty"`
}

// SecurityFileConfig is the YAML shape of SecurityConfig.
type SecurityFileConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MasterKey     string `yaml:"master_key,omitempty"`
	Algorithm     string `yaml:"algorithm,omitempty"`
	KDFIterations int    `yaml:"kdf_iterations,omitempty"`
	KeyLength     int    `yaml:"key_length,omitempty"`
}

// ReplicationFileConfig is the YAML shape of ReplicationTuning. Durations
// are strings parsed with time.ParseDuration (e.g. "30s", "2m").
type ReplicationFileConfig struct {
	DefaultConflictStrategy string `yaml:"default_conflict_strategy,omitempty"`
	MaxVersionsPerPath      int    `yaml:"max_versions_per_path,omitempty"`
	MaxMessageAge           string `yaml:"max_message_age,omitempty"`
	AntiEntropyInterval     string `yaml:"anti_entropy_interval,omitempty"`
	VectorClockSyncInterval string `yaml:"vector_clock_sync_interval,omitempty"`
}

// ParseConfigFile parses data as a FileConfig and converts it into a
// Config. The returned Config still needs Store/Transport/Logger set by
// the caller before use; it has not been passed through withDefaults.
func ParseConfigFile(data []byte) (Config, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("replikv: parsing config file: %w", err)
	}
	return fc.toConfig()
}

// LoadConfigFile reads path and parses it as a Config via
// ParseConfigFile.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("replikv: reading config file: %w", err)
	}
	return ParseConfigFile(data)
}

func (fc FileConfig) toConfig() (Config, error) {
	cfg := Config{
		NodeID: fc.NodeID,
		Security: SecurityConfig{
			Enabled:       fc.Security.Enabled,
			MasterKey:     fc.Security.MasterKey,
			Algorithm:     fc.Security.Algorithm,
			KDFIterations: fc.Security.KDFIterations,
			KeyLength:     fc.Security.KeyLength,
		},
		Replication: ReplicationTuning{
			DefaultConflictStrategy: ConflictStrategy(fc.Replication.DefaultConflictStrategy),
			MaxVersionsPerPath:      fc.Replication.MaxVersionsPerPath,
		},
	}

	var err error
	if cfg.Replication.MaxMessageAge, err = parseOptionalDuration(fc.Replication.MaxMessageAge); err != nil {
		return Config{}, err
	}
	if cfg.Replication.AntiEntropyInterval, err = parseOptionalDuration(fc.Replication.AntiEntropyInterval); err != nil {
		return Config{}, err
	}
	if cfg.Replication.VectorClockSyncInterval, err = parseOptionalDuration(fc.Replication.VectorClockSyncInterval); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("replikv: invalid duration %q: %w", s, err)
	}
	return d, nil
}
