package replikv

import (
	"log/slog"
	"time"
)

// Config constructs a ReplicationNode. NodeID is the only required
// field; everything else has a documented default applied by
// DefaultConfig / withDefaults.
type Config struct {
	// NodeID uniquely identifies this node within the replica set. It
	// is used as the vector clock key and as the tiebreak identity in
	// deterministic conflict resolution. Required.
	NodeID string

	// Store is the durable collaborator records are persisted to. If
	// nil, an in-memory Store is used.
	Store Store

	// Transport is the peer messaging collaborator. If nil, a
	// standalone in-process Transport (no peers) is used.
	Transport Transport

	// Security configures the SecurityEnvelope wrapping every wire
	// message.
	Security SecurityConfig

	// Replication groups the conflict-resolution and anti-entropy
	// tunables.
	Replication ReplicationTuning

	// Logger receives structured diagnostic output. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Convenience passthroughs for the common case of configuring
	// Replication without constructing the nested struct.
	DefaultConflictStrategy ConflictStrategy
	MaxVersionsPerPath      int
	MaxMessageAge           time.Duration
	AntiEntropyInterval     time.Duration
	VectorClockSyncInterval time.Duration
}

// ReplicationTuning groups the knobs governing how aggressively this
// node resolves conflicts and reconciles with peers.
type ReplicationTuning struct {
	// DefaultConflictStrategy is applied to any path without a more
	// specific registration. Default: StrategyVectorDominance.
	DefaultConflictStrategy ConflictStrategy

	// MaxVersionsPerPath bounds the VersionStore's per-path history.
	// Default: DefaultMaxVersions (10).
	MaxVersionsPerPath int

	// MaxMessageAge bounds how long a message ID is remembered for
	// write-pipeline deduplication. Default: DefaultMaxMessageAge
	// (5m).
	MaxMessageAge time.Duration

	// AntiEntropyInterval is the cadence of the full pull-based
	// reconciliation cycle, before adaptive backoff. Default: 30s.
	AntiEntropyInterval time.Duration

	// VectorClockSyncInterval is the cadence of the lightweight,
	// anti-entropy-independent vector-clock broadcast. Default: 2s.
	VectorClockSyncInterval time.Duration
}

// DefaultConfig returns a Config for nodeID with every tunable set to its
// documented default and security disabled.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID: nodeID,
		Replication: ReplicationTuning{
			DefaultConflictStrategy: StrategyVectorDominance,
			MaxVersionsPerPath:      DefaultMaxVersions,
			MaxMessageAge:           DefaultMaxMessageAge,
			AntiEntropyInterval:     30 * time.Second,
			VectorClockSyncInterval: 2 * time.Second,
		},
	}
}

// withDefaults returns a copy of c with every zero-valued tunable filled
// in, folding the convenience passthrough fields into Replication when
// set.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.DefaultConflictStrategy != "" && c.Replication.DefaultConflictStrategy == "" {
		c.Replication.DefaultConflictStrategy = c.DefaultConflictStrategy
	}
	if c.MaxVersionsPerPath != 0 && c.Replication.MaxVersionsPerPath == 0 {
		c.Replication.MaxVersionsPerPath = c.MaxVersionsPerPath
	}
	if c.MaxMessageAge != 0 && c.Replication.MaxMessageAge == 0 {
		c.Replication.MaxMessageAge = c.MaxMessageAge
	}
	if c.AntiEntropyInterval != 0 && c.Replication.AntiEntropyInterval == 0 {
		c.Replication.AntiEntropyInterval = c.AntiEntropyInterval
	}
	if c.VectorClockSyncInterval != 0 && c.Replication.VectorClockSyncInterval == 0 {
		c.Replication.VectorClockSyncInterval = c.VectorClockSyncInterval
	}

	if c.Replication.DefaultConflictStrategy == legacyLastWriteWinsAlias {
		c.Replication.DefaultConflictStrategy = StrategyVectorDominance
	}
	if c.Replication.DefaultConflictStrategy == "" {
		c.Replication.DefaultConflictStrategy = StrategyVectorDominance
	}
	if c.Replication.MaxVersionsPerPath == 0 {
		c.Replication.MaxVersionsPerPath = DefaultMaxVersions
	}
	if c.Replication.MaxMessageAge == 0 {
		c.Replication.MaxMessageAge = DefaultMaxMessageAge
	}
	if c.Replication.AntiEntropyInterval == 0 {
		c.Replication.AntiEntropyInterval = 30 * time.Second
	}
	if c.Replication.VectorClockSyncInterval == 0 {
		c.Replication.VectorClockSyncInterval = 2 * time.Second
	}

	c.DefaultConflictStrategy = c.Replication.DefaultConflictStrategy
	c.MaxVersionsPerPath = c.Replication.MaxVersionsPerPath
	c.MaxMessageAge = c.Replication.MaxMessageAge
	c.AntiEntropyInterval = c.Replication.AntiEntropyInterval
	c.VectorClockSyncInterval = c.Replication.VectorClockSyncInterval

	return c
}

// Validate reports a *ConfigError for the first invalid field found.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return newConfigError("nodeID", "must not be empty")
	}
	if c.Security.Enabled && len(c.Security.MasterKey) < minMasterKeyLen {
		return newConfigError("security.masterKey", "must be at least 16 characters when security is enabled")
	}
	switch c.Replication.DefaultConflictStrategy {
	case "", StrategyVectorDominance, StrategyFirstWriteWins, StrategyMergeFields, StrategyCustom, legacyLastWriteWinsAlias:
	default:
		return newConfigError("replication.defaultConflictStrategy", "unknown strategy")
	}
	if c.Replication.MaxVersionsPerPath < 0 {
		return newConfigError("replication.maxVersionsPerPath", "must not be negative")
	}
	return nil
}
