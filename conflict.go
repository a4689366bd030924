package replikv

import (
	"fmt"
	"log/slog"
)

// ConflictStrategy names one of the built-in resolution algorithms applied
// when two writes to the same path are causally concurrent.
type ConflictStrategy string

const (
	// StrategyVectorDominance picks the write whose vector clock causally
	// dominates; concurrent writes fall back to DeterministicWinner's
	// lexicographic origin tiebreak. This is the default.
	StrategyVectorDominance ConflictStrategy = "vector-dominance"

	// StrategyFirstWriteWins is vector-dominance with both decisions
	// inverted: the causally dominated (earlier) write wins outright over
	// a dominant (later) one, and a concurrent tie goes to the
	// lexicographically larger origin instead of the smaller one.
	StrategyFirstWriteWins ConflictStrategy = "first-write-wins"

	// StrategyMergeFields shallow-merges the two values when both are
	// objects, with the dominance winner's fields taking precedence per
	// key; non-object values fall back to vector-dominance.
	StrategyMergeFields ConflictStrategy = "merge-fields"

	// StrategyCustom delegates to a CustomResolver registered for the
	// path.
	StrategyCustom ConflictStrategy = "custom"

	// legacyLastWriteWinsAlias is accepted as a configuration synonym for
	// StrategyVectorDominance, matching the name some deployments still
	// use for the same algorithm.
	legacyLastWriteWinsAlias ConflictStrategy = "last-write-wins"
)

// CustomResolver resolves a conflict between two concurrent records at
// path, returning the record that should win.
type CustomResolver func(path string, local, remote Record) (Record, error)

// ConflictResolver decides, for every concurrent pair of writes, which
// record survives. Strategy selection is by path: the most specific
// registered prefix wins, falling back to defaultStrategy.
type ConflictResolver struct {
	selfID          string
	defaultStrategy ConflictStrategy
	pathStrategies  map[string]ConflictStrategy
	customResolvers map[string]CustomResolver
	logger          *slog.Logger
}

// NewConflictResolver creates a resolver that breaks ties in favor of
// selfID's deterministic-winner rule, defaulting every unconfigured path
// to defaultStrategy (StrategyVectorDominance if empty).
func NewConflictResolver(selfID string, defaultStrategy ConflictStrategy, logger *slog.Logger) *ConflictResolver {
	if defaultStrategy == "" {
		defaultStrategy = StrategyVectorDominance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{
		selfID:          selfID,
		defaultStrategy: defaultStrategy,
		pathStrategies:  make(map[string]ConflictStrategy),
		customResolvers: make(map[string]CustomResolver),
		logger:          logger,
	}
}

// SetStrategy registers strategy for every path under pathPrefix,
// overriding the default. A more specific (longer) prefix registered
// later takes precedence over a shorter one at resolution time,
// regardless of registration order.
func (c *ConflictResolver) SetStrategy(pathPrefix string, strategy ConflictStrategy) {
	c.pathStrategies[pathPrefix] = strategy
}

// RegisterCustomResolver attaches fn as the StrategyCustom implementation
// for pathPrefix, and also registers pathPrefix -> StrategyCustom so it
// takes effect without a separate SetStrategy call.
func (c *ConflictResolver) RegisterCustomResolver(pathPrefix string, fn CustomResolver) {
	c.customResolvers[pathPrefix] = fn
	c.pathStrategies[pathPrefix] = StrategyCustom
}

// strategyFor returns the strategy that applies to path: the longest
// registered prefix match, segment-aware first, then the legacy
// string-prefix form for prefixes registered before segment-aware
// matching existed, then the resolver's default.
func (c *ConflictResolver) strategyFor(path string) (ConflictStrategy, string) {
	for _, candidate := range pathPrefixCandidates(path) {
		if s, ok := c.pathStrategies[candidate]; ok {
			return s, candidate
		}
	}
	var best string
	var bestStrategy ConflictStrategy
	for prefix, s := range c.pathStrategies {
		if legacyPrefixMatch(prefix, path) && len(prefix) > len(best) {
			best, bestStrategy = prefix, s
		}
	}
	if best != "" {
		return bestStrategy, best
	}
	return c.defaultStrategy, ""
}

// Resolve decides the winning record between local and remote at path.
// For every strategy except first-write-wins, a strict vector-clock
// dominance relation wins outright before strategy dispatch — strategies
// only apply to genuinely concurrent writes. First-write-wins inverts the
// dominance rule itself (the earlier, dominated write should win), so it
// makes its own causal decision instead of sharing this short-circuit.
// Deletion (a tombstone record, Value == nil) participates in resolution
// exactly like any other write: it wins or loses on the same
// causal/strategy basis, it is never special-cased to always win or
// always lose.
func (c *ConflictResolver) Resolve(path string, local, remote Record) Record {
	strategy, matchedPrefix := c.strategyFor(path)

	if strategy == StrategyFirstWriteWins {
		return c.resolveFirstWriteWins(local, remote)
	}

	switch local.VectorClock.Dominance(remote.VectorClock) {
	case Dominates, IdenticalRelation:
		return local
	case Dominated:
		return remote
	}

	switch strategy {
	case StrategyMergeFields:
		return c.resolveMergeFields(path, local, remote)
	case StrategyCustom:
		return c.resolveCustom(path, matchedPrefix, local, remote)
	default:
		return c.resolveVectorDominance(local, remote)
	}
}

func (c *ConflictResolver) resolveVectorDominance(local, remote Record) Record {
	winner := local.VectorClock.DeterministicWinner(remote.VectorClock, local.Origin, remote.Origin)
	if winner == local.Origin {
		return local
	}
	return remote
}

// resolveFirstWriteWins mirrors resolveVectorDominance with both decisions
// inverted: a causally dominated (earlier) record wins outright over a
// dominant (later) one, and a concurrent tie is broken by the larger
// origin instead of the smaller one.
func (c *ConflictResolver) resolveFirstWriteWins(local, remote Record) Record {
	switch local.VectorClock.Dominance(remote.VectorClock) {
	case Dominates, IdenticalRelation:
		return remote
	case Dominated:
		return local
	}
	winner := local.VectorClock.DeterministicWinner(remote.VectorClock, local.Origin, remote.Origin)
	if winner == local.Origin {
		return remote
	}
	return local
}

func (c *ConflictResolver) resolveMergeFields(path string, local, remote Record) Record {
	if _, lOK := isMapValue(local.Value); !lOK {
		return c.resolveVectorDominance(local, remote)
	}
	if _, rOK := isMapValue(remote.Value); !rOK {
		return c.resolveVectorDominance(local, remote)
	}

	winner := c.resolveVectorDominance(local, remote)
	loser := remote
	if winner.Origin == remote.Origin {
		loser = local
	}
	loserMap, _ := isMapValue(loser.Value)
	winnerMap, _ := isMapValue(winner.Value)

	merged := make(map[string]any, len(loserMap)+len(winnerMap))
	for k, v := range loserMap {
		merged[k] = v
	}
	for k, v := range winnerMap {
		merged[k] = v
	}

	return Record{
		Value:       merged,
		VectorClock: winner.VectorClock,
		Origin:      winner.Origin,
	}
}

func (c *ConflictResolver) resolveCustom(path, matchedPrefix string, local, remote Record) Record {
	fn, ok := c.customResolvers[matchedPrefix]
	if !ok {
		return c.resolveVectorDominance(local, remote)
	}

	result, err := c.safeInvokeCustom(fn, path, local, remote)
	if err != nil {
		c.logger.Warn("custom conflict resolver failed, falling back to vector-dominance",
			"path", path, "error", err)
		return c.resolveVectorDominance(local, remote)
	}
	return result
}

func (c *ConflictResolver) safeInvokeCustom(fn CustomResolver, path string, local, remote Record) (result Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ResolverError{Path: path, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	result, rawErr := fn(path, local, remote)
	if rawErr != nil {
		return Record{}, &ResolverError{Path: path, Cause: rawErr}
	}
	return result, nil
}
