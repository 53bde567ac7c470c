package fraud

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"aegisbridge/core/types"
)

// ErrCheckUnavailable marks a failing verdict caused by an unanswerable
// verification source (spent index, state replayer) rather than by evidence of
// fraud. Rules still fail closed, but the marker keeps operator alerts for
// node outages distinguishable from genuine fraud verdicts.
var ErrCheckUnavailable = errors.New("verification source unavailable")

// Rule is a pure check over a single transaction. Rules run in a fixed order
// and the pipeline stops at the first failure.
type Rule interface {
	Name() string
	Check(tx *types.Transaction) error
}

// Rule names, stable for verdicts, events, and dashboards.
const (
	RuleMalformedStructure = "malformed_structure"
	RuleDoubleSpend        = "double_spend"
	RuleStateTransition    = "invalid_state_transition"
	RuleResourceUsage      = "excessive_resource_usage"
)

// SpentIndex answers whether a source-chain output has already been
// consumed. Rules only read it; ingestion marks outpoints after a block
// passes cleanly.
type SpentIndex interface {
	Spent(op types.Outpoint) (bool, error)
}

// StateReplayer deterministically re-executes a transaction against its
// declared pre-state root and returns the resulting post-state root.
type StateReplayer interface {
	Replay(tx *types.Transaction) ([32]byte, error)
}

// structureRule rejects transactions with an empty body, a missing target
// program, or an oversized canonical encoding.
type structureRule struct {
	maxSize int
}

// NewStructureRule bounds the canonical transaction size at maxSize bytes.
func NewStructureRule(maxSize int) (Rule, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("fraud: max transaction size must be positive")
	}
	return &structureRule{maxSize: maxSize}, nil
}

func (r *structureRule) Name() string { return RuleMalformedStructure }

func (r *structureRule) Check(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	if len(tx.Payload) == 0 && len(tx.Inputs) == 0 {
		return fmt.Errorf("transaction body is empty")
	}
	if len(tx.To) == 0 {
		return fmt.Errorf("transaction names no target program")
	}
	if size := tx.Size(); size > r.maxSize {
		return fmt.Errorf("transaction size %d exceeds limit %d", size, r.maxSize)
	}
	return nil
}

// doubleSpendRule rejects transactions whose inputs are already consumed, or
// that consume the same outpoint twice within one transaction.
type doubleSpendRule struct {
	index SpentIndex
}

// NewDoubleSpendRule checks inputs against the supplied spent-output index.
func NewDoubleSpendRule(index SpentIndex) (Rule, error) {
	if index == nil {
		return nil, fmt.Errorf("fraud: spent index required")
	}
	return &doubleSpendRule{index: index}, nil
}

func (r *doubleSpendRule) Name() string { return RuleDoubleSpend }

func (r *doubleSpendRule) Check(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	seen := make(map[types.Outpoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in]; dup {
			return fmt.Errorf("outpoint %s consumed twice", in)
		}
		seen[in] = struct{}{}
		spent, err := r.index.Spent(in)
		if err != nil {
			// Fail closed: an unverifiable input is treated as spent.
			return fmt.Errorf("%w: query outpoint %s: %v", ErrCheckUnavailable, in, err)
		}
		if spent {
			return fmt.Errorf("outpoint %s already spent", in)
		}
	}
	return nil
}

// stateTransitionRule replays the transaction and compares the declared
// post-state root against the deterministic result.
type stateTransitionRule struct {
	replayer StateReplayer
}

// NewStateTransitionRule validates declared state roots via the replay hook.
func NewStateTransitionRule(replayer StateReplayer) (Rule, error) {
	if replayer == nil {
		return nil, fmt.Errorf("fraud: state replayer required")
	}
	return &stateTransitionRule{replayer: replayer}, nil
}

func (r *stateTransitionRule) Name() string { return RuleStateTransition }

func (r *stateTransitionRule) Check(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	replayed, err := r.replayer.Replay(tx)
	if err != nil {
		// Fail closed, but flag the outage for operators.
		return fmt.Errorf("%w: replay: %v", ErrCheckUnavailable, err)
	}
	if !bytes.Equal(replayed[:], tx.PostStateRoot[:]) {
		return fmt.Errorf("declared post-state %s does not match replay %s",
			hex.EncodeToString(tx.PostStateRoot[:8]), hex.EncodeToString(replayed[:8]))
	}
	return nil
}

// resourceRule bounds the estimated execution cost, with optional per-program
// overrides keyed by the hex-encoded target program.
type resourceRule struct {
	defaultBudget uint64
	programBudget map[string]uint64
}

// NewResourceRule bounds transaction cost at defaultBudget units. Overrides
// map hex-encoded program identifiers to a replacement budget.
func NewResourceRule(defaultBudget uint64, overrides map[string]uint64) (Rule, error) {
	if defaultBudget == 0 {
		return nil, fmt.Errorf("fraud: cost budget must be positive")
	}
	budgets := make(map[string]uint64, len(overrides))
	for program, budget := range overrides {
		if budget == 0 {
			return nil, fmt.Errorf("fraud: cost budget for program %s must be positive", program)
		}
		budgets[program] = budget
	}
	return &resourceRule{defaultBudget: defaultBudget, programBudget: budgets}, nil
}

func (r *resourceRule) Name() string { return RuleResourceUsage }

func (r *resourceRule) Check(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	budget := r.defaultBudget
	if override, ok := r.programBudget[hex.EncodeToString(tx.To)]; ok {
		budget = override
	}
	if tx.CostUnits > budget {
		return fmt.Errorf("cost %d exceeds budget %d", tx.CostUnits, budget)
	}
	return nil
}
