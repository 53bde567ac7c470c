package fraud

import (
	"context"
	"fmt"

	"aegisbridge/bridge"
	"aegisbridge/core/events"
	"aegisbridge/core/types"
	"aegisbridge/observability"
)

// Verdict is the outcome of screening a transaction or block. A failing
// verdict names the first rule that fired; later rules are not consulted so
// feedback stays deterministic and bounded.
type Verdict struct {
	OK          bool
	Rule        string
	Reason      string
	BlockNumber uint64
	TxIndex     int
	TxDigest    [32]byte
}

// Clean is the verdict for input that passed every rule.
func Clean() Verdict {
	return Verdict{OK: true, TxIndex: -1}
}

// Pipeline runs ordered fraud rules over transactions and blocks.
type Pipeline struct {
	rules         []Rule
	maxTxPerBlock int
	source        bridge.BlockSource
	emitter       events.Emitter
	metrics       *observability.FraudMetrics
}

// PipelineOption customises the pipeline.
type PipelineOption func(*Pipeline)

// WithEmitter wires the domain event sink.
func WithEmitter(emitter events.Emitter) PipelineOption {
	return func(p *Pipeline) {
		if emitter != nil {
			p.emitter = emitter
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.FraudMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline builds a pipeline with the supplied rules in evaluation order.
// The per-block transaction cap must be positive.
func NewPipeline(source bridge.BlockSource, maxTxPerBlock int, rules []Rule, opts ...PipelineOption) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("fraud: block source required")
	}
	if maxTxPerBlock <= 0 {
		return nil, fmt.Errorf("fraud: max transactions per block must be positive")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("fraud: at least one rule required")
	}
	for i, rule := range rules {
		if rule == nil {
			return nil, fmt.Errorf("fraud: rule %d is nil", i)
		}
	}
	p := &Pipeline{
		rules:         append([]Rule(nil), rules...),
		maxTxPerBlock: maxTxPerBlock,
		source:        source,
		emitter:       events.NoopEmitter{},
		metrics:       observability.Fraud(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DefaultRules assembles the standard rule order: malformed structure,
// double spend, invalid state transition, excessive resource usage.
func DefaultRules(maxSize int, index SpentIndex, replayer StateReplayer, costBudget uint64, programBudgets map[string]uint64) ([]Rule, error) {
	structure, err := NewStructureRule(maxSize)
	if err != nil {
		return nil, err
	}
	doubleSpend, err := NewDoubleSpendRule(index)
	if err != nil {
		return nil, err
	}
	transition, err := NewStateTransitionRule(replayer)
	if err != nil {
		return nil, err
	}
	resource, err := NewResourceRule(costBudget, programBudgets)
	if err != nil {
		return nil, err
	}
	return []Rule{structure, doubleSpend, transition, resource}, nil
}

// Evaluate screens one transaction, stopping at the first failing rule.
func (p *Pipeline) Evaluate(tx *types.Transaction) Verdict {
	for _, rule := range p.rules {
		if err := rule.Check(tx); err != nil {
			verdict := Verdict{
				Rule:    rule.Name(),
				Reason:  err.Error(),
				TxIndex: -1,
			}
			if digest, digestErr := tx.CanonicalHash(); digestErr == nil {
				verdict.TxDigest = digest
			}
			return verdict
		}
	}
	return Clean()
}

// EvaluateBlock fetches the block and screens it. The transaction-count cap
// is enforced before any per-transaction work. The first failing transaction
// ends the walk; its index and the firing rule are reported. The pipeline
// never mutates the spent index here — callers mark outpoints after a clean
// verdict.
func (p *Pipeline) EvaluateBlock(ctx context.Context, blockNumber uint64) (Verdict, error) {
	block, err := p.source.BlockByNumber(ctx, blockNumber)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: fetch block %d: %v", bridge.ErrUpstreamUnavailable, blockNumber, err)
	}
	if block == nil {
		return Verdict{}, fmt.Errorf("%w: block %d missing", bridge.ErrUpstreamUnavailable, blockNumber)
	}

	if count := block.TransactionCount(); count > p.maxTxPerBlock {
		verdict := Verdict{
			Rule:        RuleMalformedStructure,
			Reason:      fmt.Sprintf("block carries %d transactions, limit %d", count, p.maxTxPerBlock),
			BlockNumber: blockNumber,
			TxIndex:     -1,
		}
		p.report(verdict)
		return verdict, nil
	}

	for i, tx := range block.Transactions {
		verdict := p.Evaluate(tx)
		if !verdict.OK {
			verdict.BlockNumber = blockNumber
			verdict.TxIndex = i
			p.report(verdict)
			return verdict, nil
		}
	}

	p.metrics.RecordBlock("clean")
	clean := Clean()
	clean.BlockNumber = blockNumber
	return clean, nil
}

func (p *Pipeline) report(verdict Verdict) {
	p.metrics.RecordBlock("fraud")
	p.metrics.RecordVerdict(verdict.Rule)
	p.emitter.Emit(events.FraudDetected{
		BlockNumber: verdict.BlockNumber,
		Rule:        verdict.Rule,
		TxDigest:    verdict.TxDigest,
		Detail:      verdict.Reason,
	})
}
