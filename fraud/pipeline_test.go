package fraud

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"aegisbridge/core/events"
	"aegisbridge/core/types"
	"aegisbridge/storage"
)

type fakeBlockSource struct {
	mu     sync.Mutex
	blocks map[uint64]*types.Block
	err    error
}

func (s *fakeBlockSource) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	block, ok := s.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d unknown", number)
	}
	return block, nil
}

// identityReplayer echoes the declared post-state, so only transactions that
// are explicitly marked divergent fail the transition rule.
type identityReplayer struct {
	divergent map[[32]byte]struct{}
	err       error
}

func (r *identityReplayer) Replay(tx *types.Transaction) ([32]byte, error) {
	if r.err != nil {
		return [32]byte{}, r.err
	}
	if r.divergent != nil {
		if _, bad := r.divergent[tx.PostStateRoot]; bad {
			var other [32]byte
			other[0] = 0xEE
			return other, nil
		}
	}
	return tx.PostStateRoot, nil
}

type sinkEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sinkEvents) Emit(evt events.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func validTx(nonce uint64) *types.Transaction {
	var input types.Outpoint
	input.TxHash[0] = byte(nonce)
	return &types.Transaction{
		Nonce:     nonce,
		From:      []byte{0x01},
		To:        []byte{0x02},
		Amount:    big.NewInt(10),
		Inputs:    []types.Outpoint{input},
		Payload:   []byte("transfer"),
		CostUnits: 1000,
	}
}

type testPipeline struct {
	pipeline *Pipeline
	source   *fakeBlockSource
	spent    *StoredSpentIndex
	replayer *identityReplayer
	sink     *sinkEvents
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	spent, err := NewStoredSpentIndex(storage.NewMemDB())
	if err != nil {
		t.Fatalf("spent index: %v", err)
	}
	replayer := &identityReplayer{}
	rules, err := DefaultRules(10*1024, spent, replayer, 500_000, nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	source := &fakeBlockSource{blocks: make(map[uint64]*types.Block)}
	sink := &sinkEvents{}
	pipeline, err := NewPipeline(source, 4, rules, WithEmitter(sink))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return &testPipeline{pipeline: pipeline, source: source, spent: spent, replayer: replayer, sink: sink}
}

func TestEvaluateCleanTransaction(t *testing.T) {
	tp := newTestPipeline(t)
	verdict := tp.pipeline.Evaluate(validTx(1))
	if !verdict.OK {
		t.Fatalf("expected clean verdict, got rule=%s reason=%s", verdict.Rule, verdict.Reason)
	}
}

func TestEvaluateMalformedStructure(t *testing.T) {
	tp := newTestPipeline(t)

	empty := validTx(1)
	empty.Payload = nil
	empty.Inputs = nil
	verdict := tp.pipeline.Evaluate(empty)
	if verdict.OK || verdict.Rule != RuleMalformedStructure {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleMalformedStructure)
	}

	noTarget := validTx(2)
	noTarget.To = nil
	verdict = tp.pipeline.Evaluate(noTarget)
	if verdict.OK || verdict.Rule != RuleMalformedStructure {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleMalformedStructure)
	}

	oversized := validTx(3)
	oversized.Payload = make([]byte, 11*1024)
	verdict = tp.pipeline.Evaluate(oversized)
	if verdict.OK || verdict.Rule != RuleMalformedStructure {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleMalformedStructure)
	}
}

func TestEvaluateDoubleSpend(t *testing.T) {
	tp := newTestPipeline(t)
	tx := validTx(1)

	if verdict := tp.pipeline.Evaluate(tx); !verdict.OK {
		t.Fatalf("fresh outpoint rejected: %+v", verdict)
	}
	if err := tp.spent.Mark(tx.Inputs); err != nil {
		t.Fatalf("mark: %v", err)
	}
	verdict := tp.pipeline.Evaluate(tx)
	if verdict.OK || verdict.Rule != RuleDoubleSpend {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleDoubleSpend)
	}

	// Internal duplicates are caught without consulting the index.
	dup := validTx(2)
	dup.Inputs = append(dup.Inputs, dup.Inputs[0])
	verdict = tp.pipeline.Evaluate(dup)
	if verdict.OK || verdict.Rule != RuleDoubleSpend {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleDoubleSpend)
	}
}

func TestEvaluateStateTransition(t *testing.T) {
	tp := newTestPipeline(t)
	tx := validTx(1)
	tx.PostStateRoot[0] = 0x77
	tp.replayer.divergent = map[[32]byte]struct{}{tx.PostStateRoot: {}}

	verdict := tp.pipeline.Evaluate(tx)
	if verdict.OK || verdict.Rule != RuleStateTransition {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleStateTransition)
	}

	// A replay error fails closed.
	tp.replayer.divergent = nil
	tp.replayer.err = errors.New("state db unavailable")
	verdict = tp.pipeline.Evaluate(validTx(2))
	if verdict.OK || verdict.Rule != RuleStateTransition {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleStateTransition)
	}
}

type erroringIndex struct{}

func (erroringIndex) Spent(types.Outpoint) (bool, error) {
	return false, errors.New("index offline")
}

func TestUnavailableSourcesFailClosedWithMarker(t *testing.T) {
	tp := newTestPipeline(t)

	// A replayer outage fails closed, but the reason carries the
	// unavailability marker instead of reading like a fraud finding.
	tp.replayer.err = errors.New("state db unavailable")
	verdict := tp.pipeline.Evaluate(validTx(1))
	if verdict.OK || verdict.Rule != RuleStateTransition {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleStateTransition)
	}
	if !strings.Contains(verdict.Reason, ErrCheckUnavailable.Error()) {
		t.Fatalf("reason %q does not flag the source outage", verdict.Reason)
	}

	rule, err := NewDoubleSpendRule(erroringIndex{})
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	checkErr := rule.Check(validTx(2))
	if checkErr == nil {
		t.Fatalf("expected index outage to fail closed")
	}
	if !errors.Is(checkErr, ErrCheckUnavailable) {
		t.Fatalf("err = %v, want ErrCheckUnavailable wrap", checkErr)
	}

	// Genuine fraud verdicts must not carry the marker.
	tp.replayer.err = nil
	spentTx := validTx(3)
	if markErr := tp.spent.Mark(spentTx.Inputs); markErr != nil {
		t.Fatalf("mark: %v", markErr)
	}
	verdict = tp.pipeline.Evaluate(spentTx)
	if verdict.OK || verdict.Rule != RuleDoubleSpend {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleDoubleSpend)
	}
	if strings.Contains(verdict.Reason, ErrCheckUnavailable.Error()) {
		t.Fatalf("fraud reason %q wrongly flagged as outage", verdict.Reason)
	}
}

func TestEvaluateResourceBudget(t *testing.T) {
	tp := newTestPipeline(t)
	tx := validTx(1)
	tx.CostUnits = 500_001

	verdict := tp.pipeline.Evaluate(tx)
	if verdict.OK || verdict.Rule != RuleResourceUsage {
		t.Fatalf("verdict = %+v, want %s failure", verdict, RuleResourceUsage)
	}
}

func TestResourceRuleProgramOverride(t *testing.T) {
	rule, err := NewResourceRule(500_000, map[string]uint64{"02": 100})
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	tx := validTx(1)
	tx.CostUnits = 101
	if err := rule.Check(tx); err == nil {
		t.Fatalf("expected override budget to fire")
	}
	tx.CostUnits = 100
	if err := rule.Check(tx); err != nil {
		t.Fatalf("within override budget: %v", err)
	}
}

func TestRuleOrderShortCircuits(t *testing.T) {
	tp := newTestPipeline(t)

	// A transaction that violates structure, double-spend, and budget at
	// once must be reported for structure only.
	tx := validTx(1)
	if err := tp.spent.Mark(tx.Inputs); err != nil {
		t.Fatalf("mark: %v", err)
	}
	tx.To = nil
	tx.CostUnits = 1_000_000

	verdict := tp.pipeline.Evaluate(tx)
	if verdict.Rule != RuleMalformedStructure {
		t.Fatalf("first failing rule = %s, want %s", verdict.Rule, RuleMalformedStructure)
	}
}

func TestEvaluateBlockCapBeforeContent(t *testing.T) {
	tp := newTestPipeline(t)

	// Five transactions against a cap of four; every body is malformed, but
	// the count check must fire first so no transaction is inspected.
	txs := make([]*types.Transaction, 5)
	for i := range txs {
		txs[i] = &types.Transaction{}
	}
	tp.source.blocks[7] = types.NewBlock(&types.BlockHeader{Number: 7}, txs)

	verdict, err := tp.pipeline.EvaluateBlock(context.Background(), 7)
	if err != nil {
		t.Fatalf("evaluate block: %v", err)
	}
	if verdict.OK || verdict.TxIndex != -1 {
		t.Fatalf("verdict = %+v, want block-level rejection", verdict)
	}
	if verdict.Rule != RuleMalformedStructure {
		t.Fatalf("rule = %s, want %s", verdict.Rule, RuleMalformedStructure)
	}
}

func TestEvaluateBlockReportsFirstFailingIndex(t *testing.T) {
	tp := newTestPipeline(t)

	bad := validTx(3)
	bad.To = nil
	tp.source.blocks[8] = types.NewBlock(&types.BlockHeader{Number: 8}, []*types.Transaction{
		validTx(1), validTx(2), bad, validTx(4),
	})

	verdict, err := tp.pipeline.EvaluateBlock(context.Background(), 8)
	if err != nil {
		t.Fatalf("evaluate block: %v", err)
	}
	if verdict.OK || verdict.TxIndex != 2 {
		t.Fatalf("verdict = %+v, want failure at index 2", verdict)
	}

	tp.sink.mu.Lock()
	emitted := len(tp.sink.events)
	tp.sink.mu.Unlock()
	if emitted != 1 {
		t.Fatalf("emitted %d events, want 1", emitted)
	}
}

func TestEvaluateBlockClean(t *testing.T) {
	tp := newTestPipeline(t)
	tp.source.blocks[9] = types.NewBlock(&types.BlockHeader{Number: 9}, []*types.Transaction{
		validTx(1), validTx(2),
	})

	verdict, err := tp.pipeline.EvaluateBlock(context.Background(), 9)
	if err != nil {
		t.Fatalf("evaluate block: %v", err)
	}
	if !verdict.OK {
		t.Fatalf("verdict = %+v, want clean", verdict)
	}

	// Evaluation must not mutate the spent index: re-evaluating the same
	// block stays clean until ingestion marks the outpoints.
	verdict, err = tp.pipeline.EvaluateBlock(context.Background(), 9)
	if err != nil || !verdict.OK {
		t.Fatalf("re-evaluation verdict = %+v err=%v, want clean", verdict, err)
	}

	if err := tp.spent.MarkBlock(tp.source.blocks[9]); err != nil {
		t.Fatalf("mark block: %v", err)
	}
	verdict, err = tp.pipeline.EvaluateBlock(context.Background(), 9)
	if err != nil {
		t.Fatalf("evaluate block: %v", err)
	}
	if verdict.OK || verdict.Rule != RuleDoubleSpend {
		t.Fatalf("verdict = %+v, want %s after ingestion", verdict, RuleDoubleSpend)
	}
}

func TestEvaluateBlockSourceFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.source.err = errors.New("rpc down")

	_, err := tp.pipeline.EvaluateBlock(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected upstream error")
	}
}
