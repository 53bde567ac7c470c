package bridge

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"aegisbridge/core/events"
	"aegisbridge/internal/keyed"
	"aegisbridge/observability"
	"aegisbridge/storage"
)

var (
	withdrawalRecordPrefix = []byte("bridge/withdrawal/record/")
	withdrawalIndexPrefix  = []byte("bridge/withdrawal/index/")
	withdrawalCountKey     = []byte("bridge/withdrawal/count")
)

// Withdrawal is a ledger record for a cross-chain withdrawal. Processed
// transitions exactly once, from false to true, when the payout succeeds.
type Withdrawal struct {
	Index             uint64
	Recipient         [20]byte
	Token             string
	Amount            *big.Int
	SourceBlockHash   [32]byte
	SourceBlockNumber uint64
	WithdrawalHash    [32]byte
	InitiatedAt       time.Time
	Processed         bool
	ProcessedAt       time.Time
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (w *Withdrawal) Copy() *Withdrawal {
	if w == nil {
		return nil
	}
	clone := *w
	if w.Amount != nil {
		clone.Amount = new(big.Int).Set(w.Amount)
	}
	return &clone
}

type storedWithdrawal struct {
	Index             uint64
	Recipient         [20]byte
	Token             string
	Amount            string
	SourceBlockHash   [32]byte
	SourceBlockNumber uint64
	WithdrawalHash    [32]byte
	InitiatedAt       uint64
	Processed         bool
	ProcessedAt       uint64
}

// InitiateParams bundles the inputs to Ledger.Initiate.
type InitiateParams struct {
	Recipient         [20]byte
	Token             string
	Amount            *big.Int
	SourceBlockHash   [32]byte
	SourceBlockNumber uint64
	WithdrawalHash    [32]byte
	Proof             Proof
}

// Ledger owns withdrawal records: it verifies inclusion proofs on initiation
// and gates finalization behind the challenge period and the finality
// oracle. All collaborator calls happen outside the per-hash critical
// section; state commits only once the facts are resolved.
type Ledger struct {
	store    storage.Database
	tokens   *TokenRegistry
	oracle   FinalityOracle
	executor TransferExecutor
	emitter  events.Emitter
	metrics  *observability.WithdrawalMetrics

	challengePeriod time.Duration
	now             func() time.Time

	hashLocks *keyed.Mutex

	mu       sync.Mutex
	paused   bool
	inFlight map[[32]byte]struct{}
}

// LedgerOption customises the ledger instance.
type LedgerOption func(*Ledger)

// WithEmitter wires the domain event sink.
func WithEmitter(emitter events.Emitter) LedgerOption {
	return func(l *Ledger) {
		if emitter != nil {
			l.emitter = emitter
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.WithdrawalMetrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger constructs a withdrawal ledger. The challenge period must be
// positive; misconfiguration is rejected here, not at call time.
func NewLedger(store storage.Database, tokens *TokenRegistry, oracle FinalityOracle, executor TransferExecutor, challengePeriod time.Duration, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("bridge: storage required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("bridge: token registry required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("bridge: finality oracle required")
	}
	if executor == nil {
		return nil, fmt.Errorf("bridge: transfer executor required")
	}
	if challengePeriod <= 0 {
		return nil, fmt.Errorf("bridge: challenge period must be positive")
	}
	l := &Ledger{
		store:           store,
		tokens:          tokens,
		oracle:          oracle,
		executor:        executor,
		emitter:         events.NoopEmitter{},
		metrics:         observability.Withdrawals(),
		challengePeriod: challengePeriod,
		now:             time.Now,
		hashLocks:       keyed.NewMutex(),
		inFlight:        make(map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Initiate records a withdrawal after validating its fields and verifying the
// Merkle inclusion proof against the oracle's committed root for the source
// block. It returns the append index of the new record.
func (l *Ledger) Initiate(ctx context.Context, params InitiateParams) (uint64, error) {
	if params.Recipient == ([20]byte{}) {
		return 0, fmt.Errorf("bridge: recipient required")
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return 0, fmt.Errorf("bridge: amount must be positive")
	}
	if params.SourceBlockHash == ([32]byte{}) {
		return 0, fmt.Errorf("bridge: source block hash required")
	}
	if params.SourceBlockNumber == 0 {
		return 0, fmt.Errorf("bridge: source block number must be positive")
	}
	if !l.tokens.Supported(params.Token) {
		l.metrics.RecordFailure("unsupported_token")
		return 0, ErrUnsupportedToken
	}
	expectedHash := ComputeWithdrawalHash(params.Recipient, params.Token, params.Amount, params.SourceBlockHash, params.SourceBlockNumber)
	if params.WithdrawalHash != expectedHash {
		l.metrics.RecordFailure("hash_mismatch")
		return 0, fmt.Errorf("bridge: withdrawal hash does not match submitted fields")
	}
	if l.isPaused() {
		return 0, ErrBridgePaused
	}

	// Resolve the committed root before entering any critical section.
	output, err := l.oracle.GetOutput(ctx, params.SourceBlockNumber)
	if err != nil {
		l.metrics.RecordFailure("oracle")
		return 0, fmt.Errorf("%w: query output for block %d: %v", ErrUpstreamUnavailable, params.SourceBlockNumber, err)
	}
	leaf := WithdrawalLeaf(params.Recipient, params.Token, params.Amount, params.SourceBlockHash, params.WithdrawalHash)
	if !params.Proof.Verify(leaf, output.OutputRoot) {
		l.metrics.RecordFailure("proof_invalid")
		return 0, ErrProofInvalid
	}

	hashKey := hex.EncodeToString(params.WithdrawalHash[:])
	l.hashLocks.Lock(hashKey)
	defer l.hashLocks.Unlock(hashKey)

	exists, err := l.store.Has(recordKey(params.WithdrawalHash))
	if err != nil {
		return 0, fmt.Errorf("bridge: check existing record: %w", err)
	}
	if exists {
		l.metrics.RecordFailure("duplicate")
		return 0, ErrDuplicateWithdrawal
	}

	l.mu.Lock()
	index, err := l.nextIndexLocked()
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	record := &Withdrawal{
		Index:             index,
		Recipient:         params.Recipient,
		Token:             normalizeToken(params.Token),
		Amount:            new(big.Int).Set(params.Amount),
		SourceBlockHash:   params.SourceBlockHash,
		SourceBlockNumber: params.SourceBlockNumber,
		WithdrawalHash:    params.WithdrawalHash,
		InitiatedAt:       l.now().UTC(),
	}
	if err := l.writeRecordLocked(record, true); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.mu.Unlock()

	l.metrics.RecordInitiated(record.Token)
	l.emitter.Emit(events.WithdrawalInitiated{
		Index:             record.Index,
		WithdrawalHash:    record.WithdrawalHash,
		Recipient:         record.Recipient,
		Token:             record.Token,
		Amount:            record.Amount,
		SourceBlockNumber: record.SourceBlockNumber,
	})
	return index, nil
}

// Finalize pays out a recorded withdrawal once the challenge period has
// elapsed and the oracle reports the source block finalized. The processed
// transition is exactly-once: concurrent or repeated calls observe
// ErrAlreadyFinalized and the executor is never invoked twice. An executor
// failure leaves the record unprocessed.
func (l *Ledger) Finalize(ctx context.Context, withdrawalHash [32]byte) (*Withdrawal, error) {
	if l.isPaused() {
		return nil, ErrBridgePaused
	}
	start := l.now()
	hashKey := hex.EncodeToString(withdrawalHash[:])

	l.hashLocks.Lock(hashKey)
	record, err := l.loadRecord(withdrawalHash)
	if err != nil {
		l.hashLocks.Unlock(hashKey)
		if errors.Is(err, storage.ErrNotFound) {
			l.metrics.RecordFailure("not_found")
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	if record.Processed {
		l.hashLocks.Unlock(hashKey)
		l.metrics.RecordFailure("duplicate_finalize")
		return nil, ErrAlreadyFinalized
	}
	l.mu.Lock()
	if _, busy := l.inFlight[withdrawalHash]; busy {
		l.mu.Unlock()
		l.hashLocks.Unlock(hashKey)
		l.metrics.RecordFailure("duplicate_finalize")
		return nil, ErrAlreadyFinalized
	}
	now := l.now().UTC()
	if now.Before(record.InitiatedAt.Add(l.challengePeriod)) {
		l.mu.Unlock()
		l.hashLocks.Unlock(hashKey)
		l.metrics.RecordFailure("challenge_period")
		return nil, ErrChallengeNotElapsed
	}
	l.inFlight[withdrawalHash] = struct{}{}
	l.mu.Unlock()
	l.hashLocks.Unlock(hashKey)

	// Collaborator calls run with no lock held; the in-flight marker keeps
	// concurrent duplicates out.
	if err := l.checkFinality(ctx, record.SourceBlockNumber); err != nil {
		l.clearInFlight(withdrawalHash)
		return nil, err
	}
	if err := l.executor.Transfer(ctx, record.Recipient, record.Token, record.Amount); err != nil {
		l.clearInFlight(withdrawalHash)
		l.metrics.RecordFailure("executor")
		return nil, fmt.Errorf("%w: transfer: %v", ErrUpstreamUnavailable, err)
	}

	l.hashLocks.Lock(hashKey)
	record.Processed = true
	record.ProcessedAt = l.now().UTC()
	l.mu.Lock()
	err = l.writeRecordLocked(record, false)
	delete(l.inFlight, withdrawalHash)
	l.mu.Unlock()
	l.hashLocks.Unlock(hashKey)
	if err != nil {
		return nil, err
	}

	l.metrics.RecordFinalized(record.Token)
	l.metrics.ObserveFinalizeLatency(l.now().Sub(start))
	l.emitter.Emit(events.WithdrawalFinalized{
		Index:          record.Index,
		WithdrawalHash: record.WithdrawalHash,
		Recipient:      record.Recipient,
		Token:          record.Token,
		Amount:         record.Amount,
	})
	return record.Copy(), nil
}

func (l *Ledger) checkFinality(ctx context.Context, sourceBlockNumber uint64) error {
	output, err := l.oracle.GetOutput(ctx, sourceBlockNumber)
	if err != nil {
		l.metrics.RecordFailure("oracle")
		return fmt.Errorf("%w: query output for block %d: %v", ErrUpstreamUnavailable, sourceBlockNumber, err)
	}
	latest, err := l.oracle.LatestFinalizedBlockNumber(ctx)
	if err != nil {
		l.metrics.RecordFailure("oracle")
		return fmt.Errorf("%w: query latest finalized block: %v", ErrUpstreamUnavailable, err)
	}
	if !output.Finalized || sourceBlockNumber > latest {
		l.metrics.RecordFailure("not_finalized")
		return ErrNotFinalized
	}
	return nil
}

// Get returns the withdrawal recorded under the hash.
func (l *Ledger) Get(withdrawalHash [32]byte) (*Withdrawal, error) {
	record, err := l.loadRecord(withdrawalHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return record, nil
}

// Count reports how many withdrawals the ledger holds.
func (l *Ledger) Count() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

// List walks records in append order starting at offset, returning at most
// limit entries. A non-positive limit returns the remainder.
func (l *Ledger) List(offset uint64, limit int) ([]*Withdrawal, error) {
	records := make([]*Withdrawal, 0)
	err := l.store.IteratePrefix(withdrawalIndexPrefix, func(key, value []byte) bool {
		suffix := key[len(withdrawalIndexPrefix):]
		if len(suffix) != 8 {
			return true
		}
		if binary.BigEndian.Uint64(suffix) < offset {
			return true
		}
		if limit > 0 && len(records) >= limit {
			return false
		}
		var hash [32]byte
		if len(value) != 32 {
			return true
		}
		copy(hash[:], value)
		record, err := l.loadRecord(hash)
		if err != nil {
			return true
		}
		records = append(records, record)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Pause halts initiation and finalization until Resume is called.
func (l *Ledger) Pause(actor, reason string) {
	l.mu.Lock()
	already := l.paused
	l.paused = true
	l.mu.Unlock()
	l.metrics.SetPause(true)
	if !already {
		l.emitter.Emit(events.BridgePaused{Actor: actor, Reason: reason})
	}
}

// Resume lifts an operator pause.
func (l *Ledger) Resume(actor string) {
	l.mu.Lock()
	already := !l.paused
	l.paused = false
	l.mu.Unlock()
	l.metrics.SetPause(false)
	if !already {
		l.emitter.Emit(events.BridgeResumed{Actor: actor})
	}
}

// Paused reports whether the pause guard is engaged.
func (l *Ledger) Paused() bool {
	return l.isPaused()
}

func (l *Ledger) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Ledger) clearInFlight(hash [32]byte) {
	l.mu.Lock()
	delete(l.inFlight, hash)
	l.mu.Unlock()
}

func (l *Ledger) countLocked() (uint64, error) {
	raw, err := l.store.Get(withdrawalCountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bridge: load count: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("bridge: malformed count record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (l *Ledger) nextIndexLocked() (uint64, error) {
	count, err := l.countLocked()
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (l *Ledger) writeRecordLocked(record *Withdrawal, fresh bool) error {
	stored := storedWithdrawal{
		Index:             record.Index,
		Recipient:         record.Recipient,
		Token:             record.Token,
		Amount:            record.Amount.String(),
		SourceBlockHash:   record.SourceBlockHash,
		SourceBlockNumber: record.SourceBlockNumber,
		WithdrawalHash:    record.WithdrawalHash,
		InitiatedAt:       clampUnix(record.InitiatedAt),
		Processed:         record.Processed,
		ProcessedAt:       clampUnix(record.ProcessedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("bridge: encode record: %w", err)
	}
	if err := l.store.Put(recordKey(record.WithdrawalHash), encoded); err != nil {
		return fmt.Errorf("bridge: store record: %w", err)
	}
	if !fresh {
		return nil
	}
	if err := l.store.Put(indexKey(record.Index), record.WithdrawalHash[:]); err != nil {
		return fmt.Errorf("bridge: store index entry: %w", err)
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, record.Index+1)
	if err := l.store.Put(withdrawalCountKey, next); err != nil {
		return fmt.Errorf("bridge: store count: %w", err)
	}
	return nil
}

func (l *Ledger) loadRecord(withdrawalHash [32]byte) (*Withdrawal, error) {
	raw, err := l.store.Get(recordKey(withdrawalHash))
	if err != nil {
		return nil, err
	}
	var stored storedWithdrawal
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("bridge: decode record: %w", err)
	}
	amount, ok := new(big.Int).SetString(stored.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("bridge: invalid stored amount %q", stored.Amount)
	}
	record := &Withdrawal{
		Index:             stored.Index,
		Recipient:         stored.Recipient,
		Token:             stored.Token,
		Amount:            amount,
		SourceBlockHash:   stored.SourceBlockHash,
		SourceBlockNumber: stored.SourceBlockNumber,
		WithdrawalHash:    stored.WithdrawalHash,
		InitiatedAt:       time.Unix(int64(stored.InitiatedAt), 0).UTC(),
		Processed:         stored.Processed,
	}
	if stored.ProcessedAt > 0 {
		record.ProcessedAt = time.Unix(int64(stored.ProcessedAt), 0).UTC()
	}
	return record, nil
}

func recordKey(hash [32]byte) []byte {
	buf := make([]byte, len(withdrawalRecordPrefix)+64)
	copy(buf, withdrawalRecordPrefix)
	hex.Encode(buf[len(withdrawalRecordPrefix):], hash[:])
	return buf
}

func indexKey(index uint64) []byte {
	buf := make([]byte, len(withdrawalIndexPrefix)+8)
	copy(buf, withdrawalIndexPrefix)
	binary.BigEndian.PutUint64(buf[len(withdrawalIndexPrefix):], index)
	return buf
}

func clampUnix(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix)
}
