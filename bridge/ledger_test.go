package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aegisbridge/core/events"
	"aegisbridge/storage"
)

type fakeOracle struct {
	mu      sync.Mutex
	outputs map[uint64]OracleOutput
	latest  uint64
	err     error
}

func (o *fakeOracle) GetOutput(_ context.Context, blockNumber uint64) (OracleOutput, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return OracleOutput{}, o.err
	}
	output, ok := o.outputs[blockNumber]
	if !ok {
		return OracleOutput{}, fmt.Errorf("no output for block %d", blockNumber)
	}
	return output, nil
}

func (o *fakeOracle) LatestFinalizedBlockNumber(context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	return o.latest, nil
}

func (o *fakeOracle) finalize(blockNumber uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	output := o.outputs[blockNumber]
	output.Finalized = true
	o.outputs[blockNumber] = output
	if blockNumber > o.latest {
		o.latest = blockNumber
	}
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
	last  struct {
		recipient [20]byte
		token     string
		amount    *big.Int
	}
}

func (e *fakeExecutor) Transfer(_ context.Context, recipient [20]byte, token string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls++
	e.last.recipient = recipient
	e.last.token = token
	e.last.amount = new(big.Int).Set(amount)
	return nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Emit(evt events.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

type ledgerFixture struct {
	ledger   *Ledger
	oracle   *fakeOracle
	executor *fakeExecutor
	sink     *capturedEvents
	now      time.Time
	nowMu    sync.Mutex
}

func (f *ledgerFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	f.now = f.now.Add(d)
	f.nowMu.Unlock()
}

const testChallengePeriod = 7 * 24 * time.Hour

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		oracle:   &fakeOracle{outputs: make(map[uint64]OracleOutput)},
		executor: &fakeExecutor{},
		sink:     &capturedEvents{},
		now:      time.Unix(1_700_000_000, 0).UTC(),
	}
	ledger, err := NewLedger(
		storage.NewMemDB(),
		NewTokenRegistry("USDC"),
		f.oracle,
		f.executor,
		testChallengePeriod,
		WithEmitter(f.sink),
		WithClock(func() time.Time {
			f.nowMu.Lock()
			defer f.nowMu.Unlock()
			return f.now
		}),
	)
	require.NoError(t, err)
	f.ledger = ledger
	return f
}

// commit publishes a single-leaf withdrawal root for the block and returns
// ready-to-submit parameters.
func (f *ledgerFixture) commit(t *testing.T, token string, amount int64, blockNumber uint64) InitiateParams {
	t.Helper()
	var recipient [20]byte
	recipient[0] = 0x42
	var blockHash [32]byte
	blockHash[0] = byte(blockNumber)
	blockHash[31] = 0x99

	value := big.NewInt(amount)
	wh := ComputeWithdrawalHash(recipient, token, value, blockHash, blockNumber)
	leaf := WithdrawalLeaf(recipient, token, value, blockHash, wh)

	f.oracle.mu.Lock()
	f.oracle.outputs[blockNumber] = OracleOutput{
		OutputRoot:  leaf,
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
	}
	f.oracle.mu.Unlock()

	return InitiateParams{
		Recipient:         recipient,
		Token:             token,
		Amount:            value,
		SourceBlockHash:   blockHash,
		SourceBlockNumber: blockNumber,
		WithdrawalHash:    wh,
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	missingRecipient := params
	missingRecipient.Recipient = [20]byte{}
	_, err := f.ledger.Initiate(ctx, missingRecipient)
	require.ErrorContains(t, err, "recipient")

	zeroAmount := params
	zeroAmount.Amount = big.NewInt(0)
	_, err = f.ledger.Initiate(ctx, zeroAmount)
	require.ErrorContains(t, err, "amount")

	zeroBlock := params
	zeroBlock.SourceBlockNumber = 0
	_, err = f.ledger.Initiate(ctx, zeroBlock)
	require.ErrorContains(t, err, "block number")

	unknownToken := params
	unknownToken.Token = "SHIBA"
	_, err = f.ledger.Initiate(ctx, unknownToken)
	require.ErrorIs(t, err, ErrUnsupportedToken)

	wrongHash := params
	wrongHash.WithdrawalHash[0] ^= 0x01
	_, err = f.ledger.Initiate(ctx, wrongHash)
	require.ErrorContains(t, err, "hash")
}

func TestInitiateRejectsInvalidProof(t *testing.T) {
	f := newLedgerFixture(t)
	params := f.commit(t, NativeToken, 100, 10)
	params.Proof = Proof{Steps: []ProofStep{{Right: true}}}

	_, err := f.ledger.Initiate(context.Background(), params)
	require.ErrorIs(t, err, ErrProofInvalid)
}

func TestInitiateRejectsDuplicate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	index, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)

	_, err = f.ledger.Initiate(ctx, params)
	require.ErrorIs(t, err, ErrDuplicateWithdrawal)
}

func TestInitiateOracleFailureIsUpstream(t *testing.T) {
	f := newLedgerFixture(t)
	params := f.commit(t, NativeToken, 100, 10)
	f.oracle.err = errors.New("oracle down")

	_, err := f.ledger.Initiate(context.Background(), params)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFinalizeBeforeChallengePeriod(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	_, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	f.oracle.finalize(10)

	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrChallengeNotElapsed)

	// One second short of the boundary still fails.
	f.advance(testChallengePeriod - time.Second)
	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrChallengeNotElapsed)

	// Exactly at the boundary passes.
	f.advance(time.Second)
	record, err := f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.NoError(t, err)
	require.True(t, record.Processed)
}

func TestFinalizeRequiresFinalizedSource(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	_, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	f.advance(testChallengePeriod)

	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrNotFinalized)
	require.Equal(t, 0, f.executor.calls)

	f.oracle.finalize(10)
	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.NoError(t, err)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	_, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	f.oracle.finalize(10)
	f.advance(testChallengePeriod)

	record, err := f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.NoError(t, err)
	require.True(t, record.Processed)
	require.Equal(t, 1, f.executor.calls)
	require.Equal(t, params.Recipient, f.executor.last.recipient)
	require.Equal(t, NativeToken, f.executor.last.token)
	require.Equal(t, big.NewInt(100), f.executor.last.amount)

	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	require.Equal(t, 1, f.executor.calls)
}

func TestFinalizeExecutorFailureLeavesRecordUnprocessed(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	_, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	f.oracle.finalize(10)
	f.advance(testChallengePeriod)

	f.executor.err = errors.New("rpc timeout")
	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)

	record, err := f.ledger.Get(params.WithdrawalHash)
	require.NoError(t, err)
	require.False(t, record.Processed)

	// A retry after the executor recovers succeeds.
	f.executor.err = nil
	finalized, err := f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.NoError(t, err)
	require.True(t, finalized.Processed)
	require.Equal(t, 1, f.executor.calls)
}

func TestFinalizeUnknownHash(t *testing.T) {
	f := newLedgerFixture(t)
	var missing [32]byte
	missing[0] = 0xFF
	_, err := f.ledger.Finalize(context.Background(), missing)
	require.ErrorIs(t, err, ErrWithdrawalNotFound)
}

func TestConcurrentFinalizeSingleWinner(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	_, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	f.oracle.finalize(10)
	f.advance(testChallengePeriod)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Finalize(ctx, params.WithdrawalHash)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyFinalized)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, f.executor.calls)
}

func TestPauseBlocksMutations(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	f.ledger.Pause("ops", "incident")
	_, err := f.ledger.Initiate(ctx, params)
	require.ErrorIs(t, err, ErrBridgePaused)
	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrBridgePaused)

	f.ledger.Resume("ops")
	_, err = f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	require.Contains(t, f.sink.types(), events.TypeBridgePaused)
	require.Contains(t, f.sink.types(), events.TypeBridgeResumed)
}

func TestWithdrawalLifecycleScenario(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	params := f.commit(t, NativeToken, 100, 10)

	index, err := f.ledger.Initiate(ctx, params)
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)

	_, err = f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.ErrorIs(t, err, ErrChallengeNotElapsed)

	f.advance(testChallengePeriod)
	f.oracle.finalize(10)

	record, err := f.ledger.Finalize(ctx, params.WithdrawalHash)
	require.NoError(t, err)
	require.True(t, record.Processed)
	require.Equal(t, 1, f.executor.calls)
	require.Equal(t, params.Recipient, f.executor.last.recipient)
	require.Equal(t, NativeToken, f.executor.last.token)
	require.Equal(t, big.NewInt(100), f.executor.last.amount)

	require.Equal(t, []string{
		events.TypeWithdrawalInitiated,
		events.TypeWithdrawalFinalized,
	}, f.sink.types())
}

func TestListAndCount(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		params := f.commit(t, NativeToken, int64(100*i), 10+i)
		index, err := f.ledger.Initiate(ctx, params)
		require.NoError(t, err)
		require.Equal(t, i-1, index)
	}

	count, err := f.ledger.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	records, err := f.ledger.List(1, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Index)

	page, err := f.ledger.List(0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestExportCoversWindow(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	first := f.commit(t, NativeToken, 100, 11)
	_, err := f.ledger.Initiate(ctx, first)
	require.NoError(t, err)

	f.advance(time.Hour)
	second := f.commit(t, "USDC", 250, 12)
	_, err = f.ledger.Initiate(ctx, second)
	require.NoError(t, err)

	path := t.TempDir() + "/withdrawals.parquet"
	summary, err := f.ledger.Export(path, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Entries)
	require.Equal(t, big.NewInt(350), summary.Total)

	// Window bounds exclude the later record.
	cutoff := f.ledger.now().Add(-30 * time.Minute).Unix()
	summary, err = f.ledger.Export(path, 0, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entries)
	require.Equal(t, big.NewInt(100), summary.Total)
}
