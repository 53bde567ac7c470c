package bridge

import (
	"context"
	"math/big"

	"aegisbridge/core/types"
)

// OracleOutput is the committed output the finality oracle publishes for a
// source block.
type OracleOutput struct {
	OutputRoot  [32]byte
	StateRoot   [32]byte
	BlockHash   [32]byte
	BlockNumber uint64
	Timestamp   int64
	Finalized   bool
}

// FinalityOracle reports which source blocks are irreversibly committed and
// the withdrawal roots published for them. Read-only.
type FinalityOracle interface {
	GetOutput(ctx context.Context, blockNumber uint64) (OracleOutput, error)
	LatestFinalizedBlockNumber(ctx context.Context) (uint64, error)
}

// TransferExecutor moves funds once every withdrawal invariant holds. The
// ledger invokes it exactly once per withdrawal, outside any lock.
type TransferExecutor interface {
	Transfer(ctx context.Context, recipient [20]byte, token string, amount *big.Int) error
}

// BlockSource supplies raw source-chain blocks for fraud evaluation.
type BlockSource interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
}
