package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// BlockHeader is the bridge-side view of a source-chain block header. It
// carries the commitments the fraud pipeline screens against.
type BlockHeader struct {
	Number     uint64   `json:"number"`
	Timestamp  int64    `json:"timestamp"`
	ParentHash [32]byte `json:"parentHash"`
	StateRoot  [32]byte `json:"stateRoot"`
	TxRoot     [32]byte `json:"txRoot"`
}

// Block bundles a header with the transactions the source chain committed
// under it.
type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
}

// NewBlock creates a new block from a header and a set of transactions.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash calculates the canonical hash of the block header. This hash serves
// as the block's unique identifier on the bridge side.
func (h *BlockHeader) Hash() ([32]byte, error) {
	var zero [32]byte
	if h == nil {
		return zero, fmt.Errorf("block header: nil")
	}
	buf := bytes.NewBuffer(nil)
	if err := binary.Write(buf, binary.BigEndian, h.Number); err != nil {
		return zero, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Timestamp); err != nil {
		return zero, err
	}
	buf.Write(h.ParentHash[:])
	buf.Write(h.StateRoot[:])
	buf.Write(h.TxRoot[:])
	return blake3.Sum256(buf.Bytes()), nil
}

// TransactionCount reports how many transactions the block carries.
func (b *Block) TransactionCount() int {
	if b == nil {
		return 0
	}
	return len(b.Transactions)
}
