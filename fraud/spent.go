package fraud

import (
	"encoding/binary"
	"fmt"

	"aegisbridge/core/types"
	"aegisbridge/storage"
)

var spentOutpointPrefix = []byte("fraud/spent/")

// StoredSpentIndex keeps consumed outpoints in the bridge's key-value store
// so the double-spend rule survives restarts.
type StoredSpentIndex struct {
	store storage.Database
}

var _ SpentIndex = (*StoredSpentIndex)(nil)

// NewStoredSpentIndex binds the index to the supplied storage backend.
func NewStoredSpentIndex(store storage.Database) (*StoredSpentIndex, error) {
	if store == nil {
		return nil, fmt.Errorf("fraud: storage required")
	}
	return &StoredSpentIndex{store: store}, nil
}

// Spent reports whether the outpoint has been consumed.
func (s *StoredSpentIndex) Spent(op types.Outpoint) (bool, error) {
	return s.store.Has(outpointKey(op))
}

// Mark records the outpoints as consumed. Ingestion calls it after a block
// passes the pipeline cleanly; re-marking is a no-op.
func (s *StoredSpentIndex) Mark(ops []types.Outpoint) error {
	for _, op := range ops {
		if err := s.store.Put(outpointKey(op), []byte{1}); err != nil {
			return fmt.Errorf("fraud: mark outpoint %s: %w", op, err)
		}
	}
	return nil
}

// MarkBlock records every input of every transaction in the block.
func (s *StoredSpentIndex) MarkBlock(block *types.Block) error {
	if block == nil {
		return nil
	}
	for _, tx := range block.Transactions {
		if err := s.Mark(tx.Inputs); err != nil {
			return err
		}
	}
	return nil
}

func outpointKey(op types.Outpoint) []byte {
	buf := make([]byte, len(spentOutpointPrefix)+32+4)
	copy(buf, spentOutpointPrefix)
	copy(buf[len(spentOutpointPrefix):], op.TxHash[:])
	binary.BigEndian.PutUint32(buf[len(spentOutpointPrefix)+32:], op.Index)
	return buf
}
