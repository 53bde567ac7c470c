package stake

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"aegisbridge/crypto"
	"aegisbridge/storage"
)

var delegationPrefix = []byte("stake/delegation/")

// LedgerSource sums per-delegation stake rows straight from the bridge's
// state store. Each row is keyed by validator then delegator and holds the
// delegated amount as a 32-byte big-endian word.
type LedgerSource struct {
	store storage.Database
}

var _ Source = (*LedgerSource)(nil)

// NewLedgerSource binds the source to the supplied storage backend.
func NewLedgerSource(store storage.Database) (*LedgerSource, error) {
	if store == nil {
		return nil, fmt.Errorf("stake: storage required")
	}
	return &LedgerSource{store: store}, nil
}

// SetDelegation writes the delegator's stake toward the validator. A zero
// amount removes the row.
func (s *LedgerSource) SetDelegation(validator, delegator crypto.Address, amount *big.Int) error {
	if validator.IsZero() {
		return fmt.Errorf("stake: validator address required")
	}
	if delegator.IsZero() {
		return fmt.Errorf("stake: delegator address required")
	}
	key := delegationKey(validator, delegator)
	if amount == nil || amount.Sign() == 0 {
		return s.store.Delete(key)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("stake: delegation amount must not be negative")
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("stake: delegation amount exceeds 256 bits")
	}
	encoded := word.Bytes32()
	return s.store.Put(key, encoded[:])
}

// TotalStake walks every delegation row bound to the validator and sums the
// amounts. A malformed row aborts the walk with an error so the verifier
// fails closed instead of under-counting.
func (s *LedgerSource) TotalStake(ctx context.Context, validator crypto.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if validator.IsZero() {
		return nil, fmt.Errorf("stake: validator address required")
	}
	prefix := validatorPrefix(validator)
	total := new(big.Int)
	var walkErr error
	err := s.store.IteratePrefix(prefix, func(key, value []byte) bool {
		if len(value) != 32 {
			walkErr = fmt.Errorf("stake: delegation row %x holds %d bytes, want 32", key, len(value))
			return false
		}
		var word uint256.Int
		word.SetBytes32(value)
		total.Add(total, word.ToBig())
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("stake: iterate delegations: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return total, nil
}

func validatorPrefix(validator crypto.Address) []byte {
	buf := make([]byte, len(delegationPrefix)+crypto.AddressLength)
	copy(buf, delegationPrefix)
	copy(buf[len(delegationPrefix):], validator.Bytes())
	return buf
}

func delegationKey(validator, delegator crypto.Address) []byte {
	buf := make([]byte, len(delegationPrefix)+2*crypto.AddressLength)
	copy(buf, delegationPrefix)
	copy(buf[len(delegationPrefix):], validator.Bytes())
	copy(buf[len(delegationPrefix)+crypto.AddressLength:], delegator.Bytes())
	return buf
}
