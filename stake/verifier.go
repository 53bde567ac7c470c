// Package stake admits validators by point-in-time stake checks. Stake moves
// every block, so verification always recomputes against the live source and
// never caches a result.
package stake

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"aegisbridge/crypto"
)

// Source reports the total stake currently delegated to a validator.
type Source interface {
	TotalStake(ctx context.Context, validator crypto.Address) (*big.Int, error)
}

// Verifier compares a validator's live stake against the admission threshold.
type Verifier struct {
	source   Source
	minStake *big.Int
}

// NewVerifier builds a verifier with the given admission threshold. The
// threshold must be positive; a zero minimum would admit unstaked validators.
func NewVerifier(source Source, minStake *big.Int) (*Verifier, error) {
	if source == nil {
		return nil, fmt.Errorf("stake: source required")
	}
	if minStake == nil || minStake.Sign() <= 0 {
		return nil, fmt.Errorf("stake: minimum stake must be positive")
	}
	return &Verifier{source: source, minStake: new(big.Int).Set(minStake)}, nil
}

// MinStake returns a copy of the configured admission threshold.
func (v *Verifier) MinStake() *big.Int {
	return new(big.Int).Set(v.minStake)
}

// VerifyStake reports whether the validator currently meets the threshold.
// Any source failure denies admission; an unverifiable validator is never
// treated as staked.
func (v *Verifier) VerifyStake(ctx context.Context, validator crypto.Address) bool {
	if validator.IsZero() {
		return false
	}
	total, err := v.source.TotalStake(ctx, validator)
	if err != nil {
		slog.Warn("stake lookup failed, denying admission",
			"validator", validator.String(),
			"error", err,
		)
		return false
	}
	if total == nil {
		return false
	}
	return total.Cmp(v.minStake) >= 0
}
