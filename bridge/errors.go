package bridge

import "errors"

var (
	// ErrUnsupportedToken is returned when the withdrawal names a token the
	// bridge does not recognise.
	ErrUnsupportedToken = errors.New("bridge: unsupported token")
	// ErrProofInvalid is returned when the Merkle inclusion proof does not
	// reproduce the committed withdrawal root.
	ErrProofInvalid = errors.New("bridge: withdrawal proof invalid")
	// ErrDuplicateWithdrawal is returned when the withdrawal hash is already
	// recorded in the ledger.
	ErrDuplicateWithdrawal = errors.New("bridge: withdrawal already recorded")
	// ErrWithdrawalNotFound is returned when no record exists for the hash.
	ErrWithdrawalNotFound = errors.New("bridge: withdrawal not found")
	// ErrChallengeNotElapsed is returned when finalization is attempted
	// before the challenge period has run out.
	ErrChallengeNotElapsed = errors.New("bridge: challenge period not elapsed")
	// ErrNotFinalized is returned when the source block has not been
	// reported finalized by the oracle.
	ErrNotFinalized = errors.New("bridge: source block not finalized")
	// ErrAlreadyFinalized is returned when the withdrawal has already paid
	// out, or a concurrent finalize attempt is in flight.
	ErrAlreadyFinalized = errors.New("bridge: withdrawal already finalized")
	// ErrUpstreamUnavailable wraps oracle or executor failures. The
	// withdrawal record is left untouched when it is returned.
	ErrUpstreamUnavailable = errors.New("bridge: upstream unavailable")
	// ErrBridgePaused is returned while an operator pause is engaged.
	ErrBridgePaused = errors.New("bridge: paused")
)
