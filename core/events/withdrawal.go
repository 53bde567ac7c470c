package events

import (
	"fmt"
	"math/big"

	"aegisbridge/core/types"
	"aegisbridge/crypto"
)

const (
	// TypeWithdrawalInitiated is emitted when a withdrawal enters the ledger.
	TypeWithdrawalInitiated = "withdrawal.initiated"
	// TypeWithdrawalFinalized is emitted when a withdrawal pays out exactly once.
	TypeWithdrawalFinalized = "withdrawal.finalized"
)

type WithdrawalInitiated struct {
	Index             uint64
	WithdrawalHash    [32]byte
	Recipient         [20]byte
	Token             string
	Amount            *big.Int
	SourceBlockNumber uint64
}

func (WithdrawalInitiated) EventType() string { return TypeWithdrawalInitiated }

func (e WithdrawalInitiated) Event() *types.Event {
	amount := big.NewInt(0)
	if e.Amount != nil {
		amount = new(big.Int).Set(e.Amount)
	}
	recipient := ""
	if e.Recipient != ([20]byte{}) {
		recipient = crypto.NewAddress(crypto.AccountPrefix, e.Recipient[:]).String()
	}
	return &types.Event{
		Type: TypeWithdrawalInitiated,
		Attributes: map[string]string{
			"index":             fmt.Sprintf("%d", e.Index),
			"withdrawalHash":    fmt.Sprintf("%x", e.WithdrawalHash),
			"recipient":         recipient,
			"token":             normalizeToken(e.Token),
			"amount":            amount.String(),
			"sourceBlockNumber": fmt.Sprintf("%d", e.SourceBlockNumber),
		},
	}
}

type WithdrawalFinalized struct {
	Index          uint64
	WithdrawalHash [32]byte
	Recipient      [20]byte
	Token          string
	Amount         *big.Int
}

func (WithdrawalFinalized) EventType() string { return TypeWithdrawalFinalized }

func (e WithdrawalFinalized) Event() *types.Event {
	amount := big.NewInt(0)
	if e.Amount != nil {
		amount = new(big.Int).Set(e.Amount)
	}
	recipient := ""
	if e.Recipient != ([20]byte{}) {
		recipient = crypto.NewAddress(crypto.AccountPrefix, e.Recipient[:]).String()
	}
	return &types.Event{
		Type: TypeWithdrawalFinalized,
		Attributes: map[string]string{
			"index":          fmt.Sprintf("%d", e.Index),
			"withdrawalHash": fmt.Sprintf("%x", e.WithdrawalHash),
			"recipient":      recipient,
			"token":          normalizeToken(e.Token),
			"amount":         amount.String(),
		},
	}
}
