package events

import (
	"fmt"
	"strings"

	"aegisbridge/core/types"
)

const (
	// TypeFraudDetected is emitted whenever a fraud rule fails a transaction
	// or a block breaches its transaction budget.
	TypeFraudDetected = "fraud.detected"
)

type FraudDetected struct {
	BlockNumber uint64
	Rule        string
	TxDigest    [32]byte
	Detail      string
}

func (FraudDetected) EventType() string { return TypeFraudDetected }

func (e FraudDetected) Event() *types.Event {
	digest := ""
	if e.TxDigest != ([32]byte{}) {
		digest = fmt.Sprintf("%x", e.TxDigest)
	}
	return &types.Event{
		Type: TypeFraudDetected,
		Attributes: map[string]string{
			"blockNumber": fmt.Sprintf("%d", e.BlockNumber),
			"rule":        strings.TrimSpace(e.Rule),
			"txDigest":    digest,
			"detail":      strings.TrimSpace(e.Detail),
		},
	}
}
