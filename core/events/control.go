package events

import (
	"strings"

	"aegisbridge/core/types"
)

const (
	// TypeBridgePaused is emitted when an operator halts mutating operations.
	TypeBridgePaused = "bridge.paused"
	// TypeBridgeResumed is emitted when an operator lifts a pause.
	TypeBridgeResumed = "bridge.resumed"
)

type BridgePaused struct {
	Actor  string
	Reason string
}

func (BridgePaused) EventType() string { return TypeBridgePaused }

func (e BridgePaused) Event() *types.Event {
	return &types.Event{
		Type: TypeBridgePaused,
		Attributes: map[string]string{
			"actor":  strings.TrimSpace(e.Actor),
			"reason": strings.TrimSpace(e.Reason),
		},
	}
}

type BridgeResumed struct {
	Actor string
}

func (BridgeResumed) EventType() string { return TypeBridgeResumed }

func (e BridgeResumed) Event() *types.Event {
	return &types.Event{
		Type: TypeBridgeResumed,
		Attributes: map[string]string{
			"actor": strings.TrimSpace(e.Actor),
		},
	}
}
