package events

import (
	"strings"

	"aegisbridge/core/types"
)

const (
	// TypeRateLimitExceeded is emitted when a client exceeds its request window.
	TypeRateLimitExceeded = "gateway.rate_limit_exceeded"
	// TypeReplayDetected is emitted when a previously seen nonce is replayed.
	TypeReplayDetected = "gateway.replay_detected"
	// TypeCredentialIssued is emitted when an operator issues an API credential.
	TypeCredentialIssued = "gateway.credential_issued"
)

type RateLimitExceeded struct {
	ClientID string
}

func (RateLimitExceeded) EventType() string { return TypeRateLimitExceeded }

func (e RateLimitExceeded) Event() *types.Event {
	return &types.Event{
		Type: TypeRateLimitExceeded,
		Attributes: map[string]string{
			"clientId": strings.TrimSpace(e.ClientID),
		},
	}
}

type ReplayDetected struct {
	Nonce    string
	ClientID string
}

func (ReplayDetected) EventType() string { return TypeReplayDetected }

func (e ReplayDetected) Event() *types.Event {
	return &types.Event{
		Type: TypeReplayDetected,
		Attributes: map[string]string{
			"nonce":    strings.TrimSpace(e.Nonce),
			"clientId": strings.TrimSpace(e.ClientID),
		},
	}
}

type CredentialIssued struct {
	OwnerID string
	ApiKey  string
}

func (CredentialIssued) EventType() string { return TypeCredentialIssued }

func (e CredentialIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeCredentialIssued,
		Attributes: map[string]string{
			"ownerId": strings.TrimSpace(e.OwnerID),
			"apiKey":  strings.TrimSpace(e.ApiKey),
		},
	}
}
