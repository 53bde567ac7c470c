// Package gateway screens every mutating request before it reaches the
// bridge: authenticate, rate limit, then replay-check, in that order. The
// ordering is deliberate — an unauthenticated caller never consumes rate
// capacity, and a throttled caller never burns its nonce.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"aegisbridge/core/events"
	"aegisbridge/gateway/auth"
	"aegisbridge/gateway/ratelimit"
	"aegisbridge/gateway/replay"
	"aegisbridge/observability"
)

var (
	// ErrRateLimited is returned when the client exhausted its request window.
	ErrRateLimited = errors.New("gateway: rate limit exceeded")
	// ErrReplayedNonce is returned when the request nonce was already consumed.
	ErrReplayedNonce = errors.New("gateway: nonce already used")
)

// Request carries the security envelope of an inbound call.
type Request struct {
	APIKey    string
	Timestamp string
	Nonce     string
	Signature string
}

// RequestFromHeader extracts the security envelope from HTTP headers.
func RequestFromHeader(h http.Header) Request {
	return Request{
		APIKey:    h.Get(auth.HeaderAPIKey),
		Timestamp: h.Get(auth.HeaderTimestamp),
		Nonce:     h.Get(auth.HeaderNonce),
		Signature: h.Get(auth.HeaderSignature),
	}
}

// Gateway composes the authenticator, rate limiter, and replay guard in front
// of mutating entry points.
type Gateway struct {
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	guard   *replay.Guard
	emitter events.Emitter
	metrics *observability.GatewayMetrics
}

// Option customises the gateway.
type Option func(*Gateway)

// WithEmitter wires the domain event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(g *Gateway) {
		if emitter != nil {
			g.emitter = emitter
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds the gateway. All three collaborators are required.
func New(authenticator *auth.Authenticator, limiter *ratelimit.Limiter, guard *replay.Guard, opts ...Option) (*Gateway, error) {
	if authenticator == nil {
		return nil, fmt.Errorf("gateway: authenticator required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("gateway: rate limiter required")
	}
	if guard == nil {
		return nil, fmt.Errorf("gateway: replay guard required")
	}
	g := &Gateway{
		auth:    authenticator,
		limiter: limiter,
		guard:   guard,
		emitter: events.NoopEmitter{},
		metrics: observability.Gateway(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Screen runs the full security pipeline over the request. A nil error means
// the caller is authenticated, within its rate window, and presented a fresh
// nonce; the returned principal identifies the caller for the business layer.
func (g *Gateway) Screen(ctx context.Context, req Request) (*auth.Principal, error) {
	principal, err := g.auth.Verify(req.APIKey, req.Timestamp, req.Signature)
	if err != nil {
		g.metrics.RecordAuthFailure(authFailureReason(err))
		g.metrics.RecordRequest("auth_failed")
		return nil, err
	}

	if !g.limiter.Allow(principal.APIKey) {
		g.metrics.RecordThrottle(principal.APIKey)
		g.metrics.RecordRequest("throttled")
		g.emitter.Emit(events.RateLimitExceeded{ClientID: principal.APIKey})
		return nil, ErrRateLimited
	}

	accepted, err := g.guard.Record(ctx, req.Nonce)
	if err != nil {
		g.metrics.RecordRequest("error")
		return nil, fmt.Errorf("gateway: record nonce: %w", err)
	}
	if !accepted {
		g.metrics.RecordReplay()
		g.metrics.RecordRequest("replayed")
		g.emitter.Emit(events.ReplayDetected{Nonce: req.Nonce, ClientID: principal.APIKey})
		return nil, ErrReplayedNonce
	}

	g.metrics.RecordRequest("allowed")
	return principal, nil
}

// ResetAt exposes the limiter's window rollover for retry hints.
func (g *Gateway) ResetAt(clientID string) time.Time {
	return g.limiter.ResetAt(clientID)
}

// AdvanceHeight moves the replay guard's reference height forward and prunes
// expired nonces. Called from block ingestion.
func (g *Gateway) AdvanceHeight(ctx context.Context, height uint64) (int, error) {
	return g.guard.Prune(ctx, height)
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialNotFound):
		return "unknown_key"
	case errors.Is(err, auth.ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, auth.ErrTimestampOutsideSkew):
		return "timestamp_skew"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "bad_signature"
	default:
		return "internal"
	}
}
