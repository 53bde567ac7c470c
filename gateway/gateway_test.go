package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"aegisbridge/core/events"
	"aegisbridge/gateway/auth"
	"aegisbridge/gateway/ratelimit"
	"aegisbridge/gateway/replay"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Emit(evt events.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.EventType()
	}
	return out
}

type fixture struct {
	gateway *Gateway
	cred    auth.Credential
	sink    *capturedEvents
	now     time.Time
}

func newFixture(t *testing.T, maxPerWindow int) *fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }

	authenticator, err := auth.NewAuthenticator(auth.NewMemoryCredentialStore(), auth.WithClock(clock))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	cred, err := authenticator.Issue("ops-team")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(maxPerWindow, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	guard, err := replay.NewGuard(100)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	sink := &capturedEvents{}
	gw, err := New(authenticator, limiter, guard, WithEmitter(sink))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &fixture{gateway: gw, cred: cred, sink: sink, now: now}
}

func (f *fixture) signedRequest(nonce string) Request {
	ts := strconv.FormatInt(f.now.Unix(), 10)
	return Request{
		APIKey:    f.cred.APIKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: auth.Sign(f.cred.Secret, f.cred.APIKey, ts),
	}
}

func TestScreenAllowsSignedRequest(t *testing.T) {
	f := newFixture(t, 10)
	principal, err := f.gateway.Screen(context.Background(), f.signedRequest("nonce-1"))
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if principal.OwnerID != "ops-team" {
		t.Fatalf("owner = %q, want ops-team", principal.OwnerID)
	}
	if got := f.sink.types(); len(got) != 0 {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestScreenRejectsBadSignature(t *testing.T) {
	f := newFixture(t, 10)
	req := f.signedRequest("nonce-1")
	req.Signature = auth.Sign("0000", req.APIKey, req.Timestamp)

	_, err := f.gateway.Screen(context.Background(), req)
	if !errors.Is(err, auth.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestScreenRejectsUnknownKey(t *testing.T) {
	f := newFixture(t, 10)
	req := f.signedRequest("nonce-1")
	req.APIKey = "deadbeefdeadbeefdeadbeefdeadbeef"

	_, err := f.gateway.Screen(context.Background(), req)
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("err = %v, want ErrCredentialNotFound", err)
	}
}

func TestScreenThrottlesAfterLimit(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.gateway.Screen(ctx, f.signedRequest(fmt.Sprintf("nonce-%d", i))); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := f.gateway.Screen(ctx, f.signedRequest("nonce-over"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if got := f.sink.types(); len(got) != 1 || got[0] != events.TypeRateLimitExceeded {
		t.Fatalf("events = %v, want one rate-limit event", got)
	}

	// The denied request must not have consumed its nonce: once the window
	// rolls over the same nonce is accepted.
	if !f.gateway.guard.Seen("nonce-0") {
		t.Fatalf("accepted nonce missing from guard")
	}
	if f.gateway.guard.Seen("nonce-over") {
		t.Fatalf("throttled request burned its nonce")
	}
}

func TestScreenRejectsReplayedNonce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	if _, err := f.gateway.Screen(ctx, f.signedRequest("nonce-1")); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := f.gateway.Screen(ctx, f.signedRequest("nonce-1"))
	if !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("err = %v, want ErrReplayedNonce", err)
	}
	if got := f.sink.types(); len(got) != 1 || got[0] != events.TypeReplayDetected {
		t.Fatalf("events = %v, want one replay event", got)
	}
}

func TestScreenNonceExpiresWithHeight(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	if _, err := f.gateway.Screen(ctx, f.signedRequest("nonce-1")); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := f.gateway.AdvanceHeight(ctx, 101); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.gateway.Screen(ctx, f.signedRequest("nonce-1")); err != nil {
		t.Fatalf("expired nonce must be accepted again: %v", err)
	}
}

func TestRequestFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set(auth.HeaderAPIKey, "key")
	h.Set(auth.HeaderTimestamp, "1700000000")
	h.Set(auth.HeaderNonce, "n-1")
	h.Set(auth.HeaderSignature, "sig")

	req := RequestFromHeader(h)
	if req.APIKey != "key" || req.Timestamp != "1700000000" || req.Nonce != "n-1" || req.Signature != "sig" {
		t.Fatalf("request = %+v", req)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := New(nil, f.gateway.limiter, f.gateway.guard); err == nil {
		t.Fatalf("expected nil authenticator rejection")
	}
	if _, err := New(f.gateway.auth, nil, f.gateway.guard); err == nil {
		t.Fatalf("expected nil limiter rejection")
	}
	if _, err := New(f.gateway.auth, f.gateway.limiter, nil); err == nil {
		t.Fatalf("expected nil guard rejection")
	}
}
