package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"

	// MaxTimestampSkew bounds how far a signed timestamp may drift from the
	// verifier clock in either direction.
	MaxTimestampSkew = 5 * time.Minute

	apiKeyBytes = 16
	secretBytes = 32
)

var (
	// ErrCredentialNotFound is returned when the API key is missing or unknown.
	ErrCredentialNotFound = errors.New("auth: unknown api key")
	// ErrMalformedTimestamp is returned when the timestamp is not unix seconds.
	ErrMalformedTimestamp = errors.New("auth: timestamp must be unix seconds")
	// ErrTimestampOutsideSkew is returned when the timestamp drifts too far.
	ErrTimestampOutsideSkew = errors.New("auth: timestamp outside allowed skew")
	// ErrInvalidSignature is returned when the HMAC does not match.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrDuplicateAPIKey is returned when issuance collides with a stored key.
	ErrDuplicateAPIKey = errors.New("auth: api key already issued")
)

// Credential is an issued API credential. Secret is only populated on the
// copy handed back at issuance; lookups never expose it to callers.
type Credential struct {
	APIKey   string    `json:"apiKey"`
	Secret   string    `json:"secret,omitempty"`
	OwnerID  string    `json:"ownerId"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Principal represents an authenticated API client.
type Principal struct {
	APIKey  string
	OwnerID string
}

// CredentialStore provides durable storage for issued credentials. Save must
// reject duplicate API keys with ErrDuplicateAPIKey.
type CredentialStore interface {
	Save(cred Credential) error
	Lookup(apiKey string) (Credential, bool, error)
}

// Authenticator issues API credentials and verifies request signatures.
type Authenticator struct {
	store CredentialStore
	nowFn func() time.Time
}

// Option customises the authenticator.
type Option func(*Authenticator)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) {
		if clock != nil {
			a.nowFn = clock
		}
	}
}

// NewAuthenticator builds an Authenticator backed by the supplied store.
func NewAuthenticator(store CredentialStore, opts ...Option) (*Authenticator, error) {
	if store == nil {
		return nil, fmt.Errorf("auth: credential store required")
	}
	a := &Authenticator{store: store, nowFn: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue mints a fresh credential for the owner. The returned credential is
// the only copy that carries the secret.
func (a *Authenticator) Issue(ownerID string) (Credential, error) {
	owner := norm.NFKC.String(strings.TrimSpace(ownerID))
	if owner == "" {
		return Credential{}, fmt.Errorf("auth: owner id required")
	}
	keyRaw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(keyRaw); err != nil {
		return Credential{}, fmt.Errorf("auth: generate api key: %w", err)
	}
	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return Credential{}, fmt.Errorf("auth: generate secret: %w", err)
	}
	cred := Credential{
		APIKey:   hex.EncodeToString(keyRaw),
		Secret:   hex.EncodeToString(secretRaw),
		OwnerID:  owner,
		IssuedAt: a.nowFn().UTC(),
	}
	if err := a.store.Save(cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// Verify checks that the signature is a valid HMAC for the API key and
// timestamp. The timestamp must be integer unix seconds within
// MaxTimestampSkew of the verifier clock.
func (a *Authenticator) Verify(apiKey, timestamp, signature string) (*Principal, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, ErrCredentialNotFound
	}
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return nil, ErrTimestampOutsideSkew
	}
	cred, ok, err := a.store.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("auth: lookup credential: %w", err)
	}
	if !ok || cred.Secret == "" {
		return nil, ErrCredentialNotFound
	}
	provided := strings.TrimSpace(signature)
	if provided == "" {
		return nil, ErrInvalidSignature
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}
	expected := ComputeSignature(cred.Secret, key, strings.TrimSpace(timestamp))
	if !hmac.Equal(providedBytes, expected) {
		return nil, ErrInvalidSignature
	}
	return &Principal{APIKey: key, OwnerID: cred.OwnerID}, nil
}

// ComputeSignature builds the HMAC-SHA256 signature bytes over the signed
// message "apiKey:timestamp" using the issued secret string as the key.
func ComputeSignature(secret, apiKey, timestamp string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey + ":" + timestamp))
	return mac.Sum(nil)
}

// Sign is a convenience wrapper returning the hex signature clients submit.
func Sign(secret, apiKey, timestamp string) string {
	return hex.EncodeToString(ComputeSignature(secret, apiKey, timestamp))
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
