package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCredentials = []byte("credentials")

// BoltCredentialStore persists issued credentials in a BoltDB file. Secrets
// never leave the store file except on the issuance response.
type BoltCredentialStore struct {
	db *bolt.DB
}

var _ CredentialStore = (*BoltCredentialStore)(nil)

// NewBoltCredentialStore initialises (and migrates) the BoltDB-backed store.
func NewBoltCredentialStore(path string, options *bolt.Options) (*BoltCredentialStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("auth: credential store path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCredentialStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltCredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores the credential, rejecting duplicate API keys.
func (s *BoltCredentialStore) Save(cred Credential) error {
	key := strings.TrimSpace(cred.APIKey)
	if key == "" {
		return ErrCredentialNotFound
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCredentials)
		if existing := bucket.Get([]byte(key)); existing != nil {
			return ErrDuplicateAPIKey
		}
		return bucket.Put([]byte(key), payload)
	})
}

// Lookup fetches the credential for the API key.
func (s *BoltCredentialStore) Lookup(apiKey string) (Credential, bool, error) {
	var cred Credential
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCredentials).Get([]byte(strings.TrimSpace(apiKey)))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &cred); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Credential{}, false, err
	}
	return cred, found, nil
}
