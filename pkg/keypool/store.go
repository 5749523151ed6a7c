// Package keypool maintains the pool of short-lived backend access
// credentials minted through the public-key handshake.
package keypool

import (
	"context"
	"sync"
	"time"
)

// Credential is one minted access artifact. Value is the base64 ciphertext
// the backend decrypts per request; Profile names the user-agent profile the
// credential was minted under, and the two travel together for its lifetime.
// Credentials are never mutated after insert; they simply expire.
type Credential struct {
	Value     string
	Profile   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the persistence boundary for credentials. Implementations must
// never return an entry with ExpiresAt <= now from ListValid, whether or not
// they physically purge it.
type Store interface {
	ListValid(ctx context.Context, now time.Time) ([]Credential, error)
	Insert(ctx context.Context, cred Credential) error
	Close() error
}

// MemoryStore keeps credentials for the process lifetime only.
type MemoryStore struct {
	mu    sync.Mutex
	creds []Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ListValid returns the live credentials and drops expired ones as a
// cleanup side effect.
func (s *MemoryStore) ListValid(_ context.Context, now time.Time) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.creds[:0]
	for _, c := range s.creds {
		if c.ExpiresAt.After(now) {
			kept = append(kept, c)
		}
	}
	s.creds = kept
	out := make([]Credential, len(kept))
	copy(out, kept)
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, cred)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
