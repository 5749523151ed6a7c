package keypool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/azurebridge/pkg/upstream"
)

// ErrPoolExhausted reports that no valid credential was available even
// after a refill pass.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// HandshakeError wraps a failure anywhere in the mint protocol: the
// public-key call, key parsing, or encryption.
type HandshakeError struct {
	err error
}

func (e *HandshakeError) Error() string { return "handshake: " + e.err.Error() }
func (e *HandshakeError) Unwrap() error { return e.err }

var nowUTC = func() time.Time { return time.Now().UTC() }

// Manager keeps the credential pool populated and hands out a randomly
// selected valid credential. Refill is serialized by a mutex so concurrent
// requests observing the same deficit cannot jointly overshoot MaxKeys.
type Manager struct {
	store   Store
	backend *upstream.Client
	maxKeys int
	expiry  time.Duration

	mu       sync.Mutex
	randIntn func(int) int

	// PoolObserver, when set, receives the live pool size after each
	// refill pass. Used for gauge metrics.
	PoolObserver func(n int)

	// MintFailureObserver, when set, is called once per failed mint.
	MintFailureObserver func()
}

func NewManager(store Store, backend *upstream.Client, maxKeys int, expiry time.Duration) *Manager {
	if maxKeys <= 0 {
		maxKeys = 3
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Manager{
		store:    store,
		backend:  backend,
		maxKeys:  maxKeys,
		expiry:   expiry,
		randIntn: mathrand.IntN,
	}
}

// EnsurePool tops the pool back up to MaxKeys and returns the valid
// credentials. A single failed mint is logged and does not abort the rest of
// the deficit; the pool simply stays short until the next call.
func (m *Manager) EnsurePool(ctx context.Context) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUTC()
	valid, err := m.store.ListValid(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	deficit := m.maxKeys - len(valid)
	for i := 0; i < deficit; i++ {
		cred, err := m.generateCredential(ctx)
		if err != nil {
			log.Warn("mint credential", "error", err)
			if m.MintFailureObserver != nil {
				m.MintFailureObserver()
			}
			continue
		}
		if err := m.store.Insert(ctx, cred); err != nil {
			log.Warn("persist credential", "error", err)
			continue
		}
		valid = append(valid, cred)
	}

	if m.PoolObserver != nil {
		m.PoolObserver(len(valid))
	}
	return valid, nil
}

// GetRandomCredential refills the pool and picks one valid credential
// uniformly at random, resolving its stored profile back to the outbound
// user-agent string it was minted under.
func (m *Manager) GetRandomCredential(ctx context.Context) (Credential, string, error) {
	valid, err := m.EnsurePool(ctx)
	if err != nil {
		return Credential{}, "", err
	}
	if len(valid) == 0 {
		return Credential{}, "", ErrPoolExhausted
	}
	cred := valid[m.randIntn(len(valid))]
	return cred, UserAgentFor(cred.Profile), nil
}

// credentialPayload is what the backend decrypts and validates on every
// request carrying the credential.
type credentialPayload struct {
	Data      json.RawMessage `json:"data"`
	User      string          `json:"user"`
	Timestamp int64           `json:"timestamp"`
	UserAgent string          `json:"user_agent"`
}

func (m *Manager) generateCredential(ctx context.Context) (Credential, error) {
	ids := profileIDs()
	profile := ids[m.randIntn(len(ids))]
	ua := userAgentProfiles[profile]

	hs, err := m.backend.PublicKey(ctx, ua)
	if err != nil {
		return Credential{}, &HandshakeError{err}
	}

	now := nowUTC()
	payload, err := json.Marshal(credentialPayload{
		Data:      hs.Data,
		User:      hs.User,
		Timestamp: now.UnixMilli(),
		UserAgent: ua,
	})
	if err != nil {
		return Credential{}, &HandshakeError{fmt.Errorf("encode payload: %w", err)}
	}

	pub, err := parseRSAPublicKey(hs.PublicKey)
	if err != nil {
		return Credential{}, &HandshakeError{err}
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, payload)
	if err != nil {
		return Credential{}, &HandshakeError{fmt.Errorf("encrypt payload: %w", err)}
	}

	return Credential{
		Value:     base64.StdEncoding.EncodeToString(ciphertext),
		Profile:   profile,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", key)
	}
	return rsaKey, nil
}
