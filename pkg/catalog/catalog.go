// Package catalog caches backend model metadata normalized to the public
// capability schema.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/azurebridge/pkg/keypool"
	"github.com/lkarlslund/azurebridge/pkg/upstream"
)

// Model is one catalog entry in the public schema. Capability flags decide
// which request path a model takes. Created is the unix time of the
// refresh that produced the entry, mirroring the public model card field.
type Model struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Image   bool   `json:"image"`
	Vision  bool   `json:"vision"`
	Audio   bool   `json:"audio"`
}

// ModelNotFoundError names the unknown model id in the client-facing error.
type ModelNotFoundError struct {
	ID string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found", e.ID)
}

// CredentialSource supplies a minted credential and its outbound
// user-agent for the refresh call.
type CredentialSource interface {
	GetRandomCredential(ctx context.Context) (keypool.Credential, string, error)
}

var nowUTC = func() time.Time { return time.Now().UTC() }

// Cache holds exactly one logical model-list entry with a TTL. Refresh
// replaces the entry wholesale; a failed refresh leaves nothing half
// written. An optional disk snapshot lets a restart inside the TTL window
// serve without a backend call.
type Cache struct {
	backend *upstream.Client
	creds   CredentialSource
	ttl     time.Duration
	path    string

	mu        sync.Mutex
	models    []Model
	expiresAt time.Time
}

type snapshot struct {
	Models    []Model   `json:"models"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates a Cache with the given TTL. snapshotPath may be empty to
// disable disk persistence.
func New(backend *upstream.Client, creds CredentialSource, ttl time.Duration, snapshotPath string) *Cache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	c := &Cache{backend: backend, creds: creds, ttl: ttl, path: snapshotPath}
	c.loadSnapshot()
	return c
}

// GetOrRefresh returns the cached model list, refreshing it from the
// backend once the TTL lapses. Concurrent callers are serialized so an
// expired entry triggers a single backend call.
func (c *Cache) GetOrRefresh(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowUTC()
	if c.models != nil && now.Before(c.expiresAt) {
		return cloneModels(c.models), nil
	}

	cred, ua, err := c.creds.GetRandomCredential(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.backend.Models(ctx, cred.Value, ua)
	if err != nil {
		return nil, err
	}

	models := make([]Model, 0, len(records))
	for _, r := range records {
		models = append(models, Model{ID: r.ID, Created: now.Unix(), Image: r.Image, Vision: r.Vision, Audio: r.Audio})
	}
	c.models = models
	c.expiresAt = now.Add(c.ttl)
	c.saveSnapshot()
	return cloneModels(c.models), nil
}

// Find resolves a model id through the cache.
func (c *Cache) Find(ctx context.Context, id string) (Model, error) {
	models, err := c.GetOrRefresh(ctx)
	if err != nil {
		return Model{}, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, nil
		}
	}
	return Model{}, &ModelNotFoundError{ID: id}
}

func (c *Cache) loadSnapshot() {
	if c.path == "" {
		return
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		log.Warn("discard model cache snapshot", "path", c.path, "error", err)
		return
	}
	if len(snap.Models) == 0 || !nowUTC().Before(snap.ExpiresAt) {
		return
	}
	c.models = snap.Models
	c.expiresAt = snap.ExpiresAt
}

func (c *Cache) saveSnapshot() {
	if c.path == "" {
		return
	}
	b, err := json.MarshalIndent(snapshot{Models: c.models, ExpiresAt: c.expiresAt}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		log.Warn("save model cache snapshot", "error", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		log.Warn("save model cache snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		log.Warn("save model cache snapshot", "error", err)
	}
}

func cloneModels(in []Model) []Model {
	out := make([]Model, len(in))
	copy(out, in)
	return out
}
