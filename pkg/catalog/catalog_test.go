package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lkarlslund/azurebridge/pkg/keypool"
	"github.com/lkarlslund/azurebridge/pkg/upstream"
)

type staticCreds struct{}

func (staticCreds) GetRandomCredential(_ context.Context) (keypool.Credential, string, error) {
	return keypool.Credential{Value: "cred-1", Profile: "chrome_windows"}, "agent/1.0", nil
}

type failingCreds struct{ err error }

func (f failingCreds) GetRandomCredential(_ context.Context) (keypool.Credential, string, error) {
	return keypool.Credential{}, "", f.err
}

func modelsBackend(t *testing.T, calls *atomic.Int64, records []map[string]any) *upstream.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Azure/models" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": records})
	}))
	t.Cleanup(ts.Close)
	return upstream.New(ts.URL, 5*time.Second)
}

func TestGetOrRefreshServesCachedWithinTTL(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, []map[string]any{
		{"id": "gpt-4o", "vision": true},
		{"id": "flux.1-kontext-pro", "image": true},
	})
	c := New(backend, staticCreds{}, time.Hour, "")

	first, err := c.GetOrRefresh(context.Background())
	if err != nil {
		t.Fatalf("first GetOrRefresh: %v", err)
	}
	second, err := c.GetOrRefresh(context.Background())
	if err != nil {
		t.Fatalf("second GetOrRefresh: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls.Load())
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 models, got %d then %d", len(first), len(second))
	}
	if first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("cached entry changed between calls: %+v vs %+v", first, second)
	}
}

func TestGetOrRefreshNormalizesMissingFlags(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, []map[string]any{{"id": "plain-model"}})
	c := New(backend, staticCreds{}, time.Hour, "")

	models, err := c.GetOrRefresh(context.Background())
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %+v", models)
	}
	m := models[0]
	if m.ID != "plain-model" || m.Image || m.Vision || m.Audio {
		t.Fatalf("missing flags should default to false: %+v", m)
	}
	if m.Created == 0 {
		t.Fatalf("created should be stamped at refresh time: %+v", m)
	}
}

func TestGetOrRefreshRefetchesAfterExpiry(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, []map[string]any{{"id": "gpt-4o"}})
	c := New(backend, staticCreds{}, time.Hour, "")

	if _, err := c.GetOrRefresh(context.Background()); err != nil {
		t.Fatalf("first GetOrRefresh: %v", err)
	}

	oldNow := nowUTC
	nowUTC = func() time.Time { return oldNow().Add(2 * time.Hour) }
	defer func() { nowUTC = oldNow }()

	if _, err := c.GetOrRefresh(context.Background()); err != nil {
		t.Fatalf("second GetOrRefresh: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a second backend call after expiry, got %d", calls.Load())
	}
}

func TestGetOrRefreshSurfacesCredentialError(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, nil)
	wantErr := errors.New("no credentials")
	c := New(backend, failingCreds{err: wantErr}, time.Hour, "")

	_, err := c.GetOrRefresh(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("backend should not be called without a credential, got %d calls", calls.Load())
	}
}

func TestSnapshotServesAcrossRestart(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, []map[string]any{{"id": "gpt-4o", "audio": true}})
	path := filepath.Join(t.TempDir(), "models.json")

	c := New(backend, staticCreds{}, time.Hour, path)
	if _, err := c.GetOrRefresh(context.Background()); err != nil {
		t.Fatalf("warm GetOrRefresh: %v", err)
	}

	restarted := New(backend, staticCreds{}, time.Hour, path)
	models, err := restarted.GetOrRefresh(context.Background())
	if err != nil {
		t.Fatalf("restarted GetOrRefresh: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("snapshot should serve without a backend call, got %d calls", calls.Load())
	}
	if len(models) != 1 || models[0].ID != "gpt-4o" || !models[0].Audio {
		t.Fatalf("snapshot content lost: %+v", models)
	}
}

func TestFindReturnsModelNotFound(t *testing.T) {
	var calls atomic.Int64
	backend := modelsBackend(t, &calls, []map[string]any{{"id": "gpt-4o"}})
	c := New(backend, staticCreds{}, time.Hour, "")

	if _, err := c.Find(context.Background(), "gpt-4o"); err != nil {
		t.Fatalf("Find known model: %v", err)
	}

	_, err := c.Find(context.Background(), "no-such-model")
	var notFound *ModelNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
	if notFound.ID != "no-such-model" {
		t.Fatalf("error does not name the model: %v", err)
	}
}
