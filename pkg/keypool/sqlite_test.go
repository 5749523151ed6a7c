package keypool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cred := Credential{
		Value:     "ciphertext-1",
		Profile:   "firefox_windows",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.Insert(ctx, cred))

	got, err := s.ListValid(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cred.Value, got[0].Value)
	assert.Equal(t, cred.Profile, got[0].Profile)
	assert.True(t, got[0].ExpiresAt.Equal(cred.ExpiresAt))
}

func TestSQLiteStoreFiltersAndPurgesExpired(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, Credential{Value: "live", Profile: "chrome_mac", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Insert(ctx, Credential{Value: "dead", Profile: "chrome_mac", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))

	got, err := s.ListValid(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].Value)

	var remaining int
	require.NoError(t, s.reader.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&remaining))
	assert.Equal(t, 1, remaining, "expired row should be physically purged")
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	s, path := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, Credential{Value: "durable", Profile: "edge_windows", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ListValid(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "durable", got[0].Value)
}

func TestSQLiteStoreInsertReplacesSameValue(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cred := Credential{Value: "same", Profile: "chrome_windows", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Insert(ctx, cred))
	cred.Profile = "safari_mac"
	require.NoError(t, s.Insert(ctx, cred))

	got, err := s.ListValid(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "safari_mac", got[0].Profile)
}
