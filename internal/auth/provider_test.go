package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProviderFixture(t *testing.T) string {
	t.Helper()
	prefix := t.TempDir()

	providers := `[
		{
			"id": "main",
			"audience": "web-client",
			"issuers": ["accounts.example.com"],
			"secret": "shared",
			"auth_uri": "https://accounts.example.com/o/oauth2/auth"
		},
		{
			"id": "partner",
			"audience": "partner-client",
			"issuers": ["partner.example.com"]
		}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "providers.json"), []byte(providers), 0o644))

	certs := filepath.Join(prefix, "certs")
	require.NoError(t, os.MkdirAll(certs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(certs, "main"),
		[]byte(`{"kid-1":"-----BEGIN PUBLIC KEY-----\nstub\n-----END PUBLIC KEY-----"}`), 0o644))

	return prefix
}

func TestNewStoreLoadsProvidersAndKeys(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	main, ok := s.Get("main")
	require.True(t, ok)
	assert.Equal(t, "web-client", main.Audience)
	assert.True(t, main.HasIssuer("accounts.example.com"))
	assert.False(t, main.HasIssuer("evil.example.com"))

	key, ok := main.Key("kid-1")
	require.True(t, ok)
	assert.Contains(t, key, "PUBLIC KEY")

	// No key file for partner is fine; it just has no keys.
	partner, ok := s.Get("partner")
	require.True(t, ok)
	_, ok = partner.Key("kid-1")
	assert.False(t, ok)
}

func TestStoreFindByAudience(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	p, ok := s.FindByAudience("partner-client")
	require.True(t, ok)
	assert.Equal(t, "partner", p.ID)

	_, ok = s.FindByAudience("nobody")
	assert.False(t, ok)
}

func TestStoreDefaultIsFirst(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	p, ok := s.Default()
	require.True(t, ok)
	assert.Equal(t, "main", p.ID)
}

func TestReloadSkippedWhenLocked(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	lock := filepath.Join(prefix, "certs", "lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	assert.ErrorIs(t, s.Reload(), ErrReloadLocked)

	// Lock released: reload picks up new key material.
	require.NoError(t, os.Remove(lock))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "certs", "main"),
		[]byte(`{"kid-2":"rotated"}`), 0o644))

	require.NoError(t, s.Reload())

	main, _ := s.Get("main")
	_, ok := main.Key("kid-1")
	assert.False(t, ok)
	_, ok = main.Key("kid-2")
	assert.True(t, ok)
}

func TestReloadPublishesFreshProvider(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	before, ok := s.Get("main")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(prefix, "certs", "main"),
		[]byte(`{"kid-2":"rotated"}`), 0o644))
	require.NoError(t, s.Reload())

	after, ok := s.Get("main")
	require.True(t, ok)
	assert.NotSame(t, before, after)

	// The snapshot handed out before the rotation keeps its key set.
	_, ok = before.Key("kid-1")
	assert.True(t, ok)
	_, ok = after.Key("kid-2")
	assert.True(t, ok)
}

func TestReloadConcurrentWithLookups(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if p, ok := s.FindByAudience("web-client"); ok {
				p.Key("kid-1")
				p.HasIssuer("accounts.example.com")
				_ = p.Secret
			}
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Reload())
	}
	<-done
}

func TestReloadRemovesLock(t *testing.T) {
	prefix := writeProviderFixture(t)

	s, err := NewStore(prefix, "providers.json", 30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Reload())

	_, err = os.Stat(filepath.Join(prefix, "certs", "lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewStoreMissingFile(t *testing.T) {
	_, err := NewStore(t.TempDir(), "providers.json", 30*time.Minute)
	assert.Error(t, err)
}
