package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider is one configured JWT issuer group: the audience its tokens carry,
// the issuers it may use, and the key material to verify them. HS tokens are
// verified with Secret, asymmetric tokens with the public key selected by
// the token's kid header.
type Provider struct {
	ID       string   `json:"id"`
	Audience string   `json:"audience"`
	Issuers  []string `json:"issuers"`
	Secret   string   `json:"secret,omitempty"`
	AuthURI  string   `json:"auth_uri,omitempty"`
	TokenURI string   `json:"token_uri,omitempty"`

	keys map[string]string // kid -> PEM, replaced atomically on reload
}

// Key returns the PEM-encoded public key for the given key id.
func (p *Provider) Key(kid string) (string, bool) {
	k, ok := p.keys[kid]
	return k, ok
}

// HasIssuer reports whether iss is in the provider's allowed issuer list.
func (p *Provider) HasIssuer(iss string) bool {
	for _, v := range p.Issuers {
		if v == iss {
			return true
		}
	}
	return false
}

// ErrReloadLocked is returned when another process holds the certs lock.
var ErrReloadLocked = errors.New("provider reload locked")

// Store holds all configured providers. Providers are read-mostly: lookups
// take a read lock and return an immutable snapshot, reloads publish fresh
// *Provider values under the write lock. A snapshot handed out before a
// reload stays valid; callers may read its keys without holding any lock.
type Store struct {
	mu        sync.RWMutex
	prefix    string
	providers map[string]*Provider
	order     []string
	interval  time.Duration
}

// NewStore reads the provider declarations from file (a JSON array of
// Provider objects) and performs the initial key load. prefix is the
// configuration root; keys are read from <prefix>/certs/<providerId>.
func NewStore(prefix, file string, interval time.Duration) (*Store, error) {
	if !filepath.IsAbs(file) {
		file = filepath.Join(prefix, file)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var list []*Provider
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	s := &Store{
		prefix:    prefix,
		providers: make(map[string]*Provider, len(list)),
		interval:  interval,
	}
	for _, p := range list {
		if p.ID == "" {
			return nil, fmt.Errorf("provider without id in %s", file)
		}
		p.keys = map[string]string{}
		s.providers[p.ID] = p
		s.order = append(s.order, p.ID)
	}

	if err := s.Reload(); err != nil && !errors.Is(err, ErrReloadLocked) {
		return nil, err
	}
	return s, nil
}

// Get returns the provider with the given id.
func (s *Store) Get(id string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// FindByAudience returns the provider whose configured audience matches aud.
func (s *Store) FindByAudience(aud string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if p := s.providers[id]; p.Audience == aud {
			return p, true
		}
	}
	return nil, false
}

// Default returns the first configured provider.
func (s *Store) Default() (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil, false
	}
	return s.providers[s.order[0]], true
}

// Reload re-reads every provider's key file from <prefix>/certs/. The reload
// is gated on an exclusive lock file so that only one process refreshes keys
// at a time; when the lock is held elsewhere ErrReloadLocked is returned and
// the caller retries later. Published providers are never mutated: a rotated
// key set goes out as a fresh *Provider, so verifications holding the old
// snapshot keep reading the old keys.
func (s *Store) Reload() error {
	certs := filepath.Join(s.prefix, "certs")
	lockFile := filepath.Join(certs, "lock")

	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrReloadLocked
		}
		return fmt.Errorf("create reload lock: %w", err)
	}
	defer func() {
		lock.Close()
		if err := os.Remove(lockFile); err != nil {
			log.Error().Err(err).Str("file", lockFile).Msg("could not delete reload lock")
		}
	}()

	s.mu.RLock()
	current := make(map[string]*Provider, len(s.order))
	for _, id := range s.order {
		current[id] = s.providers[id]
	}
	s.mu.RUnlock()

	rotated := make(map[string]*Provider)
	for _, id := range s.order {
		p := current[id]

		raw, err := os.ReadFile(filepath.Join(certs, p.ID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read keys for provider %s: %w", p.ID, err)
		}

		keys := map[string]string{}
		if err := json.Unmarshal(raw, &keys); err != nil {
			log.Error().Err(err).Str("provider", p.ID).Msg("invalid key file, keeping previous keys")
			continue
		}

		next := *p
		next.keys = keys
		rotated[id] = &next
	}

	s.mu.Lock()
	for id, p := range rotated {
		s.providers[id] = p
	}
	s.mu.Unlock()

	return nil
}

// Run reloads provider keys on the configured heartbeat until ctx is done.
// A contended reload is retried after one second instead of waiting for the
// next heartbeat.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			err := s.Reload()
			if err == nil {
				log.Debug().Msg("provider keys reloaded")
				break
			}
			if !errors.Is(err, ErrReloadLocked) {
				log.Error().Err(err).Msg("provider key reload failed")
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
