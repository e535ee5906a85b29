package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-authgate/authsession/token"
)

// LegacySource points at the plaintext token file written by earlier
// releases: a JSON map of token records keyed by client id.
type LegacySource struct {
	Path     string
	ClientID string
}

type legacyTokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
}

type legacyTokenMap struct {
	Tokens map[string]*legacyTokenRecord `json:"tokens"`
}

// Migrate copies tokens from the legacy file into the store once.
//
// The persisted KeyMigrated flag makes every later call a no-op. Tokens are
// only copied if the store does not hold any yet; the legacy file is removed
// afterwards. It reports whether tokens were copied.
func (s *Store) Migrate(ctx context.Context, src LegacySource) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.kv.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("migration: load store: %w", err)
	}
	if values[KeyMigrated] != "" {
		return false, nil
	}

	done := map[string]string{KeyMigrated: strconv.FormatInt(time.Now().Unix(), 10)}

	rec, existed, err := readLegacyRecord(src)
	if err != nil {
		return false, err
	}
	if rec == nil || !decodePair(values).Empty() {
		if err := s.kv.Apply(ctx, done, nil); err != nil {
			return false, fmt.Errorf("migration: mark done: %w", err)
		}
		s.removeLegacy(src.Path, existed)
		return false, nil
	}

	p := token.Pair{}
	if rec.AccessToken != "" {
		p.Access = &token.Token{Value: rec.AccessToken, ExpiresAt: rec.ExpiresAt}
	}
	if rec.RefreshToken != "" {
		p.Refresh = &token.Token{Value: rec.RefreshToken}
	}
	set, del := encodePair(p)
	set[KeyMigrated] = done[KeyMigrated]
	if err := s.kv.Apply(ctx, set, del); err != nil {
		return false, fmt.Errorf("migration: write tokens: %w", err)
	}
	s.state.publish(p)

	s.log.Info("legacy tokens migrated", "source", src.Path)
	s.removeLegacy(src.Path, true)
	return true, nil
}

func (s *Store) removeLegacy(path string, existed bool) {
	if !existed || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("legacy token file not removed", "source", path, "error", err)
	}
}

// readLegacyRecord returns a nil record when there is nothing to migrate;
// existed reports whether the legacy file was found at all.
func readLegacyRecord(src LegacySource) (rec *legacyTokenRecord, existed bool, err error) {
	if src.Path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("migration: read legacy file: %w", err)
	}

	var m legacyTokenMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, true, fmt.Errorf("migration: parse legacy file: %w", err)
	}

	rec, ok := m.Tokens[src.ClientID]
	if !ok && src.ClientID == "" && len(m.Tokens) == 1 {
		for _, only := range m.Tokens {
			rec = only
		}
	}
	if rec == nil || (rec.AccessToken == "" && rec.RefreshToken == "") {
		return nil, true, nil
	}
	return rec, true, nil
}
