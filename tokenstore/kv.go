package tokenstore

import (
	"context"
	"maps"
	"sync"
)

// Keys of the durable token namespace.
const (
	KeyAccessToken      = "access_token"
	KeyAccessIssuedAt   = "access_issued_at"
	KeyAccessExpiresAt  = "access_expires_at"
	KeyAccessScope      = "access_scope"
	KeyRefreshToken     = "refresh_token"
	KeyRefreshExpiresAt = "refresh_expires_at"
	KeySchemaVersion    = "schema_version"
	KeyMigrated         = "migrated"
	KeyPendingDeepLink  = "pending_deep_link"
)

// SchemaVersion is written next to the tokens on every write.
const SchemaVersion = 2

// KV is a small durable key/value namespace.
//
// Apply must be atomic: a concurrent Load observes either none or all of the
// changes of one Apply call.
//
// ApplyIf is Apply guarded by values[key] == expected, where a missing key
// reads as "". The check and the write happen as one step, also against other
// processes sharing the namespace. It reports whether the write happened.
type KV interface {
	Load(ctx context.Context) (map[string]string, error)
	Apply(ctx context.Context, set map[string]string, del []string) error
	ApplyIf(ctx context.Context, key, expected string, set map[string]string, del []string) (bool, error)
}

// MemoryKV is a process-local KV, used for tests and the "memory" backend.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string

	// FailApply, when set, is returned by Apply without changing anything.
	FailApply error
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Load(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values), nil
}

func (m *MemoryKV) Apply(ctx context.Context, set map[string]string, del []string) error {
	_, err := m.apply(ctx, nil, set, del)
	return err
}

func (m *MemoryKV) ApplyIf(ctx context.Context, key, expected string, set map[string]string, del []string) (bool, error) {
	return m.apply(ctx, func(values map[string]string) bool {
		return values[key] == expected
	}, set, del)
}

func (m *MemoryKV) apply(ctx context.Context, guard func(map[string]string) bool, set map[string]string, del []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply != nil {
		return false, m.FailApply
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if guard != nil && !guard(m.values) {
		return false, nil
	}
	for _, k := range del {
		delete(m.values, k)
	}
	maps.Copy(m.values, set)
	return true, nil
}

// Set writes one key directly, standing in for another writer in tests.
func (m *MemoryKV) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
}
