package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const legacyJSON = `{
  "tokens": {
    "cli-client": {
      "access_token": "legacy-access",
      "refresh_token": "legacy-refresh",
      "token_type": "Bearer",
      "expires_at": "2030-01-01T00:00:00Z",
      "client_id": "cli-client"
    }
  }
}`

func writeLegacy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".authgate-tokens.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}
	return path
}

func TestOpen_MigratesLegacyTokens(t *testing.T) {
	path := writeLegacy(t, legacyJSON)
	kv := NewMemoryKV()

	s, err := Open(context.Background(), kv, Options{
		Legacy: &LegacySource{Path: path, ClientID: "cli-client"},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	p := s.Read()
	if p.AccessValue() != "legacy-access" || p.RefreshValue() != "legacy-refresh" {
		t.Fatalf("migrated pair = %+v", p)
	}
	if p.Access.ExpiresAt.IsZero() {
		t.Error("access expiry lost during migration")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("legacy file should be removed")
	}
	values, _ := kv.Load(context.Background())
	if values[KeyMigrated] == "" {
		t.Error("migrated flag not persisted")
	}
}

func TestMigrate_RunsOnce(t *testing.T) {
	_, s := openMemory(t)
	ctx := context.Background()

	first := writeLegacy(t, legacyJSON)
	copied, err := s.Migrate(ctx, LegacySource{Path: first, ClientID: "cli-client"})
	if err != nil || !copied {
		t.Fatalf("first Migrate() = %v, %v", copied, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	// a legacy file showing up again must not resurrect the session
	second := writeLegacy(t, legacyJSON)
	copied, err = s.Migrate(ctx, LegacySource{Path: second, ClientID: "cli-client"})
	if err != nil || copied {
		t.Fatalf("second Migrate() = %v, %v; want false, nil", copied, err)
	}
	if _, err := s.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.Read().Empty() {
		t.Error("second migration copied tokens")
	}
}

func TestMigrate_KeepsExistingTokens(t *testing.T) {
	kv := NewMemoryKV()
	set, del := encodePair(pairOf("current-a", "current-r"))
	if err := kv.Apply(context.Background(), set, del); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	path := writeLegacy(t, legacyJSON)

	s, err := Open(context.Background(), kv, Options{
		Legacy: &LegacySource{Path: path, ClientID: "cli-client"},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Read().AccessValue() != "current-a" {
		t.Errorf("existing tokens overwritten: %+v", s.Read())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("legacy file should be removed")
	}
}

func TestMigrate_NothingToCopy(t *testing.T) {
	tests := []struct {
		name string
		src  func(t *testing.T) LegacySource
	}{
		{"no file", func(t *testing.T) LegacySource {
			return LegacySource{Path: filepath.Join(t.TempDir(), "missing.json")}
		}},
		{"other client", func(t *testing.T) LegacySource {
			return LegacySource{Path: writeLegacy(t, legacyJSON), ClientID: "someone-else"}
		}},
		{"empty map", func(t *testing.T) LegacySource {
			return LegacySource{Path: writeLegacy(t, `{"tokens":{}}`)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, s := openMemory(t)
			copied, err := s.Migrate(context.Background(), tt.src(t))
			if err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			if copied {
				t.Error("Migrate() reported a copy")
			}
			if !s.Read().Empty() {
				t.Error("store should stay empty")
			}
			values, _ := kv.Load(context.Background())
			if values[KeyMigrated] == "" {
				t.Error("migration should be marked done")
			}
		})
	}
}

func TestMigrate_SingleRecordWithoutClientID(t *testing.T) {
	_, s := openMemory(t)
	copied, err := s.Migrate(context.Background(), LegacySource{Path: writeLegacy(t, legacyJSON)})
	if err != nil || !copied {
		t.Fatalf("Migrate() = %v, %v", copied, err)
	}
	if s.Read().RefreshValue() != "legacy-refresh" {
		t.Errorf("pair = %+v", s.Read())
	}
}

func TestMigrate_CorruptFile(t *testing.T) {
	_, s := openMemory(t)
	path := writeLegacy(t, "{not json")
	if _, err := s.Migrate(context.Background(), LegacySource{Path: path}); err == nil {
		t.Fatal("expected a parse error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("corrupt legacy file should be left for inspection")
	}
}
