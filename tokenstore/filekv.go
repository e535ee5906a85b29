package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-authgate/authsession/internal/securestore"
)

// FileKV keeps the namespace as one encrypted JSON object on disk.
//
// Writes go to a temp file that is renamed over the old one while holding the
// cross-process lock file, so readers see either the old or the new content.
// Plaintext content from older releases is read transparently and sealed on
// the next write.
type FileKV struct {
	path   string
	secret string
	params securestore.Params

	mu sync.Mutex
}

// FileOption configures a FileKV.
type FileOption func(*FileKV)

// WithKDFParams overrides the argon2id cost used when sealing.
func WithKDFParams(p securestore.Params) FileOption {
	return func(f *FileKV) { f.params = p }
}

// NewFileKV creates a FileKV at path sealed with secret.
func NewFileKV(path, secret string, opts ...FileOption) (*FileKV, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("token file path cannot be empty")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token store secret cannot be empty")
	}
	f := &FileKV{path: path, secret: secret, params: securestore.DefaultParams}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Path returns the backing file path.
func (f *FileKV) Path() string { return f.path }

func (f *FileKV) Load(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileKV) Apply(ctx context.Context, set map[string]string, del []string) error {
	_, err := f.apply(ctx, nil, set, del)
	return err
}

// ApplyIf checks key against the file content read under the lock file, so a
// value written by another process since our last Load is seen.
func (f *FileKV) ApplyIf(ctx context.Context, key, expected string, set map[string]string, del []string) (bool, error) {
	return f.apply(ctx, func(values map[string]string) bool {
		return values[key] == expected
	}, set, del)
}

func (f *FileKV) apply(ctx context.Context, guard func(map[string]string) bool, set map[string]string, del []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create token directory: %w", err)
	}
	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release() //nolint:errcheck

	// reload inside the lock so another process' write is not lost
	values, err := f.loadLocked()
	if err != nil {
		return false, err
	}
	if guard != nil && !guard(values) {
		return false, nil
	}
	for _, k := range del {
		delete(values, k)
	}
	maps.Copy(values, set)

	if err := f.writeLocked(values); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileKV) loadLocked() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if len(data) == 0 {
		return values, nil
	}

	decoded, err := securestore.Decrypt(f.secret, data)
	if err != nil {
		if !errors.Is(err, securestore.ErrLegacyData) {
			return nil, fmt.Errorf("failed to open token file: %w", err)
		}
		decoded = data
	}

	if err := json.Unmarshal(decoded, &values); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return values, nil
}

func (f *FileKV) writeLocked(values map[string]string) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}
	sealed, err := securestore.EncryptWith(f.params, f.secret, payload)
	if err != nil {
		return fmt.Errorf("failed to seal token file: %w", err)
	}
	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
