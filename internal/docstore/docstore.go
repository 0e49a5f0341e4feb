// Package docstore provides the content-addressed persistence backend the
// CRDT repository stores document snapshots in: a Backend interface with an
// in-memory implementation for tests and a file-backed one for real use.
package docstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/patchkit/projectd/internal/config"
)

// Backend is the storage contract the repository persists documents
// through. Keys are document id strings; values are serialized documents.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ErrNotFound is returned by Get for a key with no stored value.
var ErrNotFound = fmt.Errorf("docstore: key not found")

// New constructs the Backend selected by cfg.Backend.
func New(cfg config.StorageConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(logger), nil
	case "file":
		return NewFileBackend(cfg.BasePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// MemoryBackend is a mutex-guarded in-process store.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	logger *zap.Logger
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	return &MemoryBackend{
		data:   make(map[string][]byte),
		logger: logger,
	}
}

// Put stores data under key, replacing any previous value.
func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	m.logger.Debug("stored document", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Get retrieves the value stored under key.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Has reports whether key has a stored value.
func (m *MemoryBackend) Has(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// List returns every stored key with the given prefix.
func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close releases the store.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

// FileBackend stores one file per key under a base directory. Writes go
// through a temp-file-then-rename so a crash never leaves a torn document.
type FileBackend struct {
	base   string
	logger *zap.Logger
}

// NewFileBackend creates the base directory if needed and returns a store
// rooted there.
func NewFileBackend(base string, logger *zap.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileBackend{base: base, logger: logger}, nil
}

// escapeKey maps an arbitrary key onto a filesystem-safe file name.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteString("%" + hex.EncodeToString([]byte(string(r))))
		}
	}
	return b.String()
}

func unescapeKey(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); {
		if name[i] == '%' && i+2 < len(name) {
			if decoded, err := hex.DecodeString(name[i+1 : i+3]); err == nil {
				b.Write(decoded)
				i += 3
				continue
			}
		}
		b.WriteByte(name[i])
		i++
	}
	return b.String()
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.base, escapeKey(key))
}

// Put stores data under key atomically.
func (f *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(f.base, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	f.logger.Debug("stored document", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Get retrieves the value stored under key.
func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

// Has reports whether key has a stored value.
func (f *FileBackend) Has(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every stored key with the given prefix.
func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.base)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".put-") {
			continue
		}
		key := unescapeKey(e.Name())
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close releases the store.
func (f *FileBackend) Close() error {
	return nil
}
