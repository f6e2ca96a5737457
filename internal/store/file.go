// File: internal/store/file.go
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// File is a KV persisted as a single JSON object on disk. Every write rewrites the file
// atomically through a temporary sibling.
type File struct {
	*Memory
	path string
	log  *zap.Logger

	writeMu sync.Mutex
}

// NewFile opens (or creates on first write) the store at path. A leading ~ is expanded.
func NewFile(path string, logger *zap.Logger) (*File, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path %q: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{Memory: NewMemory(), path: expanded, log: logger.Named("store.file")}
	f.Memory.hub.log = f.log
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the expanded file location.
func (f *File) Path() string { return f.path }

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var entries map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("settings file %s is corrupt: %w", f.path, err)
	}
	for k, v := range entries {
		f.Memory.data[k] = clone(v)
	}
	f.log.Debug("Settings loaded.", zap.String("path", f.path), zap.Int("keys", len(entries)))
	return nil
}

func (f *File) Set(ctx context.Context, values map[string][]byte) error {
	changes, err := f.Memory.set(ctx, values)
	if err != nil || len(changes) == 0 {
		return err
	}
	return f.flush()
}

func (f *File) Remove(ctx context.Context, keys ...string) error {
	changes, err := f.Memory.remove(ctx, keys...)
	if err != nil || len(changes) == 0 {
		return err
	}
	return f.flush()
}

func (f *File) flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	data, err := json.MarshalIndent(f.Memory.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to set settings file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
