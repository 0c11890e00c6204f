package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// DirStore mirrors objects into a local directory. Keys are confined to it.
type DirStore struct {
	mx   sync.Mutex
	root *os.Root
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) Login(_ context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("store already closed")
	}
	return nil
}

func (s *DirStore) Put(ctx context.Context, key, _ string, r io.Reader) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("store already closed")
	}

	name := filepath.FromSlash(key)
	if err := s.root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path.Dir(key), err)
	}
	f, err := s.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", key, err)
	}
	_, err = io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving %s: %w", key, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}
	slog.DebugContext(ctx, "object saved", "key", key)
	return nil
}

func (s *DirStore) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("store already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}
