package scan

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/store"
)

// DefaultStabilization is the pause between a rotation and the capture.
const DefaultStabilization = 50 * time.Millisecond

// Persister records a completed scan, see store.Store.
type Persister interface {
	CreateScan(ctx context.Context, scan *store.Scan) error
}

// Session carries everything a single scan needs. It is created per scan and
// never shared between coordinators.
type Session struct {
	ID       string
	Settings model.ScanSettings
	// Root is the scans root, Settings.OutputPath must be below it.
	Root string
	// Persister may be nil, then nothing is persisted.
	Persister      Persister
	PersistPartial bool
	Stabilization  time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type SessionOption func(*Session)

func WithPersister(p Persister) SessionOption {
	return func(s *Session) { s.Persister = p }
}

func WithPersistPartial(enabled bool) SessionOption {
	return func(s *Session) { s.PersistPartial = enabled }
}

func WithStabilization(d time.Duration) SessionOption {
	return func(s *Session) { s.Stabilization = d }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.Now = now }
}

// NewSession validates settings and returns a session with a fresh id. An
// empty OutputPath is derived from root and the metadata, see model.ScanDir.
func NewSession(root string, settings model.ScanSettings, opts ...SessionOption) (*Session, error) {
	if root == "" {
		return nil, fmt.Errorf("scans root: %w", model.ErrInvalidValue)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scans root: %w", err)
	}
	s := &Session{
		ID:            uuid.NewString(),
		Root:          root,
		Stabilization: DefaultStabilization,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if settings.OutputPath == "" {
		dir, err := model.ScanDir(s.Root, settings.Metadata, s.ID, s.Now())
		if err != nil {
			return nil, err
		}
		settings.OutputPath = dir
	}
	settings, err = settings.Normalize()
	if err != nil {
		return nil, fmt.Errorf("scan settings: %w", err)
	}
	if _, err := model.RelativeTo(s.Root, settings.OutputPath); err != nil {
		return nil, fmt.Errorf("output path: %w", err)
	}
	if !filepath.IsAbs(settings.OutputPath) {
		settings.OutputPath = filepath.Join(s.Root, settings.OutputPath)
	}
	s.Settings = settings
	return s, nil
}
