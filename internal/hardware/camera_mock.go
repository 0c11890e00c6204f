package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/facette/natsort"

	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/parallel"
	"github.com/bloom-desktop/bloom/internal/walk"
)

const (
	patternWidth  = 640
	patternHeight = 480
)

// MockCamera serves fixture images from a directory or synthetic test
// patterns. Frames are cycled in order, one per Capture.
type MockCamera struct {
	fixturesDir string

	mx        sync.Mutex
	connected bool
	settings  model.CameraSettings
	images    []image.Image
	next      int
}

func NewMockCamera(fixturesDir string) *MockCamera {
	return &MockCamera{fixturesDir: fixturesDir}
}

func (c *MockCamera) Status(_ context.Context) (CameraStatus, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return CameraStatus{Connected: c.connected, Mock: true, Available: true}, nil
}

func (c *MockCamera) Connect(ctx context.Context, settings model.CameraSettings) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.connected {
		return nil
	}
	if c.images == nil {
		c.images = c.load(ctx, max(settings.NumFrames, 1))
	}
	c.settings = settings
	c.connected = true
	c.next = 0
	slog.DebugContext(ctx, "mock camera connected", "frames", len(c.images))
	return nil
}

func (c *MockCamera) load(ctx context.Context, count int) []image.Image {
	if c.fixturesDir != "" {
		images, err := LoadFixtures(ctx, c.fixturesDir)
		if err == nil && len(images) > 0 {
			return images
		}
		slog.WarnContext(ctx, "no usable fixtures: generating synthetic test patterns", "dir", c.fixturesDir, "error", err)
	}
	return TestPatterns(count)
}

func (c *MockCamera) Capture(ctx context.Context) (Frame, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return Frame{}, opError("camera capture", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, opError("camera capture", err)
	}
	img := c.images[c.next%len(c.images)]
	c.next++
	if c.settings.Width != nil && c.settings.Height != nil {
		img = imaging.Resize(img, *c.settings.Width, *c.settings.Height, imaging.Linear)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Frame{}, opError("camera capture", fmt.Errorf("%w: %w", ErrDevice, err))
	}
	b := img.Bounds()
	return Frame{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

func (c *MockCamera) Configure(_ context.Context, settings model.CameraSettings) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return opError("camera configure", ErrNotConnected)
	}
	c.settings = settings
	return nil
}

func (c *MockCamera) Disconnect(_ context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.connected = false
	return nil
}

// TestPatterns returns count 640x480 vertical gradients, each with a centered
// block whose brightness encodes the frame index.
func TestPatterns(count int) []image.Image {
	gradient := image.NewGray(image.Rect(0, 0, patternWidth, patternHeight))
	for y := range patternHeight {
		v := uint8(255 * y / patternHeight)
		row := gradient.Pix[y*gradient.Stride : y*gradient.Stride+patternWidth]
		for x := range row {
			row[x] = v
		}
	}

	patterns := make([]image.Image, count)
	for i := range count {
		brightness := uint8(255 * i / count)
		block := imaging.New(100, 80, color.Gray{Y: brightness})
		patterns[i] = imaging.Paste(gradient, block, image.Pt(270, 200))
	}
	return patterns
}

// LoadFixtures decodes every PNG below dir, ordered naturally by path
// (2.png before 10.png).
func LoadFixtures(ctx context.Context, dir string) ([]image.Image, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = root.Close()
	}()
	return LoadFixturesFS(ctx, root.FS(), root.Name())
}

// LoadFixturesFS is LoadFixtures for any file system, name prefixes the paths
// used for ordering and errors.
func LoadFixturesFS(ctx context.Context, fsys fs.FS, name string) ([]image.Image, error) {
	var entries []walk.Entry
	var errs []error
	for entry, err := range walk.Match(walk.FS(ctx, fsys, name), "*.png") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, errors.Join(append(errs, fmt.Errorf("no png files in %s", name))...)
	}
	slices.SortFunc(entries, func(a, b walk.Entry) int {
		switch {
		case a.Path() == b.Path():
			return 0
		case natsort.Compare(a.Path(), b.Path()):
			return -1
		default:
			return 1
		}
	})

	decode := func(_ context.Context, e walk.Entry) (image.Image, error) {
		f, err := e.Open()
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close()
		}()
		img, err := imaging.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Path(), err)
		}
		return img, nil
	}
	return parallel.Ordered(ctx, runtime.GOMAXPROCS(0), entries, decode)
}
