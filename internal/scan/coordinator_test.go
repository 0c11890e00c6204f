package scan_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bloom-desktop/bloom/internal/hardware"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/scan"
	"github.com/bloom-desktop/bloom/internal/store"
)

func settings(frames int, meta *model.ScanMetadata) model.ScanSettings {
	camera := model.DefaultCameraSettings()
	camera.SecondsPerRot = 36.0
	return model.ScanSettings{
		Camera:    camera,
		Turntable: model.DefaultTurntableSettings(),
		NumFrames: frames,
		Metadata:  meta,
	}
}

func metadata() *model.ScanMetadata {
	return &model.ScanMetadata{
		ExperimentID:    "exp-1",
		OperatorID:      "alice",
		SpecimenID:      "plant-7",
		WaveNumber:      1,
		SpecimenAgeDays: 10,
	}
}

type persisterFunc func(ctx context.Context, s *store.Scan) error

func (f persisterFunc) CreateScan(ctx context.Context, s *store.Scan) error {
	return f(ctx, s)
}

// failingTurntable fails the rotation with the given 1 based index.
type failingTurntable struct {
	hardware.Turntable
	failAt  int
	rotates int
}

func (t *failingTurntable) Rotate(ctx context.Context, degrees float64) (float64, error) {
	t.rotates++
	if t.rotates == t.failAt {
		return t.Position(), &hardware.Error{Op: "turntable rotate", Err: fmt.Errorf("%w: motor stalled", hardware.ErrDevice)}
	}
	return t.Turntable.Rotate(ctx, degrees)
}

type failingCamera struct {
	hardware.Camera
}

func (failingCamera) Connect(context.Context, model.CameraSettings) error {
	return &hardware.Error{Op: "camera connect", Err: fmt.Errorf("%w: no camera at 10.0.0.23", hardware.ErrDevice)}
}

// slowCamera takes its time for every capture and gives up when ctx is done.
// onCapture runs at the start of each capture with its 1 based index.
type slowCamera struct {
	hardware.Camera
	delay     time.Duration
	onCapture func(n int)
	captures  int
}

func (c *slowCamera) Capture(ctx context.Context) (hardware.Frame, error) {
	c.captures++
	if c.onCapture != nil {
		c.onCapture(c.captures)
	}
	select {
	case <-ctx.Done():
		return hardware.Frame{}, ctx.Err()
	case <-time.After(c.delay):
	}
	return c.Camera.Capture(ctx)
}

type recorder struct {
	mx       sync.Mutex
	progress []scan.ProgressEvent
	results  []scan.Result
	errs     []error
}

func record(c *scan.Coordinator) *recorder {
	r := &recorder{}
	c.OnProgress(func(e scan.ProgressEvent) {
		r.mx.Lock()
		defer r.mx.Unlock()
		r.progress = append(r.progress, e)
	})
	c.OnComplete(func(res scan.Result) {
		r.mx.Lock()
		defer r.mx.Unlock()
		r.results = append(r.results, res)
	})
	c.OnError(func(err error) {
		r.mx.Lock()
		defer r.mx.Unlock()
		r.errs = append(r.errs, err)
	})
	return r
}

func newCoordinator(t *testing.T, s model.ScanSettings, table hardware.Turntable, opts ...scan.SessionOption) (*scan.Coordinator, *scan.Session) {
	t.Helper()
	opts = append([]scan.SessionOption{scan.WithStabilization(0)}, opts...)
	session, err := scan.NewSession(t.TempDir(), s, opts...)
	require.NoError(t, err)
	if table == nil {
		table = hardware.NewMockTurntable(false)
	}
	return scan.New(session, hardware.NewMockCamera(""), table), session
}

func TestScan(t *testing.T) {
	t.Parallel()
	var persisted *store.Scan
	persister := persisterFunc(func(_ context.Context, s *store.Scan) error {
		persisted = s
		return nil
	})
	table := hardware.NewMockTurntable(false)
	c, session := newCoordinator(t, settings(72, metadata()), table, scan.WithPersister(persister))
	rec := record(c)

	res, err := c.Initialize(t.Context())
	require.NoError(t, err)
	require.Equal(t, scan.InitResult{Success: true, Initialized: true}, res)
	require.Equal(t, scan.StateInitialized, c.State())
	before := table.Position()

	result := c.Scan(t.Context())
	require.True(t, result.Success, result.Error)
	require.Equal(t, 72, result.FramesCaptured)
	require.Empty(t, result.Error)
	require.Equal(t, session.ID, result.ScanID)
	require.Equal(t, scan.StateCleaned, c.State())

	rel, err := model.RelativeTo(session.Root, result.OutputPath)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("exp-1", "plant-7"), filepath.Dir(filepath.Dir(rel)))

	require.Len(t, rec.progress, 72)
	for i, e := range rec.progress {
		require.Equal(t, i, e.FrameNumber)
		require.Equal(t, 72, e.TotalFrames)
		require.Equal(t, filepath.Join(result.OutputPath, fmt.Sprintf("%03d.png", i+1)), e.ImagePath)
		require.InDelta(t, hardware.Normalize(float64(i+1)*5), e.Position, 1e-6)
		_, err := os.Stat(e.ImagePath)
		require.NoError(t, err)
	}
	require.InDelta(t, before, table.Position(), 0.1)
	require.Equal(t, []scan.Result{result}, rec.results)
	require.Empty(t, rec.errs)

	require.NotNil(t, persisted)
	require.Equal(t, 72, persisted.NumFrames)
	require.Len(t, persisted.Images, 72)
	require.False(t, persisted.Partial)
	require.Equal(t, "plant-7", persisted.SpecimenID)

	st := c.Status(t.Context())
	require.Equal(t, "disconnected", st.CameraStatus)
	require.Equal(t, "not_initialized", st.DAQStatus)
	require.True(t, st.Mock)
	require.False(t, st.Initialized)
}

func TestScan_NotInitialized(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, settings(4, nil), nil)
	rec := record(c)

	result := c.Scan(t.Context())
	require.False(t, result.Success)
	require.Equal(t, "scanner not initialized", result.Error)
	require.Zero(t, result.FramesCaptured)
	require.Empty(t, rec.progress)
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], scan.ErrNotInitialized)
}

func TestScan_CaptureBeforeConnect(t *testing.T) {
	t.Parallel()
	camera := hardware.NewMockCamera("")
	_, err := camera.Capture(t.Context())
	require.ErrorIs(t, err, hardware.ErrNotConnected)
}

func TestScan_RotateFailure(t *testing.T) {
	t.Parallel()
	called := false
	persister := persisterFunc(func(context.Context, *store.Scan) error {
		called = true
		return nil
	})
	table := &failingTurntable{Turntable: hardware.NewMockTurntable(false), failAt: 3}
	c, _ := newCoordinator(t, settings(8, metadata()), table, scan.WithPersister(persister))
	rec := record(c)

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())

	require.False(t, result.Success)
	require.Equal(t, 2, result.FramesCaptured)
	require.Contains(t, result.Error, "scan failed: turntable rotate: device error: motor stalled")
	require.Empty(t, result.ScanID)
	require.False(t, called)
	require.Equal(t, scan.StateFailed, c.State())
	require.Equal(t, 3, table.rotates)
	require.Len(t, rec.progress, 2)

	// frames already captured stay on disk
	for _, e := range rec.progress {
		_, err := os.Stat(e.ImagePath)
		require.NoError(t, err)
	}
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], hardware.ErrDevice)
	require.Equal(t, 0.0, table.Position())

	st, err := table.Status(t.Context())
	require.NoError(t, err)
	require.False(t, st.Initialized)
}

func TestScan_PersistPartial(t *testing.T) {
	t.Parallel()
	var persisted *store.Scan
	persister := persisterFunc(func(_ context.Context, s *store.Scan) error {
		persisted = s
		return nil
	})
	table := &failingTurntable{Turntable: hardware.NewMockTurntable(false), failAt: 4}
	c, _ := newCoordinator(t, settings(8, metadata()), table,
		scan.WithPersister(persister),
		scan.WithPersistPartial(true),
	)

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.False(t, result.Success)
	require.Equal(t, 3, result.FramesCaptured)
	require.Empty(t, result.ScanID)

	require.NotNil(t, persisted)
	require.True(t, persisted.Partial)
	require.Equal(t, 3, persisted.NumFrames)
	require.Len(t, persisted.Images, 3)
}

func TestScan_PersistenceFailure(t *testing.T) {
	t.Parallel()
	persister := persisterFunc(func(_ context.Context, s *store.Scan) error {
		return &store.PersistenceError{ScanID: s.ID, Err: errors.New("database is locked")}
	})
	c, _ := newCoordinator(t, settings(3, metadata()), nil, scan.WithPersister(persister))
	rec := record(c)

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.True(t, result.Success)
	require.Equal(t, 3, result.FramesCaptured)
	require.Empty(t, result.ScanID)
	require.Empty(t, result.Error)
	require.Empty(t, rec.errs)
}

func TestScan_Store(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "bloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	c, _ := newCoordinator(t, settings(4, metadata()), nil, scan.WithPersister(st))
	_, err = c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.True(t, result.Success)
	require.NotEmpty(t, result.ScanID)

	row, err := st.GetScan(t.Context(), result.ScanID)
	require.NoError(t, err)
	require.Equal(t, 4, row.NumFrames)
	require.Len(t, row.Images, 4)
	for i, img := range row.Images {
		require.Equal(t, i+1, img.FrameNumber)
		require.Equal(t, store.StatusCompleted, img.Status)
	}
}

func TestScan_WithoutMetadata(t *testing.T) {
	t.Parallel()
	called := false
	persister := persisterFunc(func(context.Context, *store.Scan) error {
		called = true
		return nil
	})
	c, session := newCoordinator(t, settings(2, nil), nil, scan.WithPersister(persister))
	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.True(t, result.Success)
	require.Empty(t, result.ScanID)
	require.False(t, called)

	rel, err := model.RelativeTo(session.Root, result.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "unassigned", filepath.Dir(rel))
}

func TestScan_Cancel(t *testing.T) {
	t.Parallel()
	table := hardware.NewMockTurntable(false)
	c, _ := newCoordinator(t, settings(10, nil), table)
	rec := record(c)
	c.OnProgress(func(e scan.ProgressEvent) {
		if e.FrameNumber == 1 {
			c.Cancel()
		}
	})

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.False(t, result.Success)
	require.Equal(t, "scan cancelled", result.Error)
	require.Equal(t, 2, result.FramesCaptured)
	require.Len(t, rec.progress, 2)
	require.ErrorIs(t, rec.errs[0], scan.ErrCancelled)
	require.Equal(t, 0.0, table.Position())

	// a new initialization clears the cancellation
	_, err = c.Initialize(t.Context())
	require.NoError(t, err)
	result = c.Scan(t.Context())
	require.True(t, result.Success)
}

func TestScan_ContextCancelledDuringCapture(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	var persisted *store.Scan
	var persistErr error
	persister := persisterFunc(func(ctx context.Context, s *store.Scan) error {
		persisted = s
		persistErr = ctx.Err()
		return nil
	})
	camera := &slowCamera{
		Camera: hardware.NewMockCamera(""),
		delay:  50 * time.Millisecond,
		onCapture: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	session, err := scan.NewSession(t.TempDir(), settings(6, metadata()),
		scan.WithStabilization(0),
		scan.WithPersister(persister),
		scan.WithPersistPartial(true),
	)
	require.NoError(t, err)
	table := hardware.NewMockTurntable(false)
	c := scan.New(session, camera, table)
	rec := record(c)
	stop := context.AfterFunc(ctx, c.Cancel)
	t.Cleanup(func() { stop() })

	_, err = c.Initialize(ctx)
	require.NoError(t, err)
	result := c.Scan(ctx)

	// the capture in flight completes, no further frame is taken
	require.False(t, result.Success)
	require.Equal(t, "scan cancelled", result.Error)
	require.Equal(t, 2, result.FramesCaptured)
	require.Equal(t, 2, camera.captures)
	require.Len(t, rec.progress, 2)
	require.ErrorIs(t, rec.errs[0], scan.ErrCancelled)
	require.Equal(t, scan.StateFailed, c.State())
	require.Equal(t, 0.0, table.Position())

	require.NotNil(t, persisted)
	require.NoError(t, persistErr)
	require.True(t, persisted.Partial)
	require.Len(t, persisted.Images, 2)
	require.Empty(t, result.ScanID)
}

func TestScan_CancelPersistPartial(t *testing.T) {
	t.Parallel()
	var persisted *store.Scan
	persister := persisterFunc(func(_ context.Context, s *store.Scan) error {
		persisted = s
		return nil
	})
	c, _ := newCoordinator(t, settings(10, metadata()), nil,
		scan.WithPersister(persister),
		scan.WithPersistPartial(true),
	)
	c.OnProgress(func(e scan.ProgressEvent) {
		if e.FrameNumber == 2 {
			c.Cancel()
		}
	})

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.False(t, result.Success)
	require.Equal(t, "scan cancelled", result.Error)
	require.Equal(t, 3, result.FramesCaptured)

	require.NotNil(t, persisted)
	require.True(t, persisted.Partial)
	require.Equal(t, 3, persisted.NumFrames)
	for i, img := range persisted.Images {
		require.Equal(t, i+1, img.FrameNumber)
	}
}

func TestScan_ContextDoneBeforeScan(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, settings(4, nil), nil)
	_, err := c.Initialize(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	result := c.Scan(ctx)
	require.False(t, result.Success)
	require.Equal(t, "scan cancelled", result.Error)
	require.Zero(t, result.FramesCaptured)
}

func TestScan_InitializeWhileCapturing(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, settings(3, nil), nil)
	var errs []error
	var cleanups []scan.InitResult
	c.OnProgress(func(e scan.ProgressEvent) {
		_, err := c.Initialize(t.Context())
		errs = append(errs, err)
		cleanups = append(cleanups, c.Cleanup(t.Context()))
	})

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	result := c.Scan(t.Context())
	require.True(t, result.Success)
	require.Len(t, errs, 3)
	for i := range errs {
		require.ErrorIs(t, errs[i], scan.ErrScanInProgress)
		require.False(t, cleanups[i].Success)
	}
}

func TestInitialize_Failure(t *testing.T) {
	t.Parallel()
	session, err := scan.NewSession(t.TempDir(), settings(3, nil))
	require.NoError(t, err)
	table := hardware.NewMockTurntable(false)
	c := scan.New(session, failingCamera{hardware.NewMockCamera("")}, table)
	rec := record(c)

	res, err := c.Initialize(t.Context())
	require.ErrorIs(t, err, hardware.ErrDevice)
	require.ErrorContains(t, err, "scanner initialization failed")
	require.Equal(t, scan.InitResult{}, res)
	require.Equal(t, scan.StateFailed, c.State())
	require.Len(t, rec.errs, 1)

	st, err := table.Status(t.Context())
	require.NoError(t, err)
	require.False(t, st.Initialized)
}

func TestCleanup_Twice(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, settings(2, nil), nil)
	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	require.True(t, c.Status(t.Context()).Initialized)

	require.Equal(t, scan.InitResult{Success: true}, c.Cleanup(t.Context()))
	require.Equal(t, scan.InitResult{Success: true}, c.Cleanup(t.Context()))
	require.Equal(t, scan.StateCleaned, c.State())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, settings(3, nil), nil)
	var got int
	unsubscribe := c.OnProgress(func(scan.ProgressEvent) { got++ })
	unsubscribe()
	unsubscribe()

	_, err := c.Initialize(t.Context())
	require.NoError(t, err)
	require.True(t, c.Scan(t.Context()).Success)
	require.Zero(t, got)
}

func TestNewSession(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	now := func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }

	s, err := scan.NewSession(root, settings(72, metadata()), scan.WithClock(now))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "exp-1", "plant-7", "2026-10-16_"+s.ID), s.Settings.OutputPath)
	require.Equal(t, 72, s.Settings.Camera.NumFrames)
	require.Equal(t, 72, s.Settings.Turntable.NumFrames)
	require.Equal(t, scan.DefaultStabilization, s.Stabilization)

	meta := metadata()
	meta.SpecimenID = "../../etc"
	_, err = scan.NewSession(root, settings(72, meta))
	require.ErrorIs(t, err, model.ErrUnsafePath)

	outside := settings(72, nil)
	outside.OutputPath = filepath.Join(root, "..", "elsewhere")
	_, err = scan.NewSession(root, outside)
	require.ErrorIs(t, err, model.ErrUnsafePath)

	relative := settings(72, nil)
	relative.OutputPath = "manual"
	s, err = scan.NewSession(root, relative)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "manual"), s.Settings.OutputPath)

	_, err = scan.NewSession(root, settings(0, nil))
	require.Error(t, err)
}
