// Package scan sequences the turntable and the camera through one full
// rotation: home, N times rotate and capture, home again.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bloom-desktop/bloom/internal/hardware"
	"github.com/bloom-desktop/bloom/internal/log"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/store"
)

// releaseTimeout bounds the best effort home and cleanup after a failed run.
const releaseTimeout = 30 * time.Second

var (
	ErrScanInProgress = errors.New("scan in progress")
	ErrNotInitialized = errors.New("scanner not initialized")
	ErrCancelled      = errors.New("scan cancelled")
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateInitialized
	StateHomed
	StateCapturing
	StateHoming
	StateCleaned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateHomed:
		return "homed"
	case StateCapturing:
		return "capturing"
	case StateHoming:
		return "homing"
	case StateCleaned:
		return "cleaned"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// active reports whether a run owns the hardware.
func (s State) active() bool {
	switch s {
	case StateInitializing, StateHomed, StateCapturing, StateHoming:
		return true
	}
	return false
}

// Result is produced exactly once per Scan call.
type Result struct {
	Success        bool   `json:"success"`
	FramesCaptured int    `json:"frames_captured"`
	OutputPath     string `json:"output_path"`
	Error          string `json:"error,omitempty"`
	// ScanID is set only when the scan was persisted.
	ScanID string `json:"scan_id,omitempty"`
}

type InitResult struct {
	Success     bool `json:"success"`
	Initialized bool `json:"initialized"`
}

type Status struct {
	Initialized  bool    `json:"initialized"`
	CameraStatus string  `json:"camera_status"`
	DAQStatus    string  `json:"daq_status"`
	Position     float64 `json:"position"`
	Mock         bool    `json:"mock"`
	State        string  `json:"state"`
}

// Coordinator runs the scan of a single session. Calls are expected to be
// sequential; Cancel and the subscription methods may be called at any time.
type Coordinator struct {
	session   *Session
	camera    hardware.Camera
	turntable hardware.Turntable

	mx        sync.Mutex
	state     State
	cancelled atomic.Bool

	progress broker[ProgressEvent]
	complete broker[Result]
	failures broker[error]
}

func New(session *Session, camera hardware.Camera, turntable hardware.Turntable) *Coordinator {
	return &Coordinator{
		session:   session,
		camera:    camera,
		turntable: turntable,
	}
}

func (c *Coordinator) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.state = s
}

// OnProgress subscribes fn to progress events. The returned func unsubscribes.
func (c *Coordinator) OnProgress(fn func(ProgressEvent)) func() {
	return c.progress.subscribe(fn)
}

// OnComplete subscribes fn to the result of every run, successful or not.
func (c *Coordinator) OnComplete(fn func(Result)) func() {
	return c.complete.subscribe(fn)
}

// OnError subscribes fn to the errors of failed initializations and runs.
func (c *Coordinator) OnError(fn func(error)) func() {
	return c.failures.subscribe(fn)
}

// Cancel asks a running scan to stop before its next frame. A capture in
// flight is completed.
func (c *Coordinator) Cancel() {
	c.cancelled.Store(true)
}

func (c *Coordinator) logContext(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx, slog.String("scan_id", c.session.ID))
}

// Initialize connects the camera, then initializes the turntable. It is a no-op
// when already initialized and fails with ErrScanInProgress during a run.
func (c *Coordinator) Initialize(ctx context.Context) (InitResult, error) {
	ctx = c.logContext(ctx)
	c.mx.Lock()
	switch {
	case c.state.active():
		c.mx.Unlock()
		return InitResult{Success: false, Initialized: true}, ErrScanInProgress
	case c.state == StateInitialized:
		c.mx.Unlock()
		slog.DebugContext(ctx, "scanner already initialized")
		return InitResult{Success: true, Initialized: true}, nil
	}
	c.state = StateInitializing
	c.mx.Unlock()
	c.cancelled.Store(false)

	settings := c.session.Settings
	err := c.camera.Connect(ctx, settings.Camera)
	if err == nil {
		err = c.turntable.Initialize(ctx, settings.Turntable)
	}
	if err != nil {
		err = fmt.Errorf("scanner initialization failed: %w", err)
		slog.ErrorContext(ctx, "initialize", "error", err)
		c.release(ctx)
		c.setState(StateFailed)
		c.failures.publish(err)
		return InitResult{Success: false, Initialized: false}, err
	}
	c.setState(StateInitialized)
	slog.InfoContext(ctx, "scanner initialized")
	return InitResult{Success: true, Initialized: true}, nil
}

// Cleanup releases both proxies. It is idempotent and refused during a run.
func (c *Coordinator) Cleanup(ctx context.Context) InitResult {
	ctx = c.logContext(ctx)
	c.mx.Lock()
	if c.state.active() {
		c.mx.Unlock()
		slog.WarnContext(ctx, "cleanup refused", "error", ErrScanInProgress)
		return InitResult{Success: false, Initialized: true}
	}
	c.mx.Unlock()

	c.release(ctx)
	c.mx.Lock()
	if c.state != StateIdle {
		c.state = StateCleaned
	}
	c.mx.Unlock()
	return InitResult{Success: true, Initialized: false}
}

// release cleans up both proxies, logging failures.
func (c *Coordinator) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	err := errors.Join(c.camera.Disconnect(ctx), c.turntable.Cleanup(ctx))
	if err != nil {
		slog.WarnContext(ctx, "cleanup failed", "error", err)
	}
}

// Status reports the proxies as seen right now.
func (c *Coordinator) Status(ctx context.Context) Status {
	st := Status{
		CameraStatus: "unknown",
		DAQStatus:    "unknown",
	}
	state := c.State()
	st.State = state.String()
	st.Initialized = state == StateInitialized || state.active()

	if cs, err := c.camera.Status(ctx); err == nil {
		st.Mock = cs.Mock
		if cs.Connected {
			st.CameraStatus = "connected"
		} else {
			st.CameraStatus = "disconnected"
		}
	}
	if ts, err := c.turntable.Status(ctx); err == nil {
		if ts.Initialized {
			st.DAQStatus = "initialized"
			st.Position = ts.Position
		} else {
			st.DAQStatus = "not_initialized"
		}
	}
	return st
}

// Scan performs the run. It fails fast: the first proxy error stops the run,
// frames already written stay on disk and Result.Success is false.
func (c *Coordinator) Scan(ctx context.Context) Result {
	ctx = c.logContext(ctx)
	settings := c.session.Settings
	res := Result{OutputPath: settings.OutputPath}

	c.mx.Lock()
	switch {
	case c.state.active():
		c.mx.Unlock()
		res.Error = ErrScanInProgress.Error()
		c.complete.publish(res)
		return res
	case c.state != StateInitialized:
		c.mx.Unlock()
		res.Error = ErrNotInitialized.Error()
		c.failures.publish(ErrNotInitialized)
		c.complete.publish(res)
		return res
	}
	c.state = StateHomed
	c.mx.Unlock()

	started := c.session.Now()
	paths, err := c.run(ctx)
	// the rows are written even when ctx ended the run
	pctx := context.WithoutCancel(ctx)
	res.FramesCaptured = len(paths)
	if err != nil {
		res.Error = err.Error()
		slog.ErrorContext(ctx, "scan failed", "frames", len(paths), "error", err)
		c.abort(ctx)
		c.setState(StateFailed)
		if c.session.PersistPartial && len(paths) > 0 {
			c.persist(pctx, started, paths)
		}
		c.failures.publish(err)
		c.complete.publish(res)
		return res
	}

	c.release(ctx)
	c.setState(StateCleaned)
	res.Success = true
	res.ScanID = c.persist(pctx, started, paths)
	slog.InfoContext(ctx, "scan completed", "frames", len(paths), "output", res.OutputPath)
	c.complete.publish(res)
	return res
}

// run homes, captures every frame and homes again. It returns the paths of
// the frames written so far. A done ctx stops the run before the next frame
// like Cancel does; the hardware calls never see it, so a move or a capture
// in flight completes. Remote calls are still bound by the command timeout.
func (c *Coordinator) run(ctx context.Context) ([]string, error) {
	settings := c.session.Settings
	hw := context.WithoutCancel(ctx)
	n := settings.NumFrames

	if err := os.MkdirAll(c.session.Root, 0o755); err != nil {
		return nil, fmt.Errorf("scan failed: creating scans root: %w", err)
	}
	root, err := os.OpenRoot(c.session.Root)
	if err != nil {
		return nil, fmt.Errorf("scan failed: opening scans root: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()
	dir, err := model.RelativeTo(c.session.Root, settings.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if err := root.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scan failed: creating output directory: %w", err)
	}

	degrees := 360.0 / float64(n)
	slog.InfoContext(ctx, "starting scan", "frames", n, "degrees_per_frame", degrees)
	if _, err := c.turntable.Home(hw); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	c.setState(StateCapturing)
	paths := make([]string, 0, n)
	for i := range n {
		if c.cancelled.Load() || ctx.Err() != nil {
			return paths, ErrCancelled
		}
		frameCtx := log.ContextAttrs(hw, slog.Int("frame", i+1))

		position, err := c.turntable.Rotate(frameCtx, degrees)
		if err != nil {
			return paths, fmt.Errorf("scan failed: %w", err)
		}
		if err := sleep(ctx, c.session.Stabilization); err != nil {
			return paths, ErrCancelled
		}
		frame, err := c.camera.Capture(frameCtx)
		if err != nil {
			return paths, fmt.Errorf("scan failed: %w", err)
		}
		name := filepath.Join(dir, fmt.Sprintf("%03d.png", i+1))
		if err := frame.Save(root, name); err != nil {
			return paths, fmt.Errorf("scan failed: saving frame %d: %w", i+1, err)
		}
		path := filepath.Join(c.session.Root, name)
		paths = append(paths, path)
		slog.DebugContext(frameCtx, "frame captured", "position", position, "path", path)

		c.progress.publish(ProgressEvent{
			FrameNumber: i,
			TotalFrames: n,
			ImagePath:   path,
			Position:    position,
		})
	}

	c.setState(StateHoming)
	if _, err := c.turntable.Home(hw); err != nil {
		return paths, fmt.Errorf("scan failed: %w", err)
	}
	return paths, nil
}

// abort makes a best effort to return home and release the hardware.
func (c *Coordinator) abort(ctx context.Context) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := c.turntable.Home(hctx); err != nil {
		slog.DebugContext(ctx, "homing after failure", "error", err)
	}
	c.release(ctx)
}

// persist records the scan and returns its id. Failures are logged only; a
// scan without metadata is never persisted.
func (c *Coordinator) persist(ctx context.Context, started time.Time, paths []string) string {
	s := c.session
	if s.Persister == nil || s.Settings.Metadata == nil {
		return ""
	}
	row := store.NewScan(s.ID, s.Settings, started, paths)
	if err := s.Persister.CreateScan(ctx, row); err != nil {
		slog.ErrorContext(ctx, "persisting scan", "error", err)
		return ""
	}
	slog.InfoContext(ctx, "scan persisted", "images", len(row.Images), "partial", row.Partial)
	return s.ID
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
