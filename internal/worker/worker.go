// Package worker implements the worker side of the hardware protocol on top of
// the simulated camera and turntable. It is served by the hidden _worker
// command and speaks the same line protocol as any other hardware worker:
// JSON requests on stdin, STATUS:, WARNING:, ERROR:, DATA: and FRAME: lines
// on stdout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/bloom-desktop/bloom/internal/hardware"
	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/log"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/scan"
)

const (
	maxLine        = 1 << 20
	streamInterval = 100 * time.Millisecond

	defaultScanFrames = 72
	defaultScanOutput = "./scans"
)

type Options struct {
	Version        string
	FixturesDir    string
	SimulateTiming bool
	// Stabilization is the pause before every capture of a scanner scan,
	// scan.DefaultStabilization when zero.
	Stabilization time.Duration
}

type request struct {
	Command   string          `json:"command"`
	Action    string          `json:"action"`
	Settings  json.RawMessage `json:"settings"`
	Degrees   *float64        `json:"degrees"`
	NumSteps  *int            `json:"num_steps"`
	Direction *int            `json:"direction"`
}

type Worker struct {
	opts Options

	outMx sync.Mutex
	out   io.Writer

	camera    *hardware.MockCamera
	turntable *hardware.MockTurntable

	streamMx     sync.Mutex
	streamCancel context.CancelFunc
	streamWg     sync.WaitGroup

	// scanner owns its own camera and turntable, see handleScanner
	scanner         *scan.Coordinator
	scannerSettings scannerSettings
}

func New(opts Options, out io.Writer) *Worker {
	return &Worker{
		opts:      opts,
		out:       out,
		camera:    hardware.NewMockCamera(opts.FixturesDir),
		turntable: hardware.NewMockTurntable(opts.SimulateTiming),
	}
}

// Serve handles requests from in until EOF or ctx is done.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	w := New(opts, out)
	defer w.stopStream()
	defer w.cleanupScanner(ctx)

	w.line(ipc.KindStatus, ipc.ReadyPayload)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			w.line(ipc.KindError, "Invalid JSON: "+err.Error())
			continue
		}
		w.handle(ctx, req)
	}
	return scanner.Err()
}

// handle executes a single request and writes its DATA response.
func (w *Worker) handle(ctx context.Context, req request) {
	ctx = withCommand(ctx, req)
	switch req.Command {
	case "ping":
		w.data(map[string]any{"status": "ok", "message": "pong"})
	case "get_version":
		w.data(map[string]any{"version": w.opts.Version})
	case "check_hardware":
		w.data(checkHardware())
	case "camera":
		w.respond(w.handleCamera(ctx, req))
	case "daq":
		w.respond(w.handleDAQ(ctx, req))
	case "scanner":
		w.respond(w.handleScanner(ctx, req))
	default:
		w.unknown(fmt.Sprintf("Unknown command: %s", req.Command))
	}
}

func (w *Worker) handleCamera(ctx context.Context, req request) (map[string]any, error) {
	switch req.Action {
	case "connect":
		settings, err := cameraSettings(req.Settings)
		if err != nil {
			return nil, err
		}
		w.line(ipc.KindStatus, "Using mock camera")
		if err := w.camera.Connect(ctx, settings); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "connected": true}, nil
	case "disconnect":
		w.stopStream()
		if err := w.camera.Disconnect(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "connected": false}, nil
	case "capture":
		if err := w.connectWith(ctx, req.Settings); err != nil {
			return nil, err
		}
		frame, err := w.camera.Capture(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success": true,
			"image":   frame.DataURI(),
			"width":   frame.Width,
			"height":  frame.Height,
		}, nil
	case "configure":
		settings, err := cameraSettings(req.Settings)
		if err != nil {
			return nil, err
		}
		if err := w.camera.Configure(ctx, settings); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "configured": true}, nil
	case "start_stream":
		if err := w.connectWith(ctx, req.Settings); err != nil {
			return nil, err
		}
		if !w.startStream(ctx) {
			return map[string]any{"success": true, "streaming": true, "message": "Already streaming"}, nil
		}
		return map[string]any{"success": true, "streaming": true}, nil
	case "stop_stream":
		if !w.stopStream() {
			return map[string]any{"success": true, "streaming": false, "message": "Not streaming"}, nil
		}
		return map[string]any{"success": true, "streaming": false}, nil
	case "status":
		st, err := w.camera.Status(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "connected": st.Connected, "mock": st.Mock, "available": st.Available}, nil
	default:
		return nil, errUnknown(fmt.Sprintf("Unknown camera action: %s", req.Action))
	}
}

func (w *Worker) handleDAQ(ctx context.Context, req request) (map[string]any, error) {
	switch req.Action {
	case "initialize":
		settings := model.DefaultTurntableSettings()
		if len(req.Settings) > 0 {
			if err := json.Unmarshal(req.Settings, &settings); err != nil {
				return nil, fmt.Errorf("decoding settings: %w", err)
			}
		}
		if err := settings.Validate(); err != nil {
			return nil, err
		}
		w.line(ipc.KindStatus, "Using mock DAQ")
		if err := w.turntable.Initialize(ctx, settings); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "initialized": true}, nil
	case "cleanup":
		if err := w.turntable.Cleanup(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "initialized": false}, nil
	case "rotate":
		if req.Degrees == nil {
			return nil, errors.New("degrees parameter required for rotate action")
		}
		return position(w.turntable.Rotate(ctx, *req.Degrees))
	case "step":
		if req.NumSteps == nil {
			return nil, errors.New("num_steps parameter required for step action")
		}
		direction := 1
		if req.Direction != nil {
			direction = *req.Direction
		}
		return position(w.turntable.Step(ctx, *req.NumSteps, direction))
	case "home":
		return position(w.turntable.Home(ctx))
	case "status":
		st, err := w.turntable.Status(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":     true,
			"initialized": st.Initialized,
			"position":    st.Position,
			"mock":        st.Mock,
			"available":   st.Available,
		}, nil
	default:
		return nil, errUnknown(fmt.Sprintf("Unknown DAQ action: %s", req.Action))
	}
}

// scannerSettings is the wire form of a scanner initialization.
type scannerSettings struct {
	Camera     *model.CameraSettings    `json:"camera"`
	DAQ        *model.TurntableSettings `json:"daq"`
	NumFrames  int                      `json:"num_frames"`
	OutputPath string                   `json:"output_path"`
}

func (s scannerSettings) withDefaults() scannerSettings {
	if s.Camera == nil {
		camera := model.DefaultCameraSettings()
		s.Camera = &camera
	}
	if s.DAQ == nil {
		daq := model.DefaultTurntableSettings()
		s.DAQ = &daq
	}
	if s.NumFrames == 0 {
		s.NumFrames = defaultScanFrames
	}
	if s.OutputPath == "" {
		s.OutputPath = defaultScanOutput
	}
	return s
}

// handleScanner runs whole scans inside the worker. Frames are written
// directly to output_path and nothing is persisted.
func (w *Worker) handleScanner(ctx context.Context, req request) (map[string]any, error) {
	switch req.Action {
	case "initialize":
		camera, daq := model.DefaultCameraSettings(), model.DefaultTurntableSettings()
		settings := scannerSettings{Camera: &camera, DAQ: &daq}
		if len(req.Settings) > 0 {
			if err := json.Unmarshal(req.Settings, &settings); err != nil {
				return nil, fmt.Errorf("decoding settings: %w", err)
			}
		}
		settings = settings.withDefaults()
		if w.scanner != nil && w.scanner.State() == scan.StateInitialized && reflect.DeepEqual(settings, w.scannerSettings) {
			return map[string]any{"success": true, "initialized": true}, nil
		}
		w.cleanupScanner(ctx)

		coordinator, err := w.newScanner(settings)
		if err != nil {
			return nil, err
		}
		w.line(ipc.KindStatus, "Using mock scanner")
		if _, err := coordinator.Initialize(ctx); err != nil {
			return nil, err
		}
		w.scanner = coordinator
		w.scannerSettings = settings
		return map[string]any{"success": true, "initialized": true}, nil
	case "cleanup":
		w.cleanupScanner(ctx)
		return map[string]any{"success": true, "initialized": false}, nil
	case "scan":
		if w.scanner == nil || w.scanner.State() != scan.StateInitialized {
			return nil, errors.New("Scanner not initialized. Call initialize() first.")
		}
		res := w.scanner.Scan(ctx)
		var scanErr any
		if res.Error != "" {
			scanErr = res.Error
		}
		return map[string]any{
			"success":         res.Success,
			"frames_captured": res.FramesCaptured,
			"output_path":     res.OutputPath,
			"error":           scanErr,
		}, nil
	case "status":
		if w.scanner == nil {
			return map[string]any{
				"success":       true,
				"initialized":   false,
				"camera_status": "unknown",
				"daq_status":    "unknown",
				"position":      0.0,
				"mock":          true,
			}, nil
		}
		st := w.scanner.Status(ctx)
		return map[string]any{
			"success":       true,
			"initialized":   st.Initialized,
			"camera_status": st.CameraStatus,
			"daq_status":    st.DAQStatus,
			"position":      st.Position,
			"mock":          st.Mock,
		}, nil
	default:
		return nil, errUnknown(fmt.Sprintf("Unknown scanner action: %s", req.Action))
	}
}

func (w *Worker) newScanner(settings scannerSettings) (*scan.Coordinator, error) {
	output, err := filepath.Abs(settings.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("output path: %w", err)
	}
	stabilization := w.opts.Stabilization
	if stabilization == 0 {
		stabilization = scan.DefaultStabilization
	}
	session, err := scan.NewSession(filepath.Dir(output), model.ScanSettings{
		Camera:     *settings.Camera,
		Turntable:  *settings.DAQ,
		NumFrames:  settings.NumFrames,
		OutputPath: output,
	}, scan.WithStabilization(stabilization))
	if err != nil {
		return nil, err
	}
	return scan.New(session,
		hardware.NewMockCamera(w.opts.FixturesDir),
		hardware.NewMockTurntable(w.opts.SimulateTiming),
	), nil
}

func (w *Worker) cleanupScanner(ctx context.Context) {
	if w.scanner == nil {
		return
	}
	if res := w.scanner.Cleanup(ctx); !res.Success {
		w.line(ipc.KindError, "Error cleaning up scanner: "+scan.ErrScanInProgress.Error())
	}
	w.scanner = nil
}

func position(p float64, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "position": p}, nil
}

// connectWith connects the camera using settings when it is not connected yet.
func (w *Worker) connectWith(ctx context.Context, raw json.RawMessage) error {
	st, err := w.camera.Status(ctx)
	if err != nil {
		return err
	}
	if st.Connected {
		return nil
	}
	if len(raw) == 0 {
		return errors.New("Camera not connected. Call connect() first or provide settings.")
	}
	settings, err := cameraSettings(raw)
	if err != nil {
		return err
	}
	return w.camera.Connect(ctx, settings)
}

func (w *Worker) startStream(ctx context.Context) bool {
	w.streamMx.Lock()
	defer w.streamMx.Unlock()
	if w.streamCancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.streamCancel = cancel
	w.streamWg.Go(func() {
		w.line(ipc.KindStatus, "Streaming worker started")
		defer w.line(ipc.KindStatus, "Streaming worker stopped")
		ticker := time.NewTicker(streamInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, err := w.camera.Capture(ctx)
				if err != nil {
					if ctx.Err() == nil {
						w.line(ipc.KindError, "Streaming error: "+err.Error())
					}
					return
				}
				w.line(ipc.KindFrame, frame.DataURI())
			}
		}
	})
	return true
}

func (w *Worker) stopStream() bool {
	w.streamMx.Lock()
	cancel := w.streamCancel
	w.streamCancel = nil
	w.streamMx.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	w.streamWg.Wait()
	return true
}

type errUnknown string

func (e errUnknown) Error() string { return string(e) }

func (w *Worker) respond(v map[string]any, err error) {
	var unknown errUnknown
	if errors.As(err, &unknown) {
		w.unknown(string(unknown))
		return
	}
	if err != nil {
		w.data(map[string]any{"success": false, "error": err.Error()})
		return
	}
	w.data(v)
}

// unknown reports an unsupported command on the ERROR channel and also as a
// failed DATA response, so the caller waiting for a response is released.
func (w *Worker) unknown(msg string) {
	w.line(ipc.KindError, msg)
	w.data(map[string]any{"success": false, "error": msg})
}

func (w *Worker) data(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.line(ipc.KindError, "encoding response: "+err.Error())
		b = []byte(`{"success":false,"error":"encoding response failed"}`)
	}
	w.line(ipc.KindData, string(b))
}

func (w *Worker) line(kind ipc.Kind, payload string) {
	w.outMx.Lock()
	defer w.outMx.Unlock()
	_, err := io.WriteString(w.out, ipc.Message{Kind: kind, Payload: payload}.String()+"\n")
	if err != nil {
		slog.Error("writing to stdout", "error", err)
	}
}

func withCommand(ctx context.Context, req request) context.Context {
	return log.ContextAttrs(ctx, slog.String("command", req.Command), slog.String("action", req.Action))
}

func cameraSettings(raw json.RawMessage) (model.CameraSettings, error) {
	settings := model.DefaultCameraSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return model.CameraSettings{}, fmt.Errorf("decoding settings: %w", err)
		}
	}
	return settings, nil
}

func checkHardware() map[string]any {
	// no device drivers are linked into this worker
	status := func() map[string]any {
		return map[string]any{"library_available": false, "devices_found": 0, "available": false}
	}
	return map[string]any{"camera": status(), "daq": status()}
}
