// Package hardware provides the camera and turntable capabilities used by a
// scan. Each capability has a mock variant living in process and a remote
// variant forwarding every call to the hardware worker.
package hardware

import (
	"context"
	"fmt"

	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/model"
)

// Sender delivers a request to the hardware worker, see ipc.Transport.
type Sender interface {
	Send(ctx context.Context, req ipc.Request) (ipc.Response, error)
}

// Options select the variants returned by New.
type Options struct {
	// Mock forces both mock variants regardless of the camera address.
	Mock           bool
	FixturesDir    string
	SimulateTiming bool
}

// New picks the camera and turntable variants once for a session. The camera is
// mocked when opts.Mock is set or the camera address is model.MockCameraIP.
// A nil sender is only allowed when both variants end up mocked.
func New(opts Options, camera model.CameraSettings, sender Sender) (Camera, Turntable, error) {
	var cam Camera
	var table Turntable
	if opts.Mock || camera.IsMock() {
		cam = NewMockCamera(opts.FixturesDir)
	} else {
		if sender == nil {
			return nil, nil, fmt.Errorf("camera %s needs a worker transport", camera.CameraIPAddress)
		}
		cam = NewRemoteCamera(sender)
	}
	if opts.Mock || sender == nil {
		table = NewMockTurntable(opts.SimulateTiming)
	} else {
		table = NewRemoteTurntable(sender)
	}
	return cam, table, nil
}

// call sends req and converts worker failures into ErrDevice.
func call(ctx context.Context, s Sender, req ipc.Request, v any) error {
	resp, err := s.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	if v == nil {
		return nil
	}
	if err := resp.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrDevice, req, err)
	}
	return nil
}
