package hardware

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/model"
)

const pngDataURIPrefix = "data:image/png;base64,"

type CameraStatus struct {
	Connected bool `json:"connected"`
	Mock      bool `json:"mock"`
	Available bool `json:"available"`
}

// Frame is a single captured image encoded as PNG.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// Save writes the PNG to name inside root.
func (f Frame) Save(root *os.Root, name string) error {
	return root.WriteFile(name, f.Data, 0o644)
}

func (f Frame) Image() (image.Image, error) {
	return imaging.Decode(bytes.NewReader(f.Data))
}

// DataURI returns the frame as data:image/png;base64,...
func (f Frame) DataURI() string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(f.Data)
}

func ParseDataURI(uri string) ([]byte, error) {
	payload, ok := strings.CutPrefix(uri, pngDataURIPrefix)
	if !ok {
		return nil, errors.New("expected a data:image/png;base64 uri")
	}
	return base64.StdEncoding.DecodeString(payload)
}

// Camera captures frames. Connect and Disconnect are idempotent, Capture and
// Configure fail with ErrNotConnected before Connect.
type Camera interface {
	Status(ctx context.Context) (CameraStatus, error)
	Connect(ctx context.Context, settings model.CameraSettings) error
	Capture(ctx context.Context) (Frame, error)
	Configure(ctx context.Context, settings model.CameraSettings) error
	Disconnect(ctx context.Context) error
}

// RemoteCamera forwards calls to the hardware worker.
type RemoteCamera struct {
	sender Sender

	mx        sync.Mutex
	connected bool
}

func NewRemoteCamera(sender Sender) *RemoteCamera {
	return &RemoteCamera{sender: sender}
}

func (c *RemoteCamera) Status(ctx context.Context) (CameraStatus, error) {
	var st CameraStatus
	err := call(ctx, c.sender, ipc.Request{Command: "camera", Action: "status"}, &st)
	return st, opError("camera status", err)
}

func (c *RemoteCamera) Connect(ctx context.Context, settings model.CameraSettings) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.connected {
		return nil
	}
	err := call(ctx, c.sender, ipc.Request{Command: "camera", Action: "connect", Settings: settings}, nil)
	if err != nil {
		return opError("camera connect", err)
	}
	c.connected = true
	return nil
}

func (c *RemoteCamera) Capture(ctx context.Context) (Frame, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return Frame{}, opError("camera capture", ErrNotConnected)
	}
	var resp struct {
		Image  string `json:"image"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	err := call(ctx, c.sender, ipc.Request{Command: "camera", Action: "capture"}, &resp)
	if err != nil {
		return Frame{}, opError("camera capture", err)
	}
	data, err := ParseDataURI(resp.Image)
	if err != nil {
		return Frame{}, opError("camera capture", fmt.Errorf("%w: %w", ErrDevice, err))
	}
	return Frame{Data: data, Width: resp.Width, Height: resp.Height}, nil
}

func (c *RemoteCamera) Configure(ctx context.Context, settings model.CameraSettings) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return opError("camera configure", ErrNotConnected)
	}
	err := call(ctx, c.sender, ipc.Request{Command: "camera", Action: "configure", Settings: settings}, nil)
	return opError("camera configure", err)
}

func (c *RemoteCamera) Disconnect(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	err := call(ctx, c.sender, ipc.Request{Command: "camera", Action: "disconnect"}, nil)
	return opError("camera disconnect", err)
}
