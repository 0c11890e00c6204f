package hardware

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/model"
)

// homeTolerance is the smallest move, in degrees, Home bothers to make.
const homeTolerance = 0.1

type TurntableStatus struct {
	Initialized bool    `json:"initialized"`
	Position    float64 `json:"position"`
	Mock        bool    `json:"mock"`
	Available   bool    `json:"available"`
}

// Turntable rotates the specimen. Positions are degrees in [0, 360).
// Rotate, Step and Home fail with ErrNotInitialized before Initialize,
// Cleanup is idempotent.
type Turntable interface {
	Initialize(ctx context.Context, settings model.TurntableSettings) error
	Rotate(ctx context.Context, degrees float64) (float64, error)
	// Step moves numSteps motor steps, direction is 1 (clockwise) or -1.
	Step(ctx context.Context, numSteps int, direction int) (float64, error)
	// Home returns to position 0 along the shortest path.
	Home(ctx context.Context) (float64, error)
	Position() float64
	Status(ctx context.Context) (TurntableStatus, error)
	Cleanup(ctx context.Context) error
}

// Normalize maps any angle to [0, 360).
func Normalize(degrees float64) float64 {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

// HomeDelta returns the signed shortest move from position to 0.
func HomeDelta(position float64) float64 {
	p := Normalize(position)
	if p > 180 {
		return 360 - p
	}
	return -p
}

// StepsFor returns the number of whole motor steps needed for degrees.
func StepsFor(degrees float64, stepsPerRevolution int) int {
	return int(math.Abs(degrees) * float64(stepsPerRevolution) / 360)
}

func checkDirection(direction int) error {
	if direction != 1 && direction != -1 {
		return fmt.Errorf("direction must be 1 or -1, got %d", direction)
	}
	return nil
}

// RemoteTurntable forwards calls to the hardware worker (the "daq" command).
type RemoteTurntable struct {
	sender Sender

	mx          sync.Mutex
	initialized bool
	position    float64
}

func NewRemoteTurntable(sender Sender) *RemoteTurntable {
	return &RemoteTurntable{sender: sender}
}

type positionResponse struct {
	Position float64 `json:"position"`
}

func (t *RemoteTurntable) Initialize(ctx context.Context, settings model.TurntableSettings) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.initialized {
		return nil
	}
	err := call(ctx, t.sender, ipc.Request{Command: "daq", Action: "initialize", Settings: settings}, nil)
	if err != nil {
		return opError("turntable initialize", err)
	}
	t.initialized = true
	t.position = 0
	return nil
}

func (t *RemoteTurntable) move(ctx context.Context, op string, req ipc.Request) (float64, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.initialized {
		return t.position, opError(op, ErrNotInitialized)
	}
	var resp positionResponse
	if err := call(ctx, t.sender, req, &resp); err != nil {
		return t.position, opError(op, err)
	}
	t.position = Normalize(resp.Position)
	return t.position, nil
}

func (t *RemoteTurntable) Rotate(ctx context.Context, degrees float64) (float64, error) {
	return t.move(ctx, "turntable rotate", ipc.Request{Command: "daq", Action: "rotate", Degrees: &degrees})
}

func (t *RemoteTurntable) Step(ctx context.Context, numSteps int, direction int) (float64, error) {
	if err := checkDirection(direction); err != nil {
		return t.Position(), opError("turntable step", err)
	}
	return t.move(ctx, "turntable step", ipc.Request{Command: "daq", Action: "step", NumSteps: &numSteps, Direction: &direction})
}

func (t *RemoteTurntable) Home(ctx context.Context) (float64, error) {
	return t.move(ctx, "turntable home", ipc.Request{Command: "daq", Action: "home"})
}

func (t *RemoteTurntable) Position() float64 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.position
}

func (t *RemoteTurntable) Status(ctx context.Context) (TurntableStatus, error) {
	var st TurntableStatus
	err := call(ctx, t.sender, ipc.Request{Command: "daq", Action: "status"}, &st)
	return st, opError("turntable status", err)
}

func (t *RemoteTurntable) Cleanup(ctx context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.initialized {
		return nil
	}
	t.initialized = false
	err := call(ctx, t.sender, ipc.Request{Command: "daq", Action: "cleanup"}, nil)
	return opError("turntable cleanup", err)
}
