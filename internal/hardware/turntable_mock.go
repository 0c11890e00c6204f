package hardware

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bloom-desktop/bloom/internal/model"
)

// maxSimulatedMove caps the simulated duration of a single move.
const maxSimulatedMove = 500 * time.Millisecond

// MockTurntable tracks the position in process. With simulate set, moves
// sleep for the time the real motor would need, capped at maxSimulatedMove.
type MockTurntable struct {
	simulate bool

	mx          sync.Mutex
	initialized bool
	settings    model.TurntableSettings
	position    float64
}

func NewMockTurntable(simulate bool) *MockTurntable {
	return &MockTurntable{simulate: simulate}
}

func (t *MockTurntable) Initialize(_ context.Context, settings model.TurntableSettings) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.initialized {
		return nil
	}
	t.settings = settings
	t.initialized = true
	t.position = 0
	return nil
}

func (t *MockTurntable) Rotate(ctx context.Context, degrees float64) (float64, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.initialized {
		return t.position, opError("turntable rotate", ErrNotInitialized)
	}
	if err := t.wait(ctx, degrees); err != nil {
		return t.position, opError("turntable rotate", err)
	}
	t.position = Normalize(t.position + degrees)
	slog.DebugContext(ctx, "mock turntable rotated", "degrees", degrees, "steps", StepsFor(degrees, t.settings.StepsPerRevolution), "position", t.position)
	return t.position, nil
}

func (t *MockTurntable) Step(ctx context.Context, numSteps int, direction int) (float64, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.initialized {
		return t.position, opError("turntable step", ErrNotInitialized)
	}
	if err := checkDirection(direction); err != nil {
		return t.position, opError("turntable step", err)
	}
	degrees := float64(direction*numSteps) * 360 / float64(t.settings.StepsPerRevolution)
	if err := t.wait(ctx, degrees); err != nil {
		return t.position, opError("turntable step", err)
	}
	t.position = Normalize(t.position + degrees)
	return t.position, nil
}

func (t *MockTurntable) Home(ctx context.Context) (float64, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.initialized {
		return t.position, opError("turntable home", ErrNotInitialized)
	}
	delta := HomeDelta(t.position)
	if math.Abs(delta) >= homeTolerance {
		if err := t.wait(ctx, delta); err != nil {
			return t.position, opError("turntable home", err)
		}
	}
	t.position = 0
	return t.position, nil
}

func (t *MockTurntable) wait(ctx context.Context, degrees float64) error {
	if !t.simulate || t.settings.SecondsPerRot <= 0 {
		return ctx.Err()
	}
	d := time.Duration(math.Abs(degrees) / 360 * t.settings.SecondsPerRot * float64(time.Second))
	timer := time.NewTimer(min(d, maxSimulatedMove))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *MockTurntable) Position() float64 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.position
}

func (t *MockTurntable) Status(_ context.Context) (TurntableStatus, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return TurntableStatus{Initialized: t.initialized, Position: t.position, Mock: true, Available: true}, nil
}

func (t *MockTurntable) Cleanup(_ context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.initialized = false
	return nil
}
