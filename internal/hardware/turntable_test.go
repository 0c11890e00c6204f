package hardware_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bloom-desktop/bloom/internal/hardware"
	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given float64
		then  float64
	}{
		{0, 0},
		{90, 90},
		{360, 0},
		{450, 90},
		{-90, 270},
		{-360, 0},
		{-720.5, 359.5},
	}
	for _, tt := range testCases {
		require.InDelta(t, tt.then, hardware.Normalize(tt.given), 1e-9, "Normalize(%g)", tt.given)
	}
}

func TestHomeDelta(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.0, hardware.HomeDelta(0))
	require.Equal(t, -90.0, hardware.HomeDelta(90))
	require.Equal(t, -180.0, hardware.HomeDelta(180))
	require.Equal(t, 90.0, hardware.HomeDelta(270))
	require.InDelta(t, 5.0, hardware.HomeDelta(355), 1e-9)
}

func TestStepsFor(t *testing.T) {
	t.Parallel()
	require.Equal(t, 6400, hardware.StepsFor(360, 6400))
	require.Equal(t, 88, hardware.StepsFor(5, 6400))
	require.Equal(t, 1600, hardware.StepsFor(-90, 6400))
	require.Equal(t, 0, hardware.StepsFor(0.01, 6400))
}

// turntableContract runs the behavior every Turntable variant must share.
func turntableContract(t *testing.T, table hardware.Turntable) {
	t.Helper()
	ctx := t.Context()

	_, err := table.Rotate(ctx, 10)
	require.ErrorIs(t, err, hardware.ErrNotInitialized)
	_, err = table.Home(ctx)
	require.ErrorIs(t, err, hardware.ErrNotInitialized)
	require.NoError(t, table.Cleanup(ctx))

	require.NoError(t, table.Initialize(ctx, model.DefaultTurntableSettings()))
	require.NoError(t, table.Initialize(ctx, model.DefaultTurntableSettings()))
	require.Equal(t, 0.0, table.Position())

	pos, err := table.Rotate(ctx, 90)
	require.NoError(t, err)
	require.Equal(t, 90.0, pos)

	pos, err = table.Rotate(ctx, 300)
	require.NoError(t, err)
	require.Equal(t, 30.0, pos)

	pos, err = table.Rotate(ctx, -60)
	require.NoError(t, err)
	require.Equal(t, 330.0, pos)
	require.Equal(t, 330.0, table.Position())

	pos, err = table.Step(ctx, 1600, 1)
	require.NoError(t, err)
	require.Equal(t, 60.0, pos)

	_, err = table.Step(ctx, 10, 0)
	require.Error(t, err)
	require.Equal(t, 60.0, table.Position())

	pos, err = table.Home(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.0, pos)

	st, err := table.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Initialized)
	require.Equal(t, 0.0, st.Position)

	require.NoError(t, table.Cleanup(ctx))
	require.NoError(t, table.Cleanup(ctx))
	_, err = table.Rotate(ctx, 10)
	require.ErrorIs(t, err, hardware.ErrNotInitialized)
}

func TestMockTurntable(t *testing.T) {
	t.Parallel()
	table := hardware.NewMockTurntable(false)
	turntableContract(t, table)

	st, err := table.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, hardware.TurntableStatus{Mock: true, Available: true}, st)
}

func TestMockTurntable_FullRevolution(t *testing.T) {
	t.Parallel()
	table := hardware.NewMockTurntable(false)
	require.NoError(t, table.Initialize(t.Context(), model.DefaultTurntableSettings()))
	for range 72 {
		_, err := table.Rotate(t.Context(), 5)
		require.NoError(t, err)
	}
	require.InDelta(t, 0, hardware.HomeDelta(table.Position()), 1e-6)
}

func TestMockTurntable_SimulateCancel(t *testing.T) {
	t.Parallel()
	table := hardware.NewMockTurntable(true)
	require.NoError(t, table.Initialize(t.Context(), model.DefaultTurntableSettings()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := table.Rotate(ctx, 180)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0.0, table.Position())
}

func TestRemoteTurntable(t *testing.T) {
	t.Parallel()
	table := hardware.NewRemoteTurntable(startWorker(t))
	turntableContract(t, table)
}

type senderFunc func(ctx context.Context, req ipc.Request) (ipc.Response, error)

func (f senderFunc) Send(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	return f(ctx, req)
}

func response(t *testing.T, payload string) ipc.Response {
	t.Helper()
	var dec ipc.Decoder
	msgs := dec.Feed([]byte("DATA:" + payload + "\n"))
	require.Len(t, msgs, 1)
	var head struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, ipc.Response{Raw: []byte(msgs[0].Payload)}.Decode(&head))
	return ipc.Response{Raw: []byte(msgs[0].Payload), Success: head.Success, Error: head.Error}
}

func TestRemoteTurntable_DeviceError(t *testing.T) {
	t.Parallel()
	var sent []string
	table := hardware.NewRemoteTurntable(senderFunc(func(_ context.Context, req ipc.Request) (ipc.Response, error) {
		sent = append(sent, req.String())
		if req.Action == "rotate" {
			return response(t, `{"success":false,"error":"DAQ task failed"}`), nil
		}
		return response(t, `{"success":true,"position":0}`), nil
	}))
	require.NoError(t, table.Initialize(t.Context(), model.DefaultTurntableSettings()))

	_, err := table.Rotate(t.Context(), 5)
	require.ErrorIs(t, err, hardware.ErrDevice)
	require.ErrorIs(t, err, ipc.ErrWorker)
	require.ErrorContains(t, err, "DAQ task failed")
	var herr *hardware.Error
	require.ErrorAs(t, err, &herr)
	require.Equal(t, "turntable rotate", herr.Op)

	require.Equal(t, []string{"daq/initialize", "daq/rotate"}, sent)
}

func TestRemoteTurntable_TransportError(t *testing.T) {
	t.Parallel()
	table := hardware.NewRemoteTurntable(senderFunc(func(_ context.Context, req ipc.Request) (ipc.Response, error) {
		return ipc.Response{}, &ipc.TransportError{Reason: ipc.ErrProcessExited, Err: errors.New("exit status 1")}
	}))
	err := table.Initialize(t.Context(), model.DefaultTurntableSettings())
	require.ErrorIs(t, err, ipc.ErrProcessExited)
	require.NotErrorIs(t, err, hardware.ErrDevice)
	_, err = table.Rotate(t.Context(), 5)
	require.ErrorIs(t, err, hardware.ErrNotInitialized)
}
