package ipc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, cfg ipc.Config) *ipc.Transport {
	t.Helper()
	tr := ipc.New(cfg)
	t.Cleanup(func() {
		require.NoError(t, tr.Close(context.Background()))
	})
	require.NoError(t, tr.Start(t.Context()))
	require.Equal(t, ipc.StateReady, tr.State())
	return tr
}

type echoed struct {
	Success bool `json:"success"`
	Echo    struct {
		Command string `json:"command"`
		Action  string `json:"action"`
	} `json:"echo"`
}

func TestTransport(t *testing.T) {
	t.Parallel()
	tr := start(t, workerConfig(t, "echo"))

	t.Run("ping", func(t *testing.T) {
		resp, err := tr.Send(t.Context(), ipc.Request{Command: "ping"})
		require.NoError(t, err)
		require.NoError(t, resp.Err())
		require.Nil(t, resp.Success)
		var pong map[string]string
		require.NoError(t, resp.Decode(&pong))
		require.Equal(t, "pong", pong["message"])
	})

	t.Run("fifo", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Go(func() {
				action := fmt.Sprintf("a%d", i)
				resp, err := tr.Send(t.Context(), ipc.Request{Command: "camera", Action: action})
				if err != nil {
					errs <- err
					return
				}
				var e echoed
				if err := resp.Decode(&e); err != nil {
					errs <- err
					return
				}
				if e.Echo.Action != action {
					errs <- fmt.Errorf("request %s got response for %s", action, e.Echo.Action)
				}
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})

	t.Run("worker failure is a response", func(t *testing.T) {
		resp, err := tr.Send(t.Context(), ipc.Request{Command: "fail"})
		require.NoError(t, err)
		require.ErrorIs(t, resp.Err(), ipc.ErrWorker)
		require.ErrorContains(t, resp.Err(), "boom")
		require.Equal(t, ipc.StateReady, tr.State())
	})

	t.Run("split data line", func(t *testing.T) {
		resp, err := tr.Send(t.Context(), ipc.Request{Command: "split"})
		require.NoError(t, err)
		var got map[string]bool
		require.NoError(t, resp.Decode(&got))
		require.True(t, got["split"])
	})

	t.Run("settings and parameters", func(t *testing.T) {
		degrees := 5.0
		req := ipc.Request{
			Command:  "daq",
			Action:   "rotate",
			Settings: map[string]any{"device_name": "cDAQ1Mod1"},
			Degrees:  &degrees,
		}
		resp, err := tr.Send(t.Context(), req)
		require.NoError(t, err)
		var got struct {
			Echo map[string]any `json:"echo"`
		}
		require.NoError(t, resp.Decode(&got))
		require.Equal(t, 5.0, got.Echo["degrees"])
		require.NotContains(t, got.Echo, "num_steps")
		require.Equal(t, map[string]any{"device_name": "cDAQ1Mod1"}, got.Echo["settings"])
	})
}

func TestTransport_Observers(t *testing.T) {
	t.Parallel()
	tr := start(t, workerConfig(t, "echo"))

	var mx sync.Mutex
	var seen []ipc.Message
	unsubscribe := tr.Subscribe(func(m ipc.Message) {
		mx.Lock()
		defer mx.Unlock()
		seen = append(seen, m)
	})

	_, err := tr.Send(t.Context(), ipc.Request{Command: "split"})
	require.NoError(t, err)
	unsubscribe()
	_, err = tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.NoError(t, err)

	mx.Lock()
	defer mx.Unlock()
	require.Contains(t, seen, ipc.Message{Kind: ipc.KindStatus, Payload: "handling split"})
	require.Contains(t, seen, ipc.Message{Kind: ipc.KindData, Payload: `{"success":true,"split":true}`})
	require.NotContains(t, seen, ipc.Message{Kind: ipc.KindStatus, Payload: "handling ping"})
}

func TestTransport_NotStarted(t *testing.T) {
	t.Parallel()
	tr := ipc.New(workerConfig(t, "echo"))
	_, err := tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.ErrorIs(t, err, ipc.ErrNotStarted)
	var terr *ipc.TransportError
	require.ErrorAs(t, err, &terr)
	require.NoError(t, tr.Close(t.Context()))
}

func TestTransport_ExecError(t *testing.T) {
	t.Parallel()
	tr := ipc.New(ipc.Config{Command: ipc.Command{Path: "does not exist"}})
	err := tr.Start(t.Context())
	require.ErrorIs(t, err, ipc.ErrNotStarted)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, ipc.StateFailed, tr.State())
	require.NoError(t, tr.Close(t.Context()))
}

func TestTransport_StartupTimeout(t *testing.T) {
	t.Parallel()
	cfg := workerConfig(t, "silent")
	cfg.StartupTimeout = 200 * time.Millisecond
	tr := ipc.New(cfg)
	t.Cleanup(func() {
		require.NoError(t, tr.Close(context.Background()))
	})

	start := time.Now()
	err := tr.Start(t.Context())
	require.ErrorIs(t, err, ipc.ErrStartupTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, ipc.StateFailed, tr.State())

	_, err = tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.ErrorIs(t, err, ipc.ErrStartupTimeout)
}

func TestTransport_ExitBeforeReady(t *testing.T) {
	t.Parallel()
	tr := ipc.New(workerConfig(t, "exit-early"))
	t.Cleanup(func() {
		require.NoError(t, tr.Close(context.Background()))
	})
	err := tr.Start(t.Context())
	require.ErrorIs(t, err, ipc.ErrProcessExited)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.ExitCode())
	require.Equal(t, ipc.StateExited, tr.State())
}

func TestTransport_ProcessExited(t *testing.T) {
	t.Parallel()
	tr := start(t, workerConfig(t, "stderr"))

	_, err := tr.Send(t.Context(), ipc.Request{Command: "exit"})
	require.ErrorIs(t, err, ipc.ErrProcessExited)
	require.Eventually(t, func() bool {
		return tr.State() == ipc.StateExited
	}, 5*time.Second, 10*time.Millisecond)

	_, err = tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.ErrorIs(t, err, ipc.ErrProcessExited)

	require.NoError(t, tr.Restart(t.Context()))
	resp, err := tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
}

func TestTransport_CommandTimeout(t *testing.T) {
	t.Parallel()
	cfg := workerConfig(t, "echo")
	cfg.CommandTimeout = 100 * time.Millisecond
	tr := start(t, cfg)

	_, err := tr.Send(t.Context(), ipc.Request{Command: "slow"})
	require.ErrorIs(t, err, ipc.ErrCommandTimeout)
	require.Equal(t, ipc.StateFailed, tr.State())

	_, err = tr.Send(t.Context(), ipc.Request{Command: "ping"})
	require.ErrorIs(t, err, ipc.ErrCommandTimeout)
}

func TestTransport_ContextCancel(t *testing.T) {
	t.Parallel()
	tr := start(t, workerConfig(t, "echo"))

	// the slow request stays in flight, the queued one is abandoned
	slowDone := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), ipc.Request{Command: "slow"})
		slowDone <- err
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, ipc.Request{Command: "camera", Action: "abandoned"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, <-slowDone)
	resp, err := tr.Send(t.Context(), ipc.Request{Command: "camera", Action: "after"})
	require.NoError(t, err)
	var e echoed
	require.NoError(t, resp.Decode(&e))
	require.Equal(t, "after", e.Echo.Action)
}

func TestResponseDecode(t *testing.T) {
	t.Parallel()
	var empty ipc.Response
	require.Error(t, empty.Decode(&struct{}{}))
	require.NoError(t, empty.Err())

	raw, err := json.Marshal(map[string]any{"success": false})
	require.NoError(t, err)
	f := false
	resp := ipc.Response{Raw: raw, Success: &f}
	require.ErrorIs(t, resp.Err(), ipc.ErrWorker)
	require.EqualError(t, resp.Err(), "worker reported failure")
}
