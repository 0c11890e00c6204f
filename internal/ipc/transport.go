package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultStartupTimeout = 15 * time.Second
	DefaultCloseTimeout   = 2 * time.Second
)

var (
	ErrNotStarted     = errors.New("worker not started")
	ErrStartupTimeout = errors.New("worker startup timeout")
	ErrProcessExited  = errors.New("worker process exited")
	ErrCommandTimeout = errors.New("command timeout")
	ErrClosed         = errors.New("transport closed")
	ErrAlreadyStarted = errors.New("transport already started")
)

// TransportError reports why the transport can not deliver a request.
// Reason is one of the Err* sentinels, Err an optional cause.
type TransportError struct {
	Reason error
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "ipc: " + e.Reason.Error() + ": " + e.Err.Error()
	}
	return "ipc: " + e.Reason.Error()
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateFailed
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Command struct {
	Path string
	Args []string
	// Env is appended to the environment of the current process.
	Env []string
	Dir string
}

type Config struct {
	Command        Command
	StartupTimeout time.Duration // DefaultStartupTimeout when zero
	CommandTimeout time.Duration // zero disables the per command timeout
	CloseTimeout   time.Duration // DefaultCloseTimeout when zero
}

type result struct {
	resp Response
	err  error
}

type call struct {
	req  Request
	line []byte
	done chan result
}

type observer struct {
	id int
	fn func(Message)
}

// Transport talks to a long running worker process over its stdin and stdout.
// Requests are queued FIFO and only one is written to the worker at a time;
// the next DATA line resolves it.
type Transport struct {
	cfg Config

	mx           sync.Mutex
	state        State
	failure      error
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	exited       chan struct{}
	inflight     *call
	queue        []*call
	observers    []observer
	nextObserver int

	wg sync.WaitGroup
}

func New(cfg Config) *Transport {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) State() State {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.state
}

// Start spawns the worker and blocks until it reports readiness, the startup
// timeout elapses, the worker exits or ctx is done. Requests sent while
// starting are queued and written once the worker is ready.
func (t *Transport) Start(ctx context.Context) error {
	proto := t.cfg.Command
	t.mx.Lock()
	if t.state == StateStarting || t.state == StateReady {
		t.mx.Unlock()
		return ErrAlreadyStarted
	}
	t.mx.Unlock()
	// goroutines of a previous process
	t.wg.Wait()

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Dir = proto.Dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	ready := make(chan struct{})
	exited := make(chan struct{})

	t.mx.Lock()
	if err := cmd.Start(); err != nil {
		t.state = StateFailed
		t.failure = &TransportError{Reason: ErrNotStarted, Err: err}
		t.mx.Unlock()
		return t.failure
	}
	t.state = StateStarting
	t.failure = nil
	t.cmd = cmd
	t.stdin = stdin
	t.exited = exited
	t.mx.Unlock()

	slog.DebugContext(ctx, "worker started", "path", proto.Path, "args", proto.Args, "pid", cmd.Process.Pid)

	bg := context.WithoutCancel(ctx)
	t.wg.Go(func() {
		t.run(bg, cmd, stdout, stderr, ready, exited)
	})

	timer := time.NewTimer(t.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		slog.DebugContext(ctx, "worker ready", "pid", cmd.Process.Pid)
		return nil
	case <-exited:
		t.mx.Lock()
		defer t.mx.Unlock()
		return t.failure
	case <-timer.C:
		err := &TransportError{Reason: ErrStartupTimeout, Err: fmt.Errorf("no ready signal within %s", t.cfg.StartupTimeout)}
		t.fail(ctx, err)
		return err
	case <-ctx.Done():
		err := &TransportError{Reason: ErrNotStarted, Err: ctx.Err()}
		t.fail(ctx, err)
		return err
	}
}

// Restart closes a running or failed worker and starts a new one.
func (t *Transport) Restart(ctx context.Context) error {
	if err := t.Close(ctx); err != nil {
		return err
	}
	return t.Start(ctx)
}

// Send writes req to the worker and waits for its DATA response. A DATA
// payload with success=false is returned as a Response, see Response.Err.
func (t *Transport) Send(ctx context.Context, req Request) (Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request %s: %w", req, err)
	}
	c := &call{
		req:  req,
		line: append(line, '\n'),
		done: make(chan result, 1),
	}

	t.mx.Lock()
	if t.state != StateStarting && t.state != StateReady {
		err := t.unavailableLocked()
		t.mx.Unlock()
		return Response{}, err
	}
	t.queue = append(t.queue, c)
	next, w := t.nextLocked()
	t.mx.Unlock()
	t.write(ctx, next, w)

	var timeout <-chan time.Time
	if t.cfg.CommandTimeout > 0 {
		timer := time.NewTimer(t.cfg.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		t.abandon(c)
		return Response{}, ctx.Err()
	case <-timeout:
		err := &TransportError{Reason: ErrCommandTimeout, Err: fmt.Errorf("%s did not respond within %s", req, t.cfg.CommandTimeout)}
		t.fail(ctx, err)
		return Response{}, err
	}
}

// Subscribe registers fn for every message read from the worker, including
// DATA. fn runs on the reader goroutine and must not block.
func (t *Transport) Subscribe(fn func(Message)) (unsubscribe func()) {
	t.mx.Lock()
	id := t.nextObserver
	t.nextObserver++
	t.observers = append(t.observers, observer{id: id, fn: fn})
	t.mx.Unlock()

	return func() {
		t.mx.Lock()
		defer t.mx.Unlock()
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

// Close rejects pending requests, closes the worker stdin and waits for it to
// exit. The worker is killed when it does not exit within the close timeout.
func (t *Transport) Close(ctx context.Context) error {
	t.mx.Lock()
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.state = StateStopped
	t.failure = &TransportError{Reason: ErrClosed}
	pending := t.drainLocked()
	failure := t.failure
	t.mx.Unlock()

	reject(pending, failure)
	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	timer := time.NewTimer(t.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		slog.WarnContext(ctx, "worker did not exit in time: killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) run(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, ready, exited chan struct{}) {
	var g errgroup.Group
	g.Go(func() error {
		t.processStdout(ctx, stdout, ready)
		return nil
	})
	g.Go(func() error {
		t.processStderr(ctx, stderr)
		return nil
	})
	_ = g.Wait()

	// pipes are drained, it is now safe to wait
	err := cmd.Wait()
	t.handleExit(ctx, cmd, err)
	close(exited)
}

func (t *Transport) processStdout(ctx context.Context, stdout io.Reader, ready chan struct{}) {
	var dec Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, m := range dec.Feed(buf[:n]) {
				t.dispatch(ctx, m, ready)
			}
		}
		if err != nil {
			if m, ok := dec.Flush(); ok {
				t.dispatch(ctx, m, ready)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(ctx, "reading worker stdout", "error", err)
			}
			return
		}
	}
}

func (t *Transport) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.DebugContext(ctx, "worker stderr", "line", scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (t *Transport) dispatch(ctx context.Context, m Message, ready chan struct{}) {
	t.notify(m)
	switch m.Kind {
	case KindStatus:
		slog.DebugContext(ctx, "worker status", "status", m.Payload)
		if m.Payload == ReadyPayload {
			t.markReady(ctx, ready)
		}
	case KindWarning:
		slog.WarnContext(ctx, "worker warning", "warning", m.Payload)
	case KindError:
		slog.WarnContext(ctx, "worker error", "error", m.Payload)
	case KindData:
		t.resolve(ctx, m.Payload)
	case KindFrame:
	default:
		slog.DebugContext(ctx, "unrecognized worker output", "line", m.Payload)
	}
}

func (t *Transport) notify(m Message) {
	t.mx.Lock()
	fns := make([]func(Message), 0, len(t.observers))
	for _, o := range t.observers {
		fns = append(fns, o.fn)
	}
	t.mx.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (t *Transport) markReady(ctx context.Context, ready chan struct{}) {
	t.mx.Lock()
	if t.state != StateStarting {
		t.mx.Unlock()
		return
	}
	t.state = StateReady
	close(ready)
	next, w := t.nextLocked()
	t.mx.Unlock()
	t.write(ctx, next, w)
}

func (t *Transport) resolve(ctx context.Context, payload string) {
	resp, err := parseResponse(payload)

	t.mx.Lock()
	c := t.inflight
	if c == nil {
		t.mx.Unlock()
		slog.WarnContext(ctx, "unsolicited DATA from worker: dropping", "payload", payload)
		return
	}
	t.inflight = nil
	next, w := t.nextLocked()
	t.mx.Unlock()

	c.done <- result{resp: resp, err: err}
	t.write(ctx, next, w)
}

// nextLocked promotes the oldest queued call to in flight when possible.
func (t *Transport) nextLocked() (*call, io.Writer) {
	if t.state != StateReady || t.inflight != nil || len(t.queue) == 0 {
		return nil, nil
	}
	c := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	t.inflight = c
	return c, t.stdin
}

func (t *Transport) write(ctx context.Context, c *call, w io.Writer) {
	if c == nil {
		return
	}
	slog.DebugContext(ctx, "sending command", "command", c.req.String())
	if _, err := w.Write(c.line); err != nil {
		t.fail(ctx, &TransportError{Reason: ErrProcessExited, Err: err})
	}
}

func (t *Transport) abandon(c *call) {
	t.mx.Lock()
	defer t.mx.Unlock()
	for i, q := range t.queue {
		if q == c {
			t.queue = append(t.queue[:i:i], t.queue[i+1:]...)
			return
		}
	}
	// an in flight call stays in place, its response is consumed and dropped
}

// fail moves the transport to StateFailed, rejects everything pending with err
// and kills the worker.
func (t *Transport) fail(ctx context.Context, err error) {
	t.mx.Lock()
	if t.state != StateStarting && t.state != StateReady {
		t.mx.Unlock()
		return
	}
	t.state = StateFailed
	t.failure = err
	pending := t.drainLocked()
	cmd := t.cmd
	t.mx.Unlock()

	slog.ErrorContext(ctx, "worker transport failed", "error", err)
	reject(pending, err)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (t *Transport) handleExit(ctx context.Context, cmd *exec.Cmd, waitErr error) {
	t.mx.Lock()
	if t.cmd != cmd {
		t.mx.Unlock()
		return
	}
	var pending []*call
	if t.state == StateStarting || t.state == StateReady {
		t.state = StateExited
		t.failure = &TransportError{Reason: ErrProcessExited, Err: waitErr}
		pending = t.drainLocked()
	}
	failure := t.failure
	t.mx.Unlock()

	slog.DebugContext(ctx, "worker exited", "pid", cmd.Process.Pid, "state", cmd.ProcessState.String())
	reject(pending, failure)
}

func (t *Transport) drainLocked() []*call {
	pending := t.queue
	if t.inflight != nil {
		pending = append([]*call{t.inflight}, pending...)
	}
	t.inflight = nil
	t.queue = nil
	return pending
}

func (t *Transport) unavailableLocked() error {
	if t.failure != nil {
		return t.failure
	}
	return &TransportError{Reason: ErrNotStarted}
}

func reject(calls []*call, err error) {
	for _, c := range calls {
		c.done <- result{err: err}
	}
}
