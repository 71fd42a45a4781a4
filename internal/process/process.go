// Package process owns one child process: its output streams and an
// escalating termination routine.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTerminationFailed means the process survived both the graceful and
// the forceful signal.
var ErrTerminationFailed = errors.New("process did not exit after forceful kill")

// Spec describes what to run.
type Spec struct {
	Bin  string
	Args []string
	Dir  string
	// Env is appended to the parent environment.
	Env []string
}

// Options bounds termination and output buffering.
type Options struct {
	KillTimeout    time.Duration
	ForceKillGrace time.Duration
	BacklogLines   int
}

func (o Options) withDefaults() Options {
	if o.KillTimeout <= 0 {
		o.KillTimeout = 5 * time.Second
	}
	if o.ForceKillGrace <= 0 {
		o.ForceKillGrace = 2 * time.Second
	}
	if o.BacklogLines <= 0 {
		o.BacklogLines = 500
	}
	return o
}

// Handle is a live (or exited) child process.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	opts Options

	backlog *Backlog

	// dispatch serializes delivery so replay and live lines never interleave.
	dispatch  sync.Mutex
	listeners map[int]func(Line)
	nextID    int

	done     chan struct{}
	exitCode int
	exitErr  error

	terminating atomic.Bool
	termOnce    sync.Once
	termDone    chan struct{}
	termCode    int
	termErr     error

	outputDone sync.WaitGroup
}

// Spawn starts spec in its own process group. Output is captured from the
// moment the process starts; lines emitted before any listener is attached
// are kept in the backlog and replayed.
func Spawn(spec Spec, opts Options) (*Handle, error) {
	if spec.Bin == "" {
		return nil, errors.New("spawn: empty command")
	}
	opts = opts.withDefaults()

	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setSysProcAttr(cmd)

	// os.Pipe instead of StdoutPipe: Wait must not block on grandchildren that
	// inherited the write end.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Bin, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Bin, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Bin, err)
	}
	outW.Close()
	errW.Close()

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		opts:      opts,
		backlog:   NewBacklog(opts.BacklogLines),
		listeners: make(map[int]func(Line)),
		done:      make(chan struct{}),
		termDone:  make(chan struct{}),
	}

	h.outputDone.Add(2)
	go func() {
		defer h.outputDone.Done()
		defer outR.Close()
		pump(outR, Stdout, h.emit)
	}()
	go func() {
		defer h.outputDone.Done()
		defer errR.Close()
		pump(errR, Stderr, h.emit)
	}()
	go h.wait()

	log.WithFields(log.Fields{"pid": h.pid, "bin": spec.Bin, "dir": spec.Dir}).Debug("process started")
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitCode = exitCode(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.exitErr = err
	}
	close(h.done)
	log.WithFields(log.Fields{"pid": h.pid, "code": h.exitCode}).Debug("process exited")
}

func (h *Handle) emit(l Line) {
	h.dispatch.Lock()
	defer h.dispatch.Unlock()
	h.backlog.Append(l)
	for _, fn := range h.listeners {
		fn(l)
	}
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// AddListener replays the backlog to fn and then delivers every new line.
// fn runs on the output goroutine and must not block.
func (h *Handle) AddListener(fn func(Line)) (remove func()) {
	h.dispatch.Lock()
	defer h.dispatch.Unlock()
	for _, l := range h.backlog.All() {
		fn(l)
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.dispatch.Lock()
		delete(h.listeners, id)
		h.dispatch.Unlock()
	}
}

// Backlog returns the buffered output.
func (h *Handle) Backlog() []Line {
	return h.backlog.All()
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is valid after Done is closed. Signaled processes report 128+signal.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// WaitErr is any error from waiting other than a non-zero exit.
func (h *Handle) WaitErr() error {
	<-h.done
	return h.exitErr
}

// OutputDrained is closed once both pipes hit EOF. Grandchildren holding the
// pipes can delay this past Done.
func (h *Handle) OutputDrained() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		h.outputDone.Wait()
		close(ch)
	}()
	return ch
}

// Terminating reports whether Terminate has been called.
func (h *Handle) Terminating() bool {
	return h.terminating.Load()
}

// Terminate sends a graceful signal to the process group, waits up to the
// kill timeout, then force kills. It returns once the process is reaped, or
// ErrTerminationFailed if it is still alive after the force-kill grace.
// Concurrent calls share one escalation. Canceling ctx skips straight to the
// forceful signal.
func (h *Handle) Terminate(ctx context.Context) (int, error) {
	h.terminating.Store(true)
	h.termOnce.Do(func() {
		go h.escalate(ctx)
	})
	<-h.termDone
	return h.termCode, h.termErr
}

func (h *Handle) escalate(ctx context.Context) {
	defer close(h.termDone)
	fields := log.Fields{"pid": h.pid}

	if h.Exited() {
		h.finish()
		return
	}

	if err := signalGroup(h.pid, false); err != nil {
		log.WithFields(fields).WithError(err).Debug("graceful signal failed")
	}

	timer := time.NewTimer(h.opts.KillTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		h.finish()
		return
	case <-timer.C:
		log.WithFields(fields).Warnf("process ignored graceful stop for %s, force killing", h.opts.KillTimeout)
	case <-ctx.Done():
		log.WithFields(fields).Debug("termination hurried, force killing")
	}

	if err := signalGroup(h.pid, true); err != nil {
		log.WithFields(fields).WithError(err).Debug("forceful group signal failed")
	}
	_ = h.cmd.Process.Kill()

	grace := time.NewTimer(h.opts.ForceKillGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		h.finish()
	case <-grace.C:
		h.termCode = -1
		h.termErr = fmt.Errorf("pid %d: %w", h.pid, ErrTerminationFailed)
		log.WithFields(fields).Error("process survived forceful kill")
	}
}

// finish records the exit and kills anything left in the process group.
func (h *Handle) finish() {
	h.termCode = h.exitCode
	sweepGroup(h.pid)
}
