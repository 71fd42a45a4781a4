package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harshul/devsup/internal/config"
	"github.com/harshul/devsup/internal/process"
)

type fakeProc struct {
	pid int

	mu        sync.Mutex
	listeners map[int]func(process.Line)
	nextID    int
	backlog   []process.Line

	done        chan struct{}
	once        sync.Once
	code        int
	terminating atomic.Bool
	// stuck makes Terminate fail as if the process ignored SIGKILL.
	stuck bool
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, listeners: make(map[int]func(process.Line)), done: make(chan struct{})}
}

func (f *fakeProc) PID() int { return f.pid }

func (f *fakeProc) AddListener(fn func(process.Line)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.backlog {
		fn(l)
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeProc) emit(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := process.Line{Stream: process.Stdout, Text: text, Time: time.Now()}
	f.backlog = append(f.backlog, l)
	for _, fn := range f.listeners {
		fn(l)
	}
}

func (f *fakeProc) exit(code int) {
	f.once.Do(func() {
		f.code = code
		close(f.done)
	})
}

func (f *fakeProc) Done() <-chan struct{} { return f.done }

func (f *fakeProc) ExitCode() int {
	<-f.done
	return f.code
}

func (f *fakeProc) Terminating() bool { return f.terminating.Load() }

func (f *fakeProc) Terminate(ctx context.Context) (int, error) {
	f.terminating.Store(true)
	if f.stuck {
		return -1, process.ErrTerminationFailed
	}
	f.exit(143)
	return 143, nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	specs   []process.Spec
	procs   []*fakeProc
	err     error
	onSpawn func(*fakeProc)
	stuck   bool
	spawned chan *fakeProc
}

func newFakeSpawner(onSpawn func(*fakeProc)) *fakeSpawner {
	return &fakeSpawner{onSpawn: onSpawn, spawned: make(chan *fakeProc, 64)}
}

func (s *fakeSpawner) Spawn(spec process.Spec, _ process.Options) (Process, error) {
	s.mu.Lock()
	if s.err != nil {
		s.specs = append(s.specs, spec)
		s.mu.Unlock()
		return nil, s.err
	}
	p := newFakeProc(1000 + len(s.procs))
	p.stuck = s.stuck
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	onSpawn := s.onSpawn
	s.mu.Unlock()

	if onSpawn != nil {
		onSpawn(p)
	}
	select {
	case s.spawned <- p:
	default:
	}
	return p, nil
}

func (s *fakeSpawner) setOnSpawn(fn func(*fakeProc)) {
	s.mu.Lock()
	s.onSpawn = fn
	s.mu.Unlock()
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func (s *fakeSpawner) lastSpec() process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[len(s.specs)-1]
}

// fakeScanner reports before as open at baseline time and open during probes.
type fakeScanner struct {
	mu     sync.Mutex
	before map[int]bool
	open   map[int]bool
	probes int
}

func (f *fakeScanner) Probe(ctx context.Context, candidates []int, _ time.Duration) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	for _, p := range candidates {
		if f.open[p] {
			return p, true
		}
	}
	return 0, false
}

func (f *fakeScanner) OpenPorts(ctx context.Context, candidates []int, _ time.Duration) map[int]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]bool)
	for _, p := range candidates {
		if f.before[p] {
			out[p] = true
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		ProbeGraceMs:    1,
		ProbeIntervalMs: 250,
		RestartDelayMs:  1,
		StartTimeoutMs:  5000,
		CrashLoopMax:    3,
	}
}

func newTestSupervisor(t *testing.T, cfg config.Config, sp *fakeSpawner, sc *fakeScanner) *Supervisor {
	t.Helper()
	if sc == nil {
		sc = &fakeScanner{}
	}
	s := New(cfg, WithSpawner(sp), WithPortScanner(sc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// recorder collects events from a subscription.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(sub *Subscription) *recorder {
	r := &recorder{}
	go func() {
		for e := range sub.C {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) statuses() []string {
	var out []string
	for _, e := range r.snapshot() {
		if e.Type == EventState {
			s := string(e.State.Status)
			if len(out) == 0 || out[len(out)-1] != s {
				out = append(out, s)
			}
		}
	}
	return out
}

func (r *recorder) exits() []ExitInfo {
	var out []ExitInfo
	for _, e := range r.snapshot() {
		if e.Type == EventExit {
			out = append(out, *e.Exit)
		}
	}
	return out
}
