// Package supervisor runs one dev server per project path: it resolves the
// command, spawns it, detects the serving URL, restarts it after crashes up
// to a limit, and stops it within a bounded time.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/harshul/devsup/internal/analyzer"
	"github.com/harshul/devsup/internal/config"
	"github.com/harshul/devsup/internal/crashloop"
	"github.com/harshul/devsup/internal/keyed"
	"github.com/harshul/devsup/internal/ports"
	"github.com/harshul/devsup/internal/process"
	"github.com/harshul/devsup/internal/state"
)

// Process is the subset of *process.Handle the supervisor drives.
type Process interface {
	PID() int
	AddListener(fn func(process.Line)) (remove func())
	Done() <-chan struct{}
	ExitCode() int
	Terminating() bool
	Terminate(ctx context.Context) (int, error)
}

// Spawner starts processes.
type Spawner interface {
	Spawn(spec process.Spec, opts process.Options) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(spec process.Spec, opts process.Options) (Process, error)

func (f SpawnerFunc) Spawn(spec process.Spec, opts process.Options) (Process, error) {
	return f(spec, opts)
}

// OSSpawner starts real child processes.
var OSSpawner Spawner = SpawnerFunc(func(spec process.Spec, opts process.Options) (Process, error) {
	h, err := process.Spawn(spec, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
})

// PortScanner checks loopback ports.
type PortScanner interface {
	Probe(ctx context.Context, candidates []int, perPort time.Duration) (int, bool)
	OpenPorts(ctx context.Context, candidates []int, perPort time.Duration) map[int]bool
}

type tcpScanner struct{}

func (tcpScanner) Probe(ctx context.Context, candidates []int, perPort time.Duration) (int, bool) {
	return ports.Probe(ctx, candidates, perPort)
}

func (tcpScanner) OpenPorts(ctx context.Context, candidates []int, perPort time.Duration) map[int]bool {
	return ports.OpenPorts(ctx, candidates, perPort)
}

// Recorder receives lifecycle counts. See internal/metrics.
type Recorder interface {
	Transition(from, to state.Status)
	Detected(source string)
	Crash()
	BreakerTripped()
	SpawnFailed()
	TerminationFailed()
}

type nopRecorder struct{}

func (nopRecorder) Transition(_, _ state.Status) {}
func (nopRecorder) Detected(string)              {}
func (nopRecorder) Crash()                       {}
func (nopRecorder) BreakerTripped()              {}
func (nopRecorder) SpawnFailed()                 {}
func (nopRecorder) TerminationFailed()           {}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the process spawner.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithPortScanner replaces the TCP probe.
func WithPortScanner(ps PortScanner) Option {
	return func(s *Supervisor) { s.scanner = ps }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithEnv adds environment variables to every spawned process.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

// StartResult is what a successful Start returns.
type StartResult struct {
	URL string `json:"url"`
	PID int    `json:"pid"`
}

// ResolveResult is the resolver output plus whether the user should confirm it.
type ResolveResult struct {
	Plan              analyzer.ResolvedCommand `json:"plan"`
	NeedsVerification bool                     `json:"needsVerification"`
}

// Supervisor owns the DevServerState and crash history of every project it
// has started. All state mutation happens under mu.
type Supervisor struct {
	cfg      config.Config
	spawner  Spawner
	scanner  PortScanner
	recorder Recorder
	env      []string

	mu       sync.Mutex
	projects map[string]*project

	gens     keyed.Generations
	resolves keyed.Group[analyzer.ResolvedCommand]
	probes   keyed.Group[int]
	guard    *crashloop.Guard
	bus      *bus
}

// project is the per-path bookkeeping. Fields other than opMu are guarded
// by Supervisor.mu.
type project struct {
	path string
	// opMu serializes start, stop and restart for this path.
	opMu sync.Mutex

	state    state.DevServerState
	proc     Process
	run      *attempt
	stopping bool
	restart  *time.Timer
}

// attempt is one Start request's lifetime, spanning automatic restarts.
// Concurrent Starts join the same attempt.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	plan   plan

	done   chan struct{}
	once   sync.Once
	result StartResult
	err    error
}

func (a *attempt) finish(res StartResult, err error) {
	a.once.Do(func() {
		a.result = res
		a.err = err
		close(a.done)
	})
}

// plan is what launch needs to spawn a process.
type plan struct {
	command   analyzer.Command
	cwd       string
	preferred []int
}

// New creates a Supervisor. cfg is normalized first.
func New(cfg config.Config, opts ...Option) *Supervisor {
	cfg.Normalize()
	s := &Supervisor{
		cfg:      cfg,
		spawner:  OSSpawner,
		scanner:  tcpScanner{},
		recorder: nopRecorder{},
		projects: make(map[string]*project),
		guard:    crashloop.New(cfg.CrashLoopMax, cfg.CrashLoopWindow()),
		bus:      newBus(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the normalized configuration in use.
func (s *Supervisor) Config() config.Config {
	return s.cfg
}

// Key normalizes a project path into the supervisor's map key.
func Key(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func (s *Supervisor) project(key string) *project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[key]
	if !ok {
		p = &project{path: key, state: state.New()}
		s.projects[key] = p
	}
	return p
}

func (s *Supervisor) lookup(key string) (*project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[key]
	return p, ok
}

// Resolve infers the dev command for path. Concurrent calls for the same
// path share one filesystem scan; results are never cached.
func (s *Supervisor) Resolve(path string) (ResolveResult, error) {
	key := Key(path)
	rc, err, _ := s.resolves.Do(key, func() (analyzer.ResolvedCommand, error) {
		return analyzer.Resolve(key)
	})
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{Plan: rc, NeedsVerification: rc.NeedsVerification()}, nil
}

// Start launches the dev server for path and waits until its URL is
// detected, it fails, ctx ends, or the start timeout passes. An empty
// explicitCommand means resolve it. A Start while another is in flight for
// the same path joins that attempt.
func (s *Supervisor) Start(ctx context.Context, path, explicitCommand string) (StartResult, error) {
	key := Key(path)
	p := s.project(key)

	s.mu.Lock()
	stopping := p.stopping
	s.mu.Unlock()
	if stopping {
		return StartResult{}, newError(CodeAlreadyStopping, nil, "%s is stopping", key)
	}

	p.opMu.Lock()
	s.mu.Lock()
	switch p.state.Status {
	case state.StatusRunning:
		res := StartResult{URL: p.state.URLString(), PID: p.state.PIDValue()}
		s.mu.Unlock()
		p.opMu.Unlock()
		return res, nil
	case state.StatusStarting:
		if att := p.run; att != nil {
			s.mu.Unlock()
			p.opMu.Unlock()
			return s.await(ctx, att)
		}
	}
	if p.proc != nil {
		// A process that survived termination still owns this path.
		pid := p.proc.PID()
		s.mu.Unlock()
		p.opMu.Unlock()
		return StartResult{}, newError(CodeTerminationFailed, nil, "%s: pid %d is still alive", key, pid)
	}
	s.mu.Unlock()

	pl, err := s.plan(key, explicitCommand)
	if err != nil {
		s.mu.Lock()
		s.apply(p, state.Patch{
			URL:       state.Clear[string](),
			PID:       state.Clear[int](),
			LastError: state.Set(err.Error()),
			ErrorCode: state.Set(string(CodeOf(err))),
		}.WithStatus(state.StatusStopped))
		s.mu.Unlock()
		p.opMu.Unlock()
		log.WithField("project", key).WithError(err).Warn("dev command unresolved")
		return StartResult{}, err
	}

	attCtx, cancel := context.WithCancel(context.Background())
	att := &attempt{ctx: attCtx, cancel: cancel, plan: pl, done: make(chan struct{})}

	s.mu.Lock()
	if p.run != nil {
		p.run.cancel()
	}
	p.run = att
	s.apply(p, state.Patch{
		URL:       state.Clear[string](),
		LastError: state.Clear[string](),
		ErrorCode: state.Clear[string](),
	}.WithStatus(state.StatusStarting))
	s.mu.Unlock()

	log.WithFields(log.Fields{"project": key, "command": pl.command.String()}).Info("starting dev server")
	s.launch(p, att)
	p.opMu.Unlock()

	return s.await(ctx, att)
}

// plan resolves what to run. Errors are *Error with CodeUnresolved.
func (s *Supervisor) plan(key, explicit string) (plan, error) {
	pl := plan{cwd: key}
	rr, resolveErr := s.Resolve(key)

	if strings.TrimSpace(explicit) != "" {
		cmd, err := analyzer.ParseCommand(explicit)
		if err != nil {
			return pl, newError(CodeUnresolved, err, "invalid dev command %q", explicit)
		}
		if name := analyzer.ExtractScriptName(cmd); name != "" {
			scripts, ok := analyzer.Scripts(key)
			if !ok || strings.TrimSpace(scripts[name]) == "" {
				e := newError(CodeUnresolved, nil, "script %q not found in %s", name, filepath.Join(key, "package.json"))
				e.Reasons = []string{fmt.Sprintf("%q runs script %q", explicit, name)}
				return pl, e
			}
		}
		pl.command = cmd
		if resolveErr == nil {
			pl.preferred = rr.Plan.PreferredPorts()
		}
		return pl, nil
	}

	if resolveErr != nil {
		return pl, newError(CodeUnresolved, resolveErr, "could not resolve dev command for %s", key)
	}
	rc := rr.Plan
	allowed := rc.Confidence == analyzer.High ||
		(rc.Confidence == analyzer.Medium && s.cfg.AllowMediumConfidence)
	if !allowed {
		e := newError(CodeUnresolved, nil, "dev command for %s needs confirmation (confidence %s)", key, rc.Confidence)
		e.Reasons = rc.Reasons
		return pl, e
	}
	pl.command = rc.Command
	pl.preferred = rc.PreferredPorts()
	return pl, nil
}

func (s *Supervisor) await(ctx context.Context, att *attempt) (StartResult, error) {
	timer := time.NewTimer(s.cfg.StartTimeout())
	defer timer.Stop()
	select {
	case <-att.done:
		return att.result, att.err
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	case <-timer.C:
		return StartResult{}, newError(CodeDetectionTimeout, nil,
			"no URL detected within %s; still starting", s.cfg.StartTimeout())
	}
}

// launch spawns one process for att. Callers hold p.opMu.
func (s *Supervisor) launch(p *project, att *attempt) {
	tok := s.gens.Begin(p.path)
	fields := log.Fields{"project": p.path, "generation": tok.Gen}

	baseline := s.scanner.OpenPorts(att.ctx, ports.Order(att.plan.preferred, s.cfg.ProbePorts, nil), s.cfg.ProbeTimeout())
	order := ports.Order(att.plan.preferred, s.cfg.ProbePorts, baseline)
	if len(baseline) > 0 {
		log.WithFields(fields).Debugf("ports already in use before spawn: %v", sortedPorts(baseline))
	}

	cmd := att.plan.command
	proc, err := s.spawner.Spawn(process.Spec{
		Bin:  cmd.Bin,
		Args: cmd.Args,
		Dir:  att.plan.cwd,
		Env:  s.env,
	}, process.Options{
		KillTimeout:    s.cfg.KillTimeout(),
		ForceKillGrace: s.cfg.ForceKillGrace(),
		BacklogLines:   s.cfg.OutputBacklogLines,
	})

	s.mu.Lock()
	if err != nil {
		e := newError(CodeSpawnFailed, err, "failed to start %s", cmd.String())
		s.apply(p, state.Patch{
			URL:       state.Clear[string](),
			PID:       state.Clear[int](),
			LastError: state.Set(e.Error()),
			ErrorCode: state.Set(string(CodeSpawnFailed)),
		}.WithStatus(state.StatusError))
		s.mu.Unlock()
		s.recorder.SpawnFailed()
		log.WithFields(fields).WithError(err).Error("spawn failed")
		att.finish(StartResult{}, e)
		return
	}
	p.proc = proc
	s.apply(p, state.Patch{PID: state.Set(proc.PID())})
	s.mu.Unlock()

	fields["pid"] = proc.PID()
	log.WithFields(fields).Info("dev server process spawned")

	var detector ports.Detector
	proc.AddListener(func(l process.Line) {
		line := l
		s.bus.publish(Event{Type: EventOutput, Path: p.path, Line: &line, Time: l.Time})
		if c, changed := detector.Observe(l.Text); changed {
			s.detected(p, tok, att, c.URL, "output")
		}
	})

	go s.probeLoop(p, tok, att, proc, order)
	go s.watchExit(p, tok, att, proc)
}

// probeLoop waits probeGrace after spawn and then dials the candidate ports
// every probeInterval until a URL is known or the attempt ends.
func (s *Supervisor) probeLoop(p *project, tok keyed.Token, att *attempt, proc Process, order []int) {
	if len(order) == 0 {
		return
	}
	grace := time.NewTimer(s.cfg.ProbeGrace())
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-att.ctx.Done():
		return
	case <-proc.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.ProbeInterval())
	defer ticker.Stop()
	for {
		if !s.awaitingURL(p, tok) {
			return
		}
		port, err, _ := s.probes.Do(tok.String(), func() (int, error) {
			if port, ok := s.scanner.Probe(att.ctx, order, s.cfg.ProbeTimeout()); ok {
				return port, nil
			}
			return 0, nil
		})
		if err == nil && port > 0 {
			s.detected(p, tok, att, fmt.Sprintf("http://localhost:%d", port), "probe")
			return
		}
		select {
		case <-ticker.C:
		case <-att.ctx.Done():
			return
		case <-proc.Done():
			return
		}
	}
}

func (s *Supervisor) awaitingURL(p *project, tok keyed.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens.Valid(tok) && p.state.Status == state.StatusStarting
}

// detected applies a URL found by output or probe. Results from a stale
// generation or a canceled attempt are dropped.
func (s *Supervisor) detected(p *project, tok keyed.Token, att *attempt, url, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := log.Fields{"project": p.path, "url": url, "source": source, "generation": tok.Gen}

	if !s.gens.Valid(tok) || att.ctx.Err() != nil {
		log.WithFields(fields).Debug("discarding stale detection")
		return
	}
	switch p.state.Status {
	case state.StatusStarting:
		pid := p.state.PIDValue()
		if p.proc != nil {
			pid = p.proc.PID()
		}
		s.apply(p, state.Patch{URL: state.Set(url), PID: state.Set(pid)}.WithStatus(state.StatusRunning))
		s.recorder.Detected(source)
		log.WithFields(fields).Info("dev server running")
		att.finish(StartResult{URL: url, PID: pid}, nil)
	case state.StatusRunning:
		if source == "output" && p.state.URLString() != url {
			s.apply(p, state.Patch{URL: state.Set(url)})
			log.WithFields(fields).Info("dev server URL updated")
		}
	}
}

// watchExit reacts to the process ending. Exits during a stop are reported
// as expected; anything else counts toward the crash-loop breaker.
func (s *Supervisor) watchExit(p *project, tok keyed.Token, att *attempt, proc Process) {
	<-proc.Done()
	code := proc.ExitCode()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.proc == proc {
		p.proc = nil
	}
	fields := log.Fields{"project": p.path, "pid": proc.PID(), "code": code}

	expected := proc.Terminating() || !s.gens.Valid(tok)
	if expected {
		s.bus.publish(Event{Type: EventExit, Path: p.path, Exit: &ExitInfo{Code: code, Expected: true}})
		log.WithFields(fields).Debug("dev server exited after stop")
		if !p.stopping && p.state.PIDValue() == proc.PID() {
			// Late exit of a process whose termination was reported as failed.
			s.apply(p, state.Patch{
				URL:          state.Clear[string](),
				PID:          state.Clear[int](),
				LastExitCode: state.Set(code),
			}.WithStatus(state.StatusStopped))
		}
		return
	}

	// Invalidate detection still in flight for the dead process.
	s.gens.Begin(p.path)
	count := s.guard.Record(p.path)
	s.recorder.Crash()
	fields["crashes"] = count
	s.bus.publish(Event{Type: EventExit, Path: p.path, Exit: &ExitInfo{Code: code, CrashCount: count}})

	if count >= s.guard.Max() {
		msg := fmt.Sprintf("crash loop: exited %d times within %s (last exit code %d)", count, s.guard.Window(), code)
		s.apply(p, state.Patch{
			URL:          state.Clear[string](),
			PID:          state.Clear[int](),
			LastExitCode: state.Set(code),
			LastError:    state.Set(msg),
			ErrorCode:    state.Set(string(CodeCrashLoop)),
		}.WithStatus(state.StatusError))
		s.recorder.BreakerTripped()
		log.WithFields(fields).Error("crash-loop breaker tripped, not restarting")
		att.finish(StartResult{}, newError(CodeCrashLoop, nil, "%s", msg))
		return
	}

	s.apply(p, state.Patch{
		URL:          state.Clear[string](),
		PID:          state.Clear[int](),
		LastExitCode: state.Set(code),
		LastError:    state.Clear[string](),
		ErrorCode:    state.Clear[string](),
	}.WithStatus(state.StatusStarting))
	log.WithFields(fields).Warnf("dev server exited unexpectedly, restarting in %s", s.cfg.RestartDelay())

	p.restart = time.AfterFunc(s.cfg.RestartDelay(), func() {
		s.relaunch(p, att)
	})
}

func (s *Supervisor) relaunch(p *project, att *attempt) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s.mu.Lock()
	current := p.run == att && att.ctx.Err() == nil && p.state.Status == state.StatusStarting && p.proc == nil
	s.mu.Unlock()
	if !current {
		return
	}
	s.launch(p, att)
}

// Stop terminates the dev server for path. It is a no-op for a project that
// is not running. A process that survives the forceful kill leaves the
// project in error with CodeTerminationFailed.
func (s *Supervisor) Stop(ctx context.Context, path string) error {
	key := Key(path)
	p, ok := s.lookup(key)
	if !ok {
		return nil
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	s.mu.Lock()
	if p.state.Status == state.StatusStopped && p.proc == nil {
		s.mu.Unlock()
		return nil
	}
	p.stopping = true
	s.gens.Begin(key)
	if p.restart != nil {
		p.restart.Stop()
		p.restart = nil
	}
	att := p.run
	p.run = nil
	proc := p.proc
	s.mu.Unlock()

	if att != nil {
		att.cancel()
		att.finish(StartResult{}, newError(CodeStartCanceled, nil, "start of %s canceled by stop", key))
	}

	fields := log.Fields{"project": key}
	var (
		code int
		err  error
	)
	if proc != nil {
		fields["pid"] = proc.PID()
		log.WithFields(fields).Info("stopping dev server")
		code, err = proc.Terminate(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.stopping = false
	if err != nil {
		e := newError(CodeTerminationFailed, err, "could not terminate dev server for %s", key)
		s.apply(p, state.Patch{
			LastError: state.Set(e.Error()),
			ErrorCode: state.Set(string(CodeTerminationFailed)),
		}.WithStatus(state.StatusError))
		s.recorder.TerminationFailed()
		log.WithFields(fields).WithError(err).Error("termination failed, manual intervention required")
		return e
	}

	patch := state.Patch{URL: state.Clear[string](), PID: state.Clear[int]()}.WithStatus(state.StatusStopped)
	if proc != nil {
		patch.LastExitCode = state.Set(code)
		if p.proc == proc {
			p.proc = nil
		}
	}
	s.apply(p, patch)
	log.WithFields(fields).Info("dev server stopped")
	return nil
}

// Status returns a snapshot of path's state. Unknown paths are stopped.
func (s *Supervisor) Status(path string) state.DevServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[Key(path)]; ok {
		return p.state.Clone()
	}
	return state.New()
}

// Snapshot returns the state of every known project keyed by path.
func (s *Supervisor) Snapshot() map[string]state.DevServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]state.DevServerState, len(s.projects))
	for k, p := range s.projects {
		out[k] = p.state.Clone()
	}
	return out
}

// Paths lists known project paths, sorted.
func (s *Supervisor) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for k := range s.projects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CrashCount returns the unexpected exits for path inside the window.
func (s *Supervisor) CrashCount(path string) int {
	return s.guard.Count(Key(path))
}

// ClearCrashHistory resets path's crash-loop window so auto-restart re-arms.
func (s *Supervisor) ClearCrashHistory(path string) {
	key := Key(path)
	s.guard.Clear(key)
	s.bus.publish(Event{Type: EventCrashCleared, Path: key})
	log.WithField("project", key).Info("crash history cleared")
}

// Subscribe returns a stream of events for path, or for every project when
// path is empty.
func (s *Supervisor) Subscribe(path string) *Subscription {
	if path != "" {
		path = Key(path)
	}
	return s.bus.subscribe(path)
}

// Output returns buffered output lines for path's live process.
func (s *Supervisor) Output(path string) []process.Line {
	s.mu.Lock()
	p, ok := s.projects[Key(path)]
	var proc Process
	if ok {
		proc = p.proc
	}
	s.mu.Unlock()
	if b, ok := proc.(interface{ Backlog() []process.Line }); ok {
		return b.Backlog()
	}
	return nil
}

// Usage samples CPU and memory of path's live process.
func (s *Supervisor) Usage(path string) (process.Usage, error) {
	st := s.Status(path)
	if st.PID == nil {
		return process.Usage{}, fmt.Errorf("%s: no live process", Key(path))
	}
	return process.Sample(*st.PID)
}

// Shutdown stops every project in parallel under ctx and closes all
// subscriptions.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, path := range s.Paths() {
		g.Go(func() error { return s.Stop(ctx, path) })
	}
	err := g.Wait()
	s.bus.closeAll()
	return err
}

// apply merges patch into p's state and publishes the result. Callers hold mu.
func (s *Supervisor) apply(p *project, patch state.Patch) {
	prev := p.state.Status
	p.state = p.state.Apply(patch)
	if prev != p.state.Status {
		s.recorder.Transition(prev, p.state.Status)
		log.WithFields(log.Fields{"project": p.path, "from": prev, "to": p.state.Status}).Info("state transition")
	}
	snap := p.state.Clone()
	s.bus.publish(Event{Type: EventState, Path: p.path, State: &snap})
}

func sortedPorts(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
