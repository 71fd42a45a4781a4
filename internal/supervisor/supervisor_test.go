package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/devsup/internal/state"
)

func projectDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func viteApp(t *testing.T) string {
	return projectDir(t, map[string]string{
		"package.json": `{"scripts":{"dev":"vite"},"devDependencies":{"vite":"^5"}}`,
		"bun.lockb":    "",
	})
}

func announce(url string) func(*fakeProc) {
	return func(p *fakeProc) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			p.emit("  ➜  Local:   " + url + "/")
		}()
	}
}

func crashWith(code int) func(*fakeProc) {
	return func(p *fakeProc) {
		go func() {
			p.emit("Error: Cannot find module 'vite'")
			p.exit(code)
		}()
	}
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "want *Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, e.Message)
	return e
}

func TestFreshStatus(t *testing.T) {
	s := newTestSupervisor(t, testConfig(), newFakeSpawner(nil), nil)
	st := s.Status("/never/started")
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Nil(t, st.URL)
	assert.Nil(t, st.PID)
	assert.Nil(t, st.LastError)
	assert.Nil(t, st.LastExitCode)
}

func TestStartLowConfidenceNeedsConfiguration(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := projectDir(t, map[string]string{"package.json": `{"scripts":{"build":"tsc"}}`})
	events := record(s.Subscribe(dir))

	_, err := s.Start(context.Background(), dir, "")
	e := requireCode(t, err, CodeUnresolved)
	assert.True(t, e.NeedsConfiguration)
	assert.NotEmpty(t, e.Reasons)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sp.count(), "no process may be spawned")
	st := s.Status(dir)
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Nil(t, st.PID)
	assert.Equal(t, string(CodeUnresolved), st.ErrorCode)
	assert.Empty(t, events.exits())
}

func TestStartMediumConfidenceGate(t *testing.T) {
	dir := projectDir(t, map[string]string{"package.json": `{"scripts":{"start":"node server.js"}}`})

	sp := newFakeSpawner(announce("http://localhost:3000"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	_, err := s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeUnresolved)
	assert.Equal(t, 0, sp.count())

	cfg := testConfig()
	cfg.AllowMediumConfidence = true
	sp2 := newFakeSpawner(announce("http://localhost:3000"))
	s2 := newTestSupervisor(t, cfg, sp2, nil)
	res, err := s2.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", res.URL)
	assert.Equal(t, []string{"run", "start"}, sp2.lastSpec().Args)
}

func TestStartExplicitMissingScript(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := projectDir(t, map[string]string{"package.json": `{"scripts":{"build":"tsc"}}`})

	_, err := s.Start(context.Background(), dir, "npm run dev")
	e := requireCode(t, err, CodeUnresolved)
	assert.True(t, e.NeedsConfiguration)
	assert.Equal(t, 0, sp.count())
}

func TestStartExplicitBypassesConfidence(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:4000"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := projectDir(t, map[string]string{"README.md": "no manifest"})

	res, err := s.Start(context.Background(), dir, "./bin/serve --port 4000")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000", res.URL)
	spec := sp.lastSpec()
	assert.Equal(t, "./bin/serve", spec.Bin)
	assert.Equal(t, dir, spec.Dir)
}

func TestStartRunningStop(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)
	events := record(s.Subscribe(dir))

	res, err := s.Start(context.Background(), dir, "bun run dev")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", res.URL)
	assert.NotZero(t, res.PID)

	spec := sp.lastSpec()
	assert.Equal(t, "bun", spec.Bin)
	assert.Equal(t, []string{"run", "dev"}, spec.Args)

	st := s.Status(dir)
	assert.Equal(t, state.StatusRunning, st.Status)
	require.NotNil(t, st.URL)
	assert.Equal(t, "http://localhost:5173", *st.URL)
	require.NotNil(t, st.PID)
	assert.Equal(t, res.PID, *st.PID)

	require.NoError(t, s.Stop(context.Background(), dir))
	st = s.Status(dir)
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Nil(t, st.URL)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 143, *st.LastExitCode)

	require.Eventually(t, func() bool { return len(events.exits()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, events.exits()[0].Expected)
	assert.Equal(t, []string{"starting", "running", "stopped"}, events.statuses())
}

func TestStartResolvesWithoutExplicitCommand(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	rr, err := s.Resolve(dir)
	require.NoError(t, err)
	assert.False(t, rr.NeedsVerification)

	res, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", res.URL)
	assert.Equal(t, "bun", sp.lastSpec().Bin)
}

func TestStopIsIdempotent(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	assert.NoError(t, s.Stop(context.Background(), dir), "unknown project")
	_, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.NoError(t, s.Stop(context.Background(), dir))
	assert.NoError(t, s.Stop(context.Background(), dir))
	assert.Equal(t, state.StatusStopped, s.Status(dir).Status)
}

func TestCrashLoopTripsThenClearRearms(t *testing.T) {
	sp := newFakeSpawner(crashWith(1))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)
	events := record(s.Subscribe(dir))

	_, err := s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeCrashLoop)

	st := s.Status(dir)
	assert.Equal(t, state.StatusError, st.Status)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "crash loop")
	assert.Equal(t, string(CodeCrashLoop), st.ErrorCode)
	assert.Nil(t, st.PID)
	assert.Equal(t, 3, sp.count())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, sp.count(), "no auto-restart after the breaker trips")
	assert.Equal(t, 3, s.CrashCount(dir))
	for _, x := range events.exits() {
		assert.False(t, x.Expected)
	}

	s.ClearCrashHistory(dir)
	assert.Equal(t, 0, s.CrashCount(dir))

	sp.setOnSpawn(announce("http://localhost:5173"))
	res, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", res.URL)
	assert.Equal(t, state.StatusRunning, s.Status(dir).Status)
}

func TestStartWithoutClearRetripsImmediately(t *testing.T) {
	sp := newFakeSpawner(crashWith(2))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	_, err := s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeCrashLoop)
	before := sp.count()

	_, err = s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeCrashLoop)
	assert.Equal(t, before+1, sp.count(), "one attempt, then straight back to error")
}

func TestRecoversAfterSingleCrash(t *testing.T) {
	var mu sync.Mutex
	spawns := 0
	sp := newFakeSpawner(nil)
	sp.setOnSpawn(func(p *fakeProc) {
		mu.Lock()
		spawns++
		first := spawns == 1
		mu.Unlock()
		if first {
			crashWith(1)(p)
			return
		}
		announce("http://localhost:5173")(p)
	})
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	res, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", res.URL)
	assert.Equal(t, 2, sp.count())
	assert.Equal(t, 1, s.CrashCount(dir))
	st := s.Status(dir)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode, "exit code kept for diagnostics")
	assert.Nil(t, st.LastError)
}

func TestSpawnFailureDoesNotConsumeCrashBudget(t *testing.T) {
	sp := newFakeSpawner(nil)
	sp.err = errors.New(`exec: "bun": executable file not found in $PATH`)
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	_, err := s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeSpawnFailed)

	st := s.Status(dir)
	assert.Equal(t, state.StatusError, st.Status)
	assert.Equal(t, string(CodeSpawnFailed), st.ErrorCode)
	assert.Nil(t, st.PID)
	assert.Equal(t, 0, s.CrashCount(dir))
	assert.Equal(t, 1, sp.count(), "spawn failures are not retried")
}

func TestProbeFallbackSkipsBaselinePorts(t *testing.T) {
	sp := newFakeSpawner(nil)
	sc := &fakeScanner{
		before: map[int]bool{5173: true},
		open:   map[int]bool{5173: true, 3000: true},
	}
	s := newTestSupervisor(t, testConfig(), sp, sc)
	dir := viteApp(t)

	res, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", res.URL, "5173 was taken before spawn")
}

func TestOutputBeatsLaterProbe(t *testing.T) {
	sp := newFakeSpawner(func(p *fakeProc) {
		p.emit("  ➜  Local:   http://localhost:5174/")
	})
	sc := &fakeScanner{open: map[int]bool{3000: true}}
	cfg := testConfig()
	cfg.ProbeGraceMs = 2000
	s := newTestSupervisor(t, cfg, sp, sc)
	dir := viteApp(t)

	res, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5174", res.URL)
}

func TestConcurrentStartsJoin(t *testing.T) {
	sp := newFakeSpawner(func(p *fakeProc) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			p.emit("Local: http://localhost:5173 vite")
		}()
	})
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	var wg sync.WaitGroup
	results := make([]StartResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Start(context.Background(), dir, "")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, sp.count(), "duplicate starts must not spawn twice")
	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, "http://localhost:5173", results[i].URL)
	}
}

func TestStopDuringStartingCancelsDetection(t *testing.T) {
	sp := newFakeSpawner(nil)
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), dir, "")
		errc <- err
	}()

	var proc *fakeProc
	select {
	case proc = <-sp.spawned:
	case <-time.After(2 * time.Second):
		t.Fatal("process never spawned")
	}
	require.Eventually(t, func() bool { return s.Status(dir).PID != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), dir))
	requireCode(t, <-errc, CodeStartCanceled)

	// A banner arriving after the stop must not flip the state to running.
	proc.emit("  ➜  Local:   http://localhost:5173/")
	time.Sleep(50 * time.Millisecond)
	st := s.Status(dir)
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Nil(t, st.URL)
}

func TestDetectionTimeoutKeepsStarting(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeoutMs = 1000
	sp := newFakeSpawner(nil)
	s := newTestSupervisor(t, cfg, sp, nil)
	dir := viteApp(t)

	_, err := s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeDetectionTimeout)
	assert.Equal(t, state.StatusStarting, s.Status(dir).Status)
	assert.NotNil(t, s.Status(dir).PID)
}

func TestTerminationFailure(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	sp.stuck = true
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)

	_, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)

	err = s.Stop(context.Background(), dir)
	requireCode(t, err, CodeTerminationFailed)
	st := s.Status(dir)
	assert.Equal(t, state.StatusError, st.Status)
	assert.Equal(t, string(CodeTerminationFailed), st.ErrorCode)
	assert.NotNil(t, st.PID, "the process is still alive")

	_, err = s.Start(context.Background(), dir, "")
	requireCode(t, err, CodeTerminationFailed)
	assert.Equal(t, 1, sp.count(), "no second process while the first is alive")
}

func TestPathsAreIndependent(t *testing.T) {
	sp := newFakeSpawner(announce("http://localhost:5173"))
	s := newTestSupervisor(t, testConfig(), sp, nil)
	app := viteApp(t)
	other := viteApp(t)

	_, err := s.Start(context.Background(), app, "")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, s.Status(app).Status)
	assert.Equal(t, state.StatusStopped, s.Status(other).Status)
	assert.ElementsMatch(t, []string{Key(app)}, s.Paths())
}

func TestOutputEventsPublished(t *testing.T) {
	sp := newFakeSpawner(func(p *fakeProc) {
		p.emit("compiling")
		p.emit("  ➜  Local:   http://localhost:5173/")
	})
	s := newTestSupervisor(t, testConfig(), sp, nil)
	dir := viteApp(t)
	events := record(s.Subscribe(""))

	_, err := s.Start(context.Background(), dir, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n := 0
		for _, e := range events.snapshot() {
			if e.Type == EventOutput && e.Path == Key(dir) {
				n++
			}
		}
		return n == 2
	}, time.Second, 10*time.Millisecond)
}
