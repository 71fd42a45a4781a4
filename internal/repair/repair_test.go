package repair

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
)

func exitEvent(path string, code int, expected bool) supervisor.Event {
	return supervisor.Event{Type: supervisor.EventExit, Path: path, Exit: &supervisor.ExitInfo{Code: code, Expected: expected}}
}

func stateEvent(path string, st state.DevServerState) supervisor.Event {
	return supervisor.Event{Type: supervisor.EventState, Path: path, State: &st}
}

func withStatus(s state.Status, code supervisor.Code) state.DevServerState {
	p := state.Patch{}.WithStatus(s)
	if code != "" {
		p.ErrorCode = state.Set(string(code))
		p.LastError = state.Set("boom")
	}
	return state.New().Apply(p)
}

func TestPhaseTable(t *testing.T) {
	tests := []struct {
		phase    Phase
		terminal bool
		agent    bool
	}{
		{PhaseStarted, false, false},
		{PhaseReadingLog, false, true},
		{PhaseApplyingFix, false, true},
		{PhaseWroteFiles, false, true},
		{PhaseRecovered, true, false},
		{PhaseAborted, true, false},
		{PhaseExhausted, true, false},
		{PhaseFailedRequiresHuman, true, false},
	}
	for _, tt := range tests {
		assert.True(t, tt.phase.Valid(), tt.phase)
		assert.Equal(t, tt.terminal, tt.phase.Terminal(), tt.phase)
		assert.Equal(t, tt.agent, tt.phase.AgentDriven(), tt.phase)
	}
	assert.False(t, Phase("dancing").Valid())
}

func TestSessionLifecycle(t *testing.T) {
	tr := NewTracker(5)
	s := tr.Begin("/app", 1)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, PhaseStarted, s.Phase)
	assert.False(t, s.AgentEngaged)

	again := tr.Begin("/app", 2)
	assert.Equal(t, s.ID, again.ID, "a second crash extends the open session")
	assert.Equal(t, 2, again.Crashes)

	s, err := tr.Advance("/app", PhaseReadingLog, "")
	require.NoError(t, err)
	assert.True(t, s.AgentEngaged)

	s, err = tr.Advance("/app", PhaseRecovered, "http://localhost:5173")
	require.NoError(t, err)
	assert.False(t, s.EndedAt.IsZero())
	assert.True(t, s.AgentEngaged)

	_, ok := tr.Active("/app")
	assert.False(t, ok)
	hist := tr.History()
	require.Len(t, hist, 1)
	assert.Equal(t, s.ID, hist[0].ID)
	assert.Len(t, hist[0].Steps, 3)
}

func TestAdvanceErrors(t *testing.T) {
	tr := NewTracker(5)
	_, err := tr.Advance("/app", PhaseApplyingFix, "")
	assert.ErrorIs(t, err, ErrNoSession)

	tr.Begin("/app", 1)
	_, err = tr.Advance("/app", Phase("bogus"), "")
	assert.ErrorIs(t, err, ErrInvalidPhase)
	_, err = tr.Advance("/app", PhaseStarted, "")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestHistoryBoundedMostRecentFirst(t *testing.T) {
	tr := NewTracker(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	tr.now = func() time.Time { i++; return base.Add(time.Duration(i) * time.Second) }

	for n := 0; n < 5; n++ {
		path := fmt.Sprintf("/p%d", n)
		tr.Begin(path, 1)
		_, err := tr.Advance(path, PhaseAborted, "")
		require.NoError(t, err)
	}

	hist := tr.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "/p4", hist[0].Path)
	assert.Equal(t, "/p3", hist[1].Path)
	assert.Equal(t, "/p2", hist[2].Path)
}

func TestObserve(t *testing.T) {
	tests := []struct {
		name  string
		final supervisor.Event
		want  Phase
	}{
		{"recovered", stateEvent("/app", withStatus(state.StatusRunning, "")), PhaseRecovered},
		{"exhausted", stateEvent("/app", withStatus(state.StatusError, supervisor.CodeCrashLoop)), PhaseExhausted},
		{"spawn failure", stateEvent("/app", withStatus(state.StatusError, supervisor.CodeSpawnFailed)), PhaseFailedRequiresHuman},
		{"stopped", stateEvent("/app", withStatus(state.StatusStopped, "")), PhaseAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(5)
			tr.Observe(exitEvent("/app", 1, false))
			tr.Observe(stateEvent("/app", withStatus(state.StatusStarting, "")))

			s, ok := tr.Active("/app")
			require.True(t, ok)
			assert.Equal(t, PhaseStarted, s.Phase)

			tr.Observe(tt.final)
			_, ok = tr.Active("/app")
			assert.False(t, ok)
			hist := tr.History()
			require.Len(t, hist, 1)
			assert.Equal(t, tt.want, hist[0].Phase)
		})
	}
}

func TestObserveIgnoresExpectedExit(t *testing.T) {
	tr := NewTracker(5)
	tr.Observe(exitEvent("/app", 143, true))
	tr.Observe(stateEvent("/app", withStatus(state.StatusStopped, "")))
	assert.Empty(t, tr.ActiveAll())
	assert.Empty(t, tr.History())
}

func TestActiveAllSorted(t *testing.T) {
	tr := NewTracker(5)
	tr.Begin("/b", 1)
	tr.Begin("/a", 1)
	all := tr.ActiveAll()
	require.Len(t, all, 2)
	assert.Equal(t, "/a", all[0].Path)
	assert.Equal(t, "/b", all[1].Path)
}
