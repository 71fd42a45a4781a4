// Package repair keeps bookkeeping for automated repair attempts that
// follow an unexpected dev server exit.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
)

// Phase is a step of a repair session.
type Phase string

const (
	PhaseStarted             Phase = "started"
	PhaseReadingLog          Phase = "reading-log"
	PhaseApplyingFix         Phase = "applying-fix"
	PhaseWroteFiles          Phase = "wrote-files"
	PhaseRecovered           Phase = "recovered"
	PhaseAborted             Phase = "aborted"
	PhaseExhausted           Phase = "exhausted"
	PhaseFailedRequiresHuman Phase = "failed-requires-human"
)

var phases = map[Phase]struct {
	terminal bool
	agent    bool
}{
	PhaseStarted:             {},
	PhaseReadingLog:          {agent: true},
	PhaseApplyingFix:         {agent: true},
	PhaseWroteFiles:          {agent: true},
	PhaseRecovered:           {terminal: true},
	PhaseAborted:             {terminal: true},
	PhaseExhausted:           {terminal: true},
	PhaseFailedRequiresHuman: {terminal: true},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phases[p]
	return ok
}

// Terminal reports whether p ends a session.
func (p Phase) Terminal() bool { return phases[p].terminal }

// AgentDriven reports whether reaching p means an agent took part.
func (p Phase) AgentDriven() bool { return phases[p].agent }

var (
	ErrNoSession    = errors.New("no active repair session")
	ErrInvalidPhase = errors.New("invalid repair phase")
)

// Step is one recorded phase change.
type Step struct {
	Phase Phase     `json:"phase"`
	Note  string    `json:"note,omitempty"`
	Time  time.Time `json:"time"`
}

// Session is one repair attempt for a project.
type Session struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Phase        Phase     `json:"phase"`
	AgentEngaged bool      `json:"agentEngaged"`
	ExitCode     int       `json:"exitCode"`
	Crashes      int       `json:"crashes"`
	Steps        []Step    `json:"steps"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
}

func (s *Session) clone() Session {
	out := *s
	out.Steps = append([]Step(nil), s.Steps...)
	return out
}

// DefaultHistory is the number of finished sessions kept when none is given.
const DefaultHistory = 20

// Tracker holds the active session per path and a bounded history of
// finished sessions, most recent first.
type Tracker struct {
	mu      sync.Mutex
	active  map[string]*Session
	history []Session
	limit   int
	now     func() time.Time
}

// NewTracker creates a tracker keeping at most limit finished sessions.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Tracker{
		active: make(map[string]*Session),
		limit:  limit,
		now:    time.Now,
	}
}

// Begin opens a session for path, or counts another crash against the
// session already open.
func (t *Tracker) Begin(path string, exitCode int) Session {
	path = supervisor.Key(path)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if s, ok := t.active[path]; ok {
		s.ExitCode = exitCode
		s.Crashes++
		return s.clone()
	}
	s := &Session{
		ID:        uuid.NewString(),
		Path:      path,
		Phase:     PhaseStarted,
		ExitCode:  exitCode,
		Crashes:   1,
		Steps:     []Step{{Phase: PhaseStarted, Time: now}},
		StartedAt: now,
	}
	t.active[path] = s
	log.WithFields(log.Fields{"project": path, "session": s.ID, "code": exitCode}).Info("repair session started")
	return s.clone()
}

// Advance moves path's session to phase. A terminal phase closes the
// session and moves it into history.
func (t *Tracker) Advance(path string, phase Phase, note string) (Session, error) {
	if !phase.Valid() || phase == PhaseStarted {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	path = supervisor.Key(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[path]
	if !ok {
		return Session{}, ErrNoSession
	}

	now := t.now()
	s.Phase = phase
	s.Steps = append(s.Steps, Step{Phase: phase, Note: note, Time: now})
	if phase.AgentDriven() {
		s.AgentEngaged = true
	}
	fields := log.Fields{"project": path, "session": s.ID, "phase": phase}
	if !phase.Terminal() {
		log.WithFields(fields).Debug("repair phase")
		return s.clone(), nil
	}

	s.EndedAt = now
	delete(t.active, path)
	done := s.clone()
	t.history = append([]Session{done}, t.history...)
	if len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
	log.WithFields(fields).Info("repair session ended")
	return done.clone(), nil
}

// Active returns path's open session.
func (t *Tracker) Active(path string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[supervisor.Key(path)]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// ActiveAll returns every open session ordered by path.
func (t *Tracker) ActiveAll() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// History returns finished sessions, most recent first.
func (t *Tracker) History() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, len(t.history))
	for i := range t.history {
		out[i] = t.history[i].clone()
	}
	return out
}

// Observe updates sessions from one supervisor event.
//
//   - an unexpected exit opens (or extends) a session
//   - a crash-loop error ends it exhausted
//   - a termination or spawn failure ends it failed-requires-human
//   - reaching running ends it recovered
//   - a stop while a session is open ends it aborted
func (t *Tracker) Observe(e supervisor.Event) {
	switch e.Type {
	case supervisor.EventExit:
		if e.Exit != nil && !e.Exit.Expected {
			t.Begin(e.Path, e.Exit.Code)
		}
	case supervisor.EventState:
		if e.State == nil {
			return
		}
		if phase, note, ok := outcome(*e.State); ok {
			if _, err := t.Advance(e.Path, phase, note); err != nil && !errors.Is(err, ErrNoSession) {
				log.WithError(err).Warn("repair: cannot advance session")
			}
		}
	}
}

func outcome(st state.DevServerState) (Phase, string, bool) {
	switch st.Status {
	case state.StatusRunning:
		return PhaseRecovered, st.URLString(), true
	case state.StatusStopped:
		return PhaseAborted, "stopped", true
	case state.StatusError:
		note := ""
		if st.LastError != nil {
			note = *st.LastError
		}
		if st.ErrorCode == string(supervisor.CodeCrashLoop) {
			return PhaseExhausted, note, true
		}
		return PhaseFailedRequiresHuman, note, true
	}
	return "", "", false
}

// Follow feeds every event from sub into Observe until ctx is done or the
// subscription closes.
func (t *Tracker) Follow(ctx context.Context, sub *supervisor.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			t.Observe(e)
		}
	}
}
