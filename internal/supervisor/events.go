package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harshul/devsup/internal/process"
	"github.com/harshul/devsup/internal/state"
)

// EventType names what an Event carries.
type EventType string

const (
	EventState        EventType = "state"
	EventOutput       EventType = "output"
	EventExit         EventType = "exit"
	EventCrashCleared EventType = "crash-cleared"
)

// ExitInfo describes one process exit.
type ExitInfo struct {
	Code int `json:"code"`
	// Expected is true when the exit followed a stop request.
	Expected bool `json:"expected"`
	// CrashCount is the number of unexpected exits inside the crash-loop window.
	CrashCount int `json:"crashCount,omitempty"`
}

// Event is one entry on the supervisor's stream. Exactly one of State, Line
// and Exit is set, matching Type.
type Event struct {
	Type  EventType             `json:"type"`
	Path  string                `json:"path"`
	Time  time.Time             `json:"time"`
	State *state.DevServerState `json:"state,omitempty"`
	Line  *process.Line         `json:"line,omitempty"`
	Exit  *ExitInfo             `json:"exit,omitempty"`
}

// Subscription delivers events in publish order. Events queue without
// bound, so a slow reader never blocks the supervisor or loses events.
type Subscription struct {
	ID string
	C  <-chan Event

	bus    *bus
	out    chan Event
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	path   string
}

// Close stops delivery and releases the subscription.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.bus.remove(sub.ID)
		close(sub.closed)
	})
}

func (sub *Subscription) push(e Event) {
	if sub.path != "" && sub.path != e.Path {
		return
	}
	sub.mu.Lock()
	sub.queue = append(sub.queue, e)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) run() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, e := range pending {
			select {
			case sub.out <- e:
			case <-sub.closed:
				return
			}
		}
		select {
		case <-sub.wake:
		case <-sub.closed:
			return
		}
	}
}

type bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newBus() *bus {
	return &bus{subs: make(map[string]*Subscription)}
}

// subscribe registers a subscriber. An empty path receives every project.
func (b *bus) subscribe(path string) *Subscription {
	out := make(chan Event)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      out,
		bus:    b,
		out:    out,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		path:   path,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	go sub.run()
	return sub
}

func (b *bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *bus) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(e)
	}
}

func (b *bus) closeAll() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}
