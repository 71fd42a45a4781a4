// Package registry fans per-project dev server state out to observers
// (tabs). Several observers may watch one path; each sees the same
// DevServerState plus its own observer-level fields.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harshul/devsup/internal/keyed"
	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
)

// ErrUnknownObserver is returned for an id that was never bound or was unbound.
var ErrUnknownObserver = errors.New("unknown observer")

// ObserverFields are derived values shown by an observer that the
// supervisor does not own.
type ObserverFields struct {
	PreviewURL *string `json:"previewUrl"`
}

// ObserverPatch updates ObserverFields for every observer of a path.
type ObserverPatch struct {
	PreviewURL state.Optional[string]
}

func (f ObserverFields) apply(p ObserverPatch) ObserverFields {
	if p.PreviewURL.Present() {
		f.PreviewURL = nil
		if v := p.PreviewURL.Value(); v != nil {
			s := *v
			f.PreviewURL = &s
		}
	}
	return f
}

// View is what one observer renders.
type View struct {
	ObserverID string               `json:"observerId"`
	Path       string               `json:"path"`
	Active     bool                 `json:"active"`
	Dev        state.DevServerState `json:"dev"`
	Fields     ObserverFields       `json:"fields"`
}

// Notify receives a fresh view whenever an observer's path changes.
// It is called without registry locks held.
type Notify func(View)

type observer struct {
	id     string
	path   string
	fields ObserverFields
	notify Notify
}

// Registry maps project paths to state and observers to paths.
type Registry struct {
	mu        sync.Mutex
	states    map[string]state.DevServerState
	observers map[string]*observer
	active    string

	refresh keyed.Latest[state.DevServerState]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		states:    make(map[string]state.DevServerState),
		observers: make(map[string]*observer),
	}
}

// Bind attaches a new observer to path and returns its id. The observer is
// notified once with the current view.
func (r *Registry) Bind(path string, notify Notify) string {
	path = supervisor.Key(path)
	o := &observer{id: uuid.NewString(), path: path, notify: notify}

	r.mu.Lock()
	r.observers[o.id] = o
	v := r.viewLocked(o)
	r.mu.Unlock()

	log.WithFields(log.Fields{"observer": o.id, "project": path}).Debug("observer bound")
	if notify != nil {
		notify(v)
	}
	return o.id
}

// Rebind moves an observer to another path. Pending refreshes for the
// observer are discarded.
func (r *Registry) Rebind(id, path string) error {
	path = supervisor.Key(path)

	r.mu.Lock()
	o, ok := r.observers[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownObserver
	}
	o.path = path
	o.fields = ObserverFields{}
	v := r.viewLocked(o)
	r.mu.Unlock()

	r.refresh.Invalidate(id)
	if o.notify != nil {
		o.notify(v)
	}
	return nil
}

// Unbind removes an observer.
func (r *Registry) Unbind(id string) {
	r.mu.Lock()
	delete(r.observers, id)
	if r.active == id {
		r.active = ""
	}
	r.mu.Unlock()
	r.refresh.Invalidate(id)
}

// UpdateForProject merges patch into path's state and notifies every
// observer of that path. Fields absent from patch keep their value.
func (r *Registry) UpdateForProject(path string, patch state.Patch) state.DevServerState {
	path = supervisor.Key(path)

	r.mu.Lock()
	next := r.stateLocked(path).Apply(patch)
	r.states[path] = next
	views := r.viewsLocked(path)
	r.mu.Unlock()

	deliver(views)
	return next.Clone()
}

// UpdateObserversByProject applies patch to the observer fields of every
// observer bound to path. The dev server state is untouched.
func (r *Registry) UpdateObserversByProject(path string, patch ObserverPatch) int {
	path = supervisor.Key(path)

	r.mu.Lock()
	n := 0
	for _, o := range r.observers {
		if o.path == path {
			o.fields = o.fields.apply(patch)
			n++
		}
	}
	views := r.viewsLocked(path)
	r.mu.Unlock()

	deliver(views)
	return n
}

// SetActive marks one observer as active. Other observers keep their state
// and fields; only the active flag in their views changes.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	o, ok := r.observers[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownObserver
	}
	prev := r.active
	r.active = id
	var views []view
	if p, ok := r.observers[prev]; ok && prev != id {
		views = append(views, view{p.notify, r.viewLocked(p)})
	}
	views = append(views, view{o.notify, r.viewLocked(o)})
	r.mu.Unlock()

	deliver(views)
	return nil
}

// Active returns the active observer's view.
func (r *Registry) Active() (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[r.active]
	if !ok {
		return View{}, false
	}
	return r.viewLocked(o), true
}

// View returns one observer's current view.
func (r *Registry) View(id string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[id]
	if !ok {
		return View{}, false
	}
	return r.viewLocked(o), true
}

// State returns path's state. Unknown paths report the initial state.
func (r *Registry) State(path string) state.DevServerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(supervisor.Key(path)).Clone()
}

// Observers returns the ids bound to path, sorted.
func (r *Registry) Observers(path string) []string {
	path = supervisor.Key(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, o := range r.observers {
		if o.path == path {
			ids = append(ids, o.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Refresh fetches the observer's project state and applies it unless the
// observer was rebound or unbound while fetch ran. Concurrent refreshes for
// one observer share a single fetch.
func (r *Registry) Refresh(ctx context.Context, id string, fetch func(ctx context.Context, path string) (state.DevServerState, error)) (bool, error) {
	r.mu.Lock()
	o, ok := r.observers[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrUnknownObserver
	}
	path := o.path
	r.mu.Unlock()

	st, fresh, err := r.refresh.Do(ctx, id, func(ctx context.Context) (state.DevServerState, error) {
		return fetch(ctx, path)
	})
	if err != nil {
		return false, err
	}
	if !fresh {
		log.WithFields(log.Fields{"observer": id, "project": path}).Debug("discarding stale refresh")
		return false, nil
	}
	r.UpdateForProject(path, st.Full())
	return true, nil
}

// Follow mirrors every state event from sub into the registry until ctx is
// done or the subscription closes.
func (r *Registry) Follow(ctx context.Context, sub *supervisor.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type == supervisor.EventState && e.State != nil {
				r.UpdateForProject(e.Path, e.State.Full())
			}
		}
	}
}

type view struct {
	notify Notify
	v      View
}

func deliver(views []view) {
	for _, v := range views {
		if v.notify != nil {
			v.notify(v.v)
		}
	}
}

func (r *Registry) stateLocked(path string) state.DevServerState {
	if st, ok := r.states[path]; ok {
		return st
	}
	return state.New()
}

func (r *Registry) viewLocked(o *observer) View {
	f := o.fields
	if f.PreviewURL != nil {
		s := *f.PreviewURL
		f.PreviewURL = &s
	}
	return View{
		ObserverID: o.id,
		Path:       o.path,
		Active:     o.id == r.active,
		Dev:        r.stateLocked(o.path).Clone(),
		Fields:     f,
	}
}

func (r *Registry) viewsLocked(path string) []view {
	var out []view
	for _, o := range r.observers {
		if o.path == path {
			out = append(out, view{o.notify, r.viewLocked(o)})
		}
	}
	return out
}
