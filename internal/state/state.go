// Package state holds the per-project dev server state value and the
// merge-patch type used to update it.
package state

// Status is the lifecycle position of a project's dev server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// DevServerState is a read-only snapshot of one project's dev server.
// Nil pointers mean "unset".
type DevServerState struct {
	Status       Status  `json:"status"`
	URL          *string `json:"url"`
	PID          *int    `json:"pid"`
	LastError    *string `json:"lastError"`
	LastExitCode *int    `json:"lastExitCode"`
	// ErrorCode classifies LastError (empty when LastError is unset).
	ErrorCode string `json:"errorCode,omitempty"`
}

// New returns the initial state for a project that has never been started.
func New() DevServerState {
	return DevServerState{Status: StatusStopped}
}

// Running reports whether the dev server is serving.
func (s DevServerState) Running() bool {
	return s.Status == StatusRunning
}

// URLString returns the URL or "".
func (s DevServerState) URLString() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// PIDValue returns the pid or 0.
func (s DevServerState) PIDValue() int {
	if s.PID == nil {
		return 0
	}
	return *s.PID
}

// Clone returns a deep copy so callers never share pointers with the owner.
func (s DevServerState) Clone() DevServerState {
	out := s
	out.URL = clonePtr(s.URL)
	out.PID = clonePtr(s.PID)
	out.LastError = clonePtr(s.LastError)
	out.LastExitCode = clonePtr(s.LastExitCode)
	return out
}

// Optional is a tri-state patch field: absent, set to a value, or cleared.
type Optional[T any] struct {
	present bool
	value   *T
}

// Set returns an Optional that assigns v.
func Set[T any](v T) Optional[T] {
	return Optional[T]{present: true, value: &v}
}

// Clear returns an Optional that resets the field to unset.
func Clear[T any]() Optional[T] {
	return Optional[T]{present: true}
}

// Present reports whether the patch touches this field.
func (o Optional[T]) Present() bool {
	return o.present
}

// Value returns the assigned value, or nil for a clear.
func (o Optional[T]) Value() *T {
	return o.value
}

func (o Optional[T]) apply(dst **T) {
	if !o.present {
		return
	}
	*dst = clonePtr(o.value)
}

// Patch is a partial update. Fields that are not present keep their prior value.
type Patch struct {
	Status       *Status
	URL          Optional[string]
	PID          Optional[int]
	LastError    Optional[string]
	LastExitCode Optional[int]
	ErrorCode    Optional[string]
}

// WithStatus is a convenience for building a patch that changes status.
func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

// Apply merges p into s and returns the result. s is not modified.
func (s DevServerState) Apply(p Patch) DevServerState {
	out := s.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	p.URL.apply(&out.URL)
	p.PID.apply(&out.PID)
	p.LastError.apply(&out.LastError)
	p.LastExitCode.apply(&out.LastExitCode)
	if p.ErrorCode.present {
		out.ErrorCode = ""
		if p.ErrorCode.value != nil {
			out.ErrorCode = *p.ErrorCode.value
		}
	}
	return out
}

// Full converts a snapshot into a patch that sets every field, used when a
// consumer mirrors the owner's state wholesale.
func (s DevServerState) Full() Patch {
	p := Patch{}.WithStatus(s.Status)
	p.URL = fromPtr(s.URL)
	p.PID = fromPtr(s.PID)
	p.LastError = fromPtr(s.LastError)
	p.LastExitCode = fromPtr(s.LastExitCode)
	if s.ErrorCode == "" {
		p.ErrorCode = Clear[string]()
	} else {
		p.ErrorCode = Set(s.ErrorCode)
	}
	return p
}

func fromPtr[T any](v *T) Optional[T] {
	if v == nil {
		return Clear[T]()
	}
	return Set(*v)
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
