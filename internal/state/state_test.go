package state

import "testing"

func TestNewState(t *testing.T) {
	s := New()
	if s.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", s.Status)
	}
	if s.URL != nil || s.PID != nil || s.LastError != nil || s.LastExitCode != nil {
		t.Errorf("fresh state should have no optional fields set, got %+v", s)
	}
}

func TestApplyKeepsAbsentFields(t *testing.T) {
	running := New().Apply(Patch{
		URL: Set("http://localhost:5173"),
		PID: Set(4242),
	}.WithStatus(StatusRunning))

	stopped := running.Apply(Patch{URL: Clear[string]()}.WithStatus(StatusStopped))

	if stopped.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", stopped.Status)
	}
	if stopped.URL != nil {
		t.Errorf("url = %v, want nil", *stopped.URL)
	}
	if stopped.PIDValue() != 4242 {
		t.Errorf("pid = %d, want 4242 (absent from patch)", stopped.PIDValue())
	}
}

func TestApplyDoesNotAlias(t *testing.T) {
	a := New().Apply(Patch{PID: Set(1)})
	b := a.Apply(Patch{})
	*b.PID = 99
	if a.PIDValue() != 1 {
		t.Errorf("patched copy shares pointer with original: a.pid = %d", a.PIDValue())
	}
}

func TestFullRoundTrip(t *testing.T) {
	src := New().Apply(Patch{
		LastError:    Set("boom"),
		LastExitCode: Set(1),
		ErrorCode:    Set("CRASH_LOOP"),
	}.WithStatus(StatusError))

	dst := New().Apply(Patch{URL: Set("http://stale")}).Apply(src.Full())

	if dst.URL != nil {
		t.Errorf("full patch should clear url, got %q", dst.URLString())
	}
	if dst.ErrorCode != "CRASH_LOOP" || dst.Status != StatusError {
		t.Errorf("got %+v", dst)
	}
}
