package crashloop

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGuard(limit int, window time.Duration) (*Guard, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := New(limit, window)
	g.now = c.now
	return g, c
}

func TestTripsAtMax(t *testing.T) {
	g, c := newGuard(3, time.Minute)

	for i := 1; i <= 3; i++ {
		if got := g.Record("/app"); got != i {
			t.Fatalf("Record() = %d, want %d", got, i)
		}
		if g.Tripped("/app") != (i == 3) {
			t.Errorf("after %d exits Tripped = %v", i, g.Tripped("/app"))
		}
		c.advance(5 * time.Second)
	}
}

func TestWindowSlides(t *testing.T) {
	g, c := newGuard(3, time.Minute)

	g.Record("/app")
	c.advance(40 * time.Second)
	g.Record("/app")
	c.advance(30 * time.Second)
	// first exit is now 70s old
	if got := g.Record("/app"); got != 2 {
		t.Errorf("Record() = %d, want 2 after pruning", got)
	}
	if g.Tripped("/app") {
		t.Error("should not trip with only 2 exits in window")
	}

	c.advance(2 * time.Minute)
	if got := g.Count("/app"); got != 0 {
		t.Errorf("Count() = %d, want 0 once all exits aged out", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	g, _ := newGuard(2, time.Minute)
	g.Record("/app")
	g.Record("/app")
	if !g.Tripped("/app") {
		t.Fatal("/app should be tripped")
	}
	if g.Tripped("/other") || g.Count("/other") != 0 {
		t.Error("/other must be unaffected")
	}
}

func TestClear(t *testing.T) {
	g, _ := newGuard(2, time.Minute)
	g.Record("/app")
	g.Record("/app")
	g.Clear("/app")
	if g.Tripped("/app") || len(g.Exits("/app")) != 0 {
		t.Error("Clear should reset history")
	}
	if got := g.Record("/app"); got != 1 {
		t.Errorf("Record() after Clear = %d, want 1", got)
	}
}
