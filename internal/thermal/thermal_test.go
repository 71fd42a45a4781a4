package thermal

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDetect(t *testing.T) {
	hw := Detect()

	if hw.NumCPU != runtime.NumCPU() {
		t.Errorf("expected NumCPU %d, got %d", runtime.NumCPU(), hw.NumCPU)
	}
	if hw.IsDarwin != (runtime.GOOS == "darwin") {
		t.Errorf("IsDarwin = %v on %s", hw.IsDarwin, runtime.GOOS)
	}
	if !hw.IsDarwin && hw.IsFanless {
		t.Error("fanless detection only applies to macOS")
	}
}

func TestStartLimit(t *testing.T) {
	tests := []struct {
		name       string
		hw         Hardware
		configured int
		projects   int
		expected   int
	}{
		{"configured wins", Hardware{NumCPU: 16}, 7, 20, 7},
		{"fanless", Hardware{NumCPU: 8, IsDarwin: true, IsFanless: true, AppleSilicon: true}, 0, 10, 2},
		{"apple silicon", Hardware{NumCPU: 10, IsDarwin: true, AppleSilicon: true}, 0, 10, 4},
		{"many cores", Hardware{NumCPU: 12}, 0, 10, 5},
		{"few cores", Hardware{NumCPU: 4}, 0, 10, 3},
		{"capped by project count", Hardware{NumCPU: 12}, 0, 2, 2},
		{"no projects", Hardware{NumCPU: 2}, 0, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StartLimit(tt.hw, tt.configured, tt.projects); got != tt.expected {
				t.Errorf("StartLimit() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	hw := Hardware{NumCPU: 8, IsDarwin: true, IsFanless: true, Model: "Apple M2"}
	if got := hw.Describe(); got != "8 cores, Apple M2, fanless" {
		t.Errorf("Describe() = %q", got)
	}
}

func TestPaceBoundsConcurrency(t *testing.T) {
	paths := []string{"/a", "/b", "/c", "/d", "/e"}
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	seen := map[string]bool{}

	errs := Pace(context.Background(), paths, 2, 0, func(_ context.Context, path string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)

		mu.Lock()
		seen[path] = true
		mu.Unlock()
		if path == "/c" {
			return errors.New("boom")
		}
		return nil
	})

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 starts in flight, saw %d", peak.Load())
	}
	if len(seen) != len(paths) {
		t.Errorf("expected every path started, got %v", seen)
	}
	if len(errs) != 1 || errs["/c"] == nil {
		t.Errorf("expected only /c to fail, got %v", errs)
	}
}

func TestPaceCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	errs := Pace(ctx, []string{"/a", "/b"}, 1, 0, func(context.Context, string) error {
		called = true
		return nil
	})
	if called {
		t.Error("no start should run after cancellation")
	}
	if !errors.Is(errs["/a"], context.Canceled) || !errors.Is(errs["/b"], context.Canceled) {
		t.Errorf("expected canceled errors, got %v", errs)
	}
}
