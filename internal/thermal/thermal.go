// Package thermal paces dev server start-up so a laptop does not run every
// bundler's cold compile at once.
package thermal

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultCoolDown is the pause after each start before its slot is reused.
const DefaultCoolDown = 500 * time.Millisecond

// Hardware contains detected hardware information
type Hardware struct {
	NumCPU       int
	IsDarwin     bool
	IsFanless    bool
	AppleSilicon bool
	Model        string
}

// Detect detects the current hardware configuration
func Detect() Hardware {
	hw := Hardware{
		NumCPU:   runtime.NumCPU(),
		IsDarwin: runtime.GOOS == "darwin",
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		hw.Model = strings.TrimSpace(infos[0].ModelName)
	}
	if hw.IsDarwin {
		hw.AppleSilicon = runtime.GOARCH == "arm64" || strings.HasPrefix(hw.Model, "Apple")
		hw.IsFanless = strings.Contains(strings.ToLower(macModel()), "macbookair")
	}
	return hw
}

// macModel returns the Mac model identifier, e.g. MacBookAir10,1.
func macModel() string {
	out, err := exec.Command("sysctl", "-n", "hw.model").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// StartLimit returns how many dev servers may be starting at once.
func StartLimit(hw Hardware, configured, projects int) int {
	if configured > 0 {
		return configured
	}

	limit := 3
	switch {
	case hw.IsFanless:
		// Passive cooling throttles fast under parallel compiles.
		limit = 2
	case hw.AppleSilicon:
		limit = 4
	case hw.NumCPU >= 8:
		limit = 5
	}
	if projects > 0 && projects < limit {
		limit = projects
	}
	return max(limit, 1)
}

// Describe returns a human-readable hardware description
func (hw Hardware) Describe() string {
	parts := []string{fmt.Sprintf("%d cores", hw.NumCPU)}
	if hw.Model != "" {
		parts = append(parts, hw.Model)
	}
	if hw.IsFanless {
		parts = append(parts, "fanless")
	}
	if !hw.IsDarwin {
		parts = append(parts, runtime.GOOS)
	}
	return strings.Join(parts, ", ")
}

// Pace runs start for every path with at most limit calls in flight. After a
// call returns its slot stays held for coolDown. Errors are returned per path;
// a canceled ctx skips the paths not yet started.
func Pace(ctx context.Context, paths []string, limit int, coolDown time.Duration, start func(ctx context.Context, path string) error) map[string]error {
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make(chan struct {
		path string
		err  error
	}, len(paths))

	launched := 0
	for _, path := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		go func(path string) {
			err := start(ctx, path)
			if err != nil {
				log.WithField("project", path).WithError(err).Debug("paced start failed")
			}
			results <- struct {
				path string
				err  error
			}{path, err}
			if coolDown > 0 {
				select {
				case <-time.After(coolDown):
				case <-ctx.Done():
				}
			}
			sem.Release(1)
		}(path)
	}

	errs := make(map[string]error)
	for i := 0; i < launched; i++ {
		r := <-results
		if r.err != nil {
			errs[r.path] = r.err
		}
	}
	for _, path := range paths[launched:] {
		errs[path] = ctx.Err()
	}
	return errs
}
