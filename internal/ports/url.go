package ports

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Candidate is a URL seen in dev server output with its priority score.
type Candidate struct {
	URL      string
	Port     int
	Priority int // Higher = more likely to be the frontend the user wants
	Source   string
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	urlPattern  = regexp.MustCompile(`(https?)://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d+)`)
)

// StripANSI removes terminal color sequences. Vite bolds the port number.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// DetectURL parses one output line and scores the local URL it announces.
// Loopback and wildcard hosts are normalized to localhost.
func DetectURL(line string) (Candidate, bool) {
	clean := StripANSI(line)
	m := urlPattern.FindStringSubmatch(clean)
	if len(m) < 4 {
		return Candidate{}, false
	}
	port, err := strconv.Atoi(m[3])
	if err != nil || port <= 0 || port > 65535 {
		return Candidate{}, false
	}
	return Candidate{
		URL:      m[1] + "://localhost:" + m[3],
		Port:     port,
		Priority: score(strings.ToLower(clean), port),
		Source:   clean,
	}, true
}

func score(lower string, port int) int {
	priority := 50

	// Next.js
	if strings.Contains(lower, "ready started server") ||
		strings.Contains(lower, "next dev") ||
		strings.Contains(lower, "▲ next") {
		priority += 100
	}

	// Vite
	if strings.Contains(lower, "local:") &&
		(strings.Contains(lower, "➜") || strings.Contains(lower, "vite")) {
		priority += 100
	}

	if strings.Contains(lower, "webpack compiled") ||
		strings.Contains(lower, "compiled successfully") ||
		strings.Contains(lower, "dev server running") ||
		strings.Contains(lower, "development server at") {
		priority += 80
	}

	if strings.Contains(lower, "client") ||
		strings.Contains(lower, "frontend") ||
		strings.Contains(lower, "web:") ||
		strings.Contains(lower, "app:") ||
		strings.Contains(lower, "ui:") {
		priority += 60
	}

	switch port {
	case 3000, 3001, 5173, 5174, 4200, 4321:
		priority += 30
	case 8080:
		priority += 5
	}

	if strings.Contains(lower, "hono") ||
		strings.Contains(lower, "express") ||
		strings.Contains(lower, "fastify") ||
		strings.Contains(lower, "nestjs") ||
		strings.Contains(lower, "koa") {
		priority -= 40
	}

	if strings.Contains(lower, "server:") ||
		strings.Contains(lower, "api:") ||
		strings.Contains(lower, "backend:") {
		priority -= 50
	}

	// Bare "listening on" without frontend context is usually an API.
	if strings.Contains(lower, "http listening") || strings.Contains(lower, "listening on http") {
		if !strings.Contains(lower, "client") &&
			!strings.Contains(lower, "frontend") &&
			!strings.Contains(lower, "local:") {
			priority -= 30
		}
	}
	return priority
}

// Detector tracks the best URL announced so far by one process.
// A later candidate replaces the current one when its priority is at least
// as high, so a frontend that boots after its API still wins.
type Detector struct {
	mu   sync.Mutex
	best *Candidate
}

// Observe feeds one line and reports whether the best URL changed.
func (d *Detector) Observe(line string) (Candidate, bool) {
	c, ok := DetectURL(line)
	if !ok {
		return Candidate{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.best != nil && (c.Priority < d.best.Priority || c.URL == d.best.URL) {
		return *d.best, false
	}
	d.best = &c
	return c, true
}

// Best returns the current best candidate.
func (d *Detector) Best() (Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.best == nil {
		return Candidate{}, false
	}
	return *d.best, true
}
