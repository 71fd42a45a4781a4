package process

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream identifies which pipe a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of child output.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Backlog is a ring of the most recent lines.
type Backlog struct {
	lines    []Line
	maxLines int
	mu       sync.RWMutex
}

// NewBacklog creates a backlog holding at most maxLines lines.
func NewBacklog(maxLines int) *Backlog {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &Backlog{
		lines:    make([]Line, 0, maxLines),
		maxLines: maxLines,
	}
}

// Append adds a line, evicting the oldest when full.
func (b *Backlog) Append(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.maxLines {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
	}
	b.lines = append(b.lines, l)
}

// All returns a copy of every buffered line, oldest first.
func (b *Backlog) All() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Line, len(b.lines))
	copy(result, b.lines)
	return result
}

// Last returns the last n lines.
func (b *Backlog) Last(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n >= len(b.lines) {
		result := make([]Line, len(b.lines))
		copy(result, b.lines)
		return result
	}
	result := make([]Line, n)
	copy(result, b.lines[len(b.lines)-n:])
	return result
}

// Len returns the number of buffered lines.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// pump reads r line by line until EOF and hands each line to emit.
// Lines of any length are kept; a trailing partial line is flushed at EOF.
func pump(r io.Reader, stream Stream, emit func(Line)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		text, err := br.ReadString('\n')
		if text != "" {
			text = strings.TrimRight(text, "\r\n")
			emit(Line{Stream: stream, Text: text, Time: time.Now()})
		}
		if err != nil {
			return
		}
	}
}
