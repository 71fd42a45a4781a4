// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger setup.
type Options struct {
	Level string
	// File, when set, sends output to a rotating log file instead of stderr.
	File string
	JSON bool
}

// Setup applies opts to the standard logrus logger and returns the writer in use.
func Setup(opts Options) io.Writer {
	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	log.SetOutput(out)

	if opts.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	SetLogLevel(opts.Level)
	return out
}

// SetLogLevel sets the global level from a loose human string.
// Unknown values fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// Discard silences logging, used by the TUI so log lines do not corrupt the screen.
func Discard() {
	log.SetOutput(io.Discard)
}
