package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Published bounds consumed by callers configuring the supervisor.
const (
	MinCrashLoopMax     = 2
	MaxCrashLoopMax     = 10
	DefaultCrashLoopMax = 3

	MinCrashLoopWindow     = 30 * time.Second
	MaxCrashLoopWindow     = 300 * time.Second
	DefaultCrashLoopWindow = 60 * time.Second

	MinKillTimeout     = 2 * time.Second
	MaxKillTimeout     = 15 * time.Second
	DefaultKillTimeout = 5 * time.Second

	// MinProbePorts is the smallest acceptable candidate list.
	MinProbePorts = 5
)

// DefaultProbePorts covers the defaults of common dev servers, in probe order.
var DefaultProbePorts = []int{
	5173, // Vite
	3000, // Next.js, CRA, Remix, Rails
	4321, // Astro
	8080, // webpack-dev-server, Vue CLI
	4200, // Angular
	8000, // Django, Gatsby
	5000, // Flask
	3001,
}

// Config holds supervisor settings. Durations are stored in milliseconds so
// the YAML file reads the same as the published constants.
type Config struct {
	ProbePorts            []int  `yaml:"probePorts,omitempty"`
	ProbeTimeoutMs        int    `yaml:"probeTimeoutMs,omitempty"`
	ProbeGraceMs          int    `yaml:"probeGraceMs,omitempty"`
	ProbeIntervalMs       int    `yaml:"probeIntervalMs,omitempty"`
	CrashLoopMax          int    `yaml:"crashLoopMax,omitempty"`
	CrashLoopWindowMs     int    `yaml:"crashLoopWindowMs,omitempty"`
	KillTimeoutMs         int    `yaml:"killTimeoutMs,omitempty"`
	ForceKillGraceMs      int    `yaml:"forceKillGraceMs,omitempty"`
	RestartDelayMs        int    `yaml:"restartDelayMs,omitempty"`
	StartTimeoutMs        int    `yaml:"startTimeoutMs,omitempty"`
	OutputBacklogLines    int    `yaml:"outputBacklogLines,omitempty"`
	AllowMediumConfidence bool   `yaml:"allowMediumConfidence,omitempty"`
	LogLevel              string `yaml:"logLevel,omitempty"`
	LogFile               string `yaml:"logFile,omitempty"`
}

type bound struct {
	min, max, def int
}

var (
	probeTimeoutBound  = bound{50, 1000, 250}
	probeGraceBound    = bound{0, 30000, 2500}
	probeIntervalBound = bound{250, 10000, 1000}
	crashMaxBound      = bound{MinCrashLoopMax, MaxCrashLoopMax, DefaultCrashLoopMax}
	crashWindowBound   = bound{ms(MinCrashLoopWindow), ms(MaxCrashLoopWindow), ms(DefaultCrashLoopWindow)}
	killTimeoutBound   = bound{ms(MinKillTimeout), ms(MaxKillTimeout), ms(DefaultKillTimeout)}
	forceGraceBound    = bound{500, 10000, 2000}
	restartDelayBound  = bound{0, 10000, 750}
	startTimeoutBound  = bound{1000, 600000, 90000}
	backlogBound       = bound{16, 10000, 500}
)

// Default returns a normalized configuration with every default applied.
func Default() Config {
	c := Config{}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults and clamps bounded values.
// Negative values are treated as unset.
func (c *Config) Normalize() {
	if len(c.ProbePorts) == 0 {
		c.ProbePorts = append([]int(nil), DefaultProbePorts...)
	}
	c.ProbeTimeoutMs = probeTimeoutBound.clamp(c.ProbeTimeoutMs)
	c.ProbeGraceMs = probeGraceBound.clamp(c.ProbeGraceMs)
	c.ProbeIntervalMs = probeIntervalBound.clamp(c.ProbeIntervalMs)
	c.CrashLoopMax = crashMaxBound.clamp(c.CrashLoopMax)
	c.CrashLoopWindowMs = crashWindowBound.clamp(c.CrashLoopWindowMs)
	c.KillTimeoutMs = killTimeoutBound.clamp(c.KillTimeoutMs)
	c.ForceKillGraceMs = forceGraceBound.clamp(c.ForceKillGraceMs)
	c.RestartDelayMs = restartDelayBound.clamp(c.RestartDelayMs)
	c.StartTimeoutMs = startTimeoutBound.clamp(c.StartTimeoutMs)
	c.OutputBacklogLines = backlogBound.clamp(c.OutputBacklogLines)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports configuration that cannot be clamped into shape.
func (c Config) Validate() error {
	seen := make(map[int]bool, len(c.ProbePorts))
	for _, p := range c.ProbePorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("probe port %d out of range", p)
		}
		seen[p] = true
	}
	if len(seen) < MinProbePorts {
		return fmt.Errorf("probePorts needs at least %d distinct ports, got %d", MinProbePorts, len(seen))
	}
	return nil
}

// Load reads a YAML config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/devsup/config.yaml (or the OS equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "devsup.yaml"
	}
	return filepath.Join(dir, "devsup", "config.yaml")
}

func (c Config) ProbeTimeout() time.Duration    { return dur(c.ProbeTimeoutMs) }
func (c Config) ProbeGrace() time.Duration      { return dur(c.ProbeGraceMs) }
func (c Config) ProbeInterval() time.Duration   { return dur(c.ProbeIntervalMs) }
func (c Config) CrashLoopWindow() time.Duration { return dur(c.CrashLoopWindowMs) }
func (c Config) KillTimeout() time.Duration     { return dur(c.KillTimeoutMs) }
func (c Config) ForceKillGrace() time.Duration  { return dur(c.ForceKillGraceMs) }
func (c Config) RestartDelay() time.Duration    { return dur(c.RestartDelayMs) }
func (c Config) StartTimeout() time.Duration    { return dur(c.StartTimeoutMs) }

func (b bound) clamp(v int) int {
	if v <= 0 {
		v = b.def
	}
	if v < b.min {
		return b.min
	}
	if v > b.max {
		return b.max
	}
	return v
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(v int) time.Duration { return time.Duration(v) * time.Millisecond }
