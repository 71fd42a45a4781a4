package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()

	if c.CrashLoopMax != DefaultCrashLoopMax {
		t.Errorf("CrashLoopMax = %d, want %d", c.CrashLoopMax, DefaultCrashLoopMax)
	}
	if c.CrashLoopWindow() != DefaultCrashLoopWindow {
		t.Errorf("CrashLoopWindow = %v, want %v", c.CrashLoopWindow(), DefaultCrashLoopWindow)
	}
	if c.KillTimeout() != DefaultKillTimeout {
		t.Errorf("KillTimeout = %v, want %v", c.KillTimeout(), DefaultKillTimeout)
	}
	if len(c.ProbePorts) < MinProbePorts {
		t.Errorf("default probe list has %d ports, want >= %d", len(c.ProbePorts), MinProbePorts)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestNormalizeClamps(t *testing.T) {
	tests := []struct {
		name  string
		in    Config
		check func(Config) bool
	}{
		{"crash max below range", Config{CrashLoopMax: 1}, func(c Config) bool { return c.CrashLoopMax == MinCrashLoopMax }},
		{"crash max above range", Config{CrashLoopMax: 50}, func(c Config) bool { return c.CrashLoopMax == MaxCrashLoopMax }},
		{"window below range", Config{CrashLoopWindowMs: 1000}, func(c Config) bool { return c.CrashLoopWindow() == MinCrashLoopWindow }},
		{"window above range", Config{CrashLoopWindowMs: 900000}, func(c Config) bool { return c.CrashLoopWindow() == MaxCrashLoopWindow }},
		{"kill timeout below range", Config{KillTimeoutMs: 10}, func(c Config) bool { return c.KillTimeout() == MinKillTimeout }},
		{"kill timeout above range", Config{KillTimeoutMs: 60000}, func(c Config) bool { return c.KillTimeout() == MaxKillTimeout }},
		{"negative probe timeout", Config{ProbeTimeoutMs: -5}, func(c Config) bool { return c.ProbeTimeout() == 250*time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			c.Normalize()
			if !tt.check(c) {
				t.Errorf("Normalize() produced %+v", c)
			}
		})
	}
}

func TestValidateProbePorts(t *testing.T) {
	c := Default()
	c.ProbePorts = []int{3000, 3000, 5173, 8080}
	if err := c.Validate(); err == nil {
		t.Error("expected error for fewer than five distinct ports")
	}

	c.ProbePorts = []int{3000, 5173, 8080, 4200, 70000}
	if err := c.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	c, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if c.CrashLoopMax != DefaultCrashLoopMax {
		t.Errorf("missing file should give defaults, got %+v", c)
	}

	path := filepath.Join(dir, "config.yaml")
	content := "crashLoopMax: 5\nkillTimeoutMs: 8000\nprobePorts: [3000, 3001, 3002, 3003, 3004]\nallowMediumConfidence: true\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err = Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if c.CrashLoopMax != 5 || c.KillTimeout() != 8*time.Second || !c.AllowMediumConfidence {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.ProbePorts[0] != 3000 || len(c.ProbePorts) != 5 {
		t.Errorf("probe ports = %v", c.ProbePorts)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("crashLoopMax: [nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
