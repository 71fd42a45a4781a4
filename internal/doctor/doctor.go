// Package doctor checks whether a project is ready for its dev server to
// start: runtime and package manager installed, dependencies present,
// preferred ports free, env files complete.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/harshul/devsup/internal/analyzer"
	"github.com/harshul/devsup/internal/ports"
	"github.com/harshul/devsup/internal/provisioner"
	"github.com/harshul/devsup/internal/secrets"
)

// RuntimeStatus represents the status of a runtime check
type RuntimeStatus struct {
	Name      string
	Installed bool
	Version   string
	Path      string
}

// DependencyStatus represents the status of project dependencies
type DependencyStatus struct {
	Manager          string // npm, pnpm, yarn, bun
	ConfigFile       string // package.json
	Installed        bool   // node_modules present
	InstallCommand   string
	ManagerInstalled bool
	ManagerVersion   string
	ManagerHint      string
	IsMonorepo       bool
}

// PortStatus is the availability of one port the dev server is likely to use.
type PortStatus struct {
	Port      int
	Available bool
	// PID holds the listener's pid when it could be found.
	PID int
}

// Diagnosis contains the full health check results
type Diagnosis struct {
	ProjectPath  string
	Command      string
	Confidence   analyzer.Confidence
	Runtime      RuntimeStatus
	Dependencies DependencyStatus
	Ports        []PortStatus
	Env          *secrets.Status
	Healthy      bool
	Issues       []string
	// Warnings do not make the project unhealthy.
	Warnings []string
}

// runtimeBins maps a framework to the interpreter it needs.
var runtimeBins = map[string]struct {
	name string
	bins []string
}{
	"Django": {"Python", []string{"python3", "python"}},
	"Rails":  {"Ruby", []string{"ruby"}},
}

// envLanguage selects the source patterns used to find referenced variables.
func envLanguage(rc analyzer.ResolvedCommand) string {
	switch {
	case rc.Detection.ManifestFound:
		return "node"
	case rc.Detection.Framework == "Django":
		return "python"
	case rc.Detection.Framework == "Rails":
		return "ruby"
	}
	return ""
}

// Diagnose checks the project described by rc.
func Diagnose(rc analyzer.ResolvedCommand) Diagnosis {
	d := Diagnosis{
		ProjectPath: rc.Cwd,
		Command:     rc.Command.String(),
		Confidence:  rc.Confidence,
		Healthy:     true,
		Issues:      []string{},
	}

	switch {
	case rc.Detection.ManifestFound:
		d.Runtime = checkRuntime("Node.js", "node")
		d.Dependencies = checkNodeDependencies(rc)
	case runtimeBins[rc.Detection.Framework].name != "":
		rt := runtimeBins[rc.Detection.Framework]
		d.Runtime = checkRuntime(rt.name, rt.bins...)
	default:
		d.Runtime = RuntimeStatus{Name: "Unknown"}
	}

	if !d.Runtime.Installed {
		d.Healthy = false
		d.Issues = append(d.Issues, d.Runtime.Name+" runtime is not installed")
	}
	if !d.Dependencies.ManagerInstalled && d.Dependencies.ManagerHint != "" {
		d.Healthy = false
		d.Issues = append(d.Issues, d.Dependencies.ManagerHint)
	}
	if !d.Dependencies.Installed && d.Dependencies.ConfigFile != "" {
		d.Healthy = false
		d.Issues = append(d.Issues, "Dependencies are not installed")
	}
	if rc.NeedsVerification() {
		d.Warnings = append(d.Warnings, fmt.Sprintf("dev command %q was inferred with %s confidence; confirm it with 'devsup init'", d.Command, rc.Confidence))
	}

	for _, p := range rc.PreferredPorts() {
		ps := PortStatus{Port: p, Available: ports.IsPortAvailable(p)}
		if !ps.Available {
			ps.PID = ports.GetProcessOnPort(p)
			msg := fmt.Sprintf("port %d is already in use", p)
			if ps.PID > 0 {
				msg = fmt.Sprintf("port %d is already in use by pid %d", p, ps.PID)
			}
			d.Warnings = append(d.Warnings, msg)
		}
		d.Ports = append(d.Ports, ps)
	}

	if env, err := secrets.Check(rc.Cwd, envLanguage(rc)); err == nil {
		d.Env = &env
		for _, v := range env.Missing {
			msg := fmt.Sprintf("%s is referenced in %s but not set in any .env file", v.Name, v.Source)
			if v.Critical {
				msg += " (credential)"
			}
			d.Warnings = append(d.Warnings, msg)
		}
	} else {
		d.Warnings = append(d.Warnings, fmt.Sprintf("could not read env files: %v", err))
	}

	return d
}

// checkRuntime reports the first of bins found on PATH.
func checkRuntime(name string, bins ...string) RuntimeStatus {
	status := RuntimeStatus{Name: name}
	for _, bin := range bins {
		path, err := exec.LookPath(bin)
		if err != nil {
			continue
		}
		status.Installed = true
		status.Path = path
		if out, err := exec.Command(path, "--version").Output(); err == nil {
			status.Version = strings.TrimSpace(string(out))
		}
		break
	}
	return status
}

// checkNodeDependencies checks the package manager and node_modules
func checkNodeDependencies(rc analyzer.ResolvedCommand) DependencyStatus {
	status := DependencyStatus{ConfigFile: "package.json"}

	if _, err := os.Stat(filepath.Join(rc.Cwd, "node_modules")); err == nil {
		status.Installed = true
	}

	info := provisioner.DetectPackageManager(rc.Cwd, rc.Detection.ManagerField)
	status.Manager = string(info.Manager)
	status.IsMonorepo = info.IsMonorepo
	status.InstallCommand = strings.Join(info.InstallCommand, " ")

	check := provisioner.Check(info.Manager)
	status.ManagerInstalled = check.IsAvailable
	status.ManagerVersion = check.Version
	status.ManagerHint = check.InstallHint

	return status
}

// InstallDependencies runs the installation command for the project
func InstallDependencies(projectPath string, installCommand string) error {
	parts := strings.Fields(installCommand)
	if len(parts) == 0 {
		return nil
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = projectPath
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
