package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harshul/devsup/internal/provisioner"
)

// Confidence is how much the resolver trusts a command it inferred.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Detection records every signal the resolver examined.
type Detection struct {
	ManifestFound    bool               `json:"manifestFound"`
	ManifestPath     string             `json:"manifestPath,omitempty"`
	ManifestError    string             `json:"manifestError,omitempty"`
	ProjectName      string             `json:"projectName,omitempty"`
	ManagerField     string             `json:"packageManagerField,omitempty"`
	ManagerSource    provisioner.Source `json:"managerSource,omitempty"`
	LockFile         string             `json:"lockFile,omitempty"`
	LockFilesChecked []string           `json:"lockFilesChecked,omitempty"`
	Monorepo         bool               `json:"monorepo,omitempty"`
	Scripts          []string           `json:"scripts,omitempty"`
	ScriptsChecked   []string           `json:"scriptsChecked,omitempty"`
	SelectedScript   string             `json:"selectedScript,omitempty"`
	ScriptBody       string             `json:"scriptBody,omitempty"`
	// DelegatedScript is set when the selected script itself invokes a
	// package manager, e.g. "dev": "pnpm run dev:web".
	DelegatedScript string   `json:"delegatedScript,omitempty"`
	Framework       string   `json:"framework,omitempty"`
	FrameworkPort   int      `json:"frameworkPort,omitempty"`
	PortHint        int      `json:"portHint,omitempty"`
	SignalFiles     []string `json:"signalFiles,omitempty"`
}

// ResolvedCommand is the resolver's answer for one project directory.
type ResolvedCommand struct {
	Cwd        string     `json:"cwd"`
	Manager    string     `json:"manager"`
	Command    Command    `json:"command"`
	Confidence Confidence `json:"confidence"`
	Reasons    []string   `json:"reasons"`
	Detection  Detection  `json:"detection"`
}

// NeedsVerification is true whenever confidence is not high.
func (r ResolvedCommand) NeedsVerification() bool {
	return r.Confidence != High
}

// PreferredPorts returns ports the project is likely to serve on, most
// specific first: an explicit --port in the script, then the framework default.
func (r ResolvedCommand) PreferredPorts() []int {
	var ports []int
	if r.Detection.PortHint > 0 {
		ports = append(ports, r.Detection.PortHint)
	}
	if p := r.Detection.FrameworkPort; p > 0 && p != r.Detection.PortHint {
		ports = append(ports, p)
	}
	return ports
}

func (r *ResolvedCommand) reason(format string, args ...any) {
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// Scripts checked after "dev", in order. A match here is medium confidence.
var alternativeScripts = []string{"start", "serve", "develop", "dev:web", "start:dev", "web"}

// manifest is the subset of package.json the resolver reads.
type manifest struct {
	Name            string            `json:"name"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (m manifest) hasDependency(name string) bool {
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

// Resolve inspects projectPath and infers the command that starts its dev
// server. It only reads the filesystem. A missing or unreadable manifest is
// reported as low confidence, not as an error; the error return is reserved
// for a path that is not a directory.
func Resolve(projectPath string) (ResolvedCommand, error) {
	abs, err := projectDir(projectPath)
	if err != nil {
		return ResolvedCommand{}, err
	}

	rc := ResolvedCommand{Cwd: abs, Confidence: Low}
	manifestPath := filepath.Join(abs, "package.json")
	pkg, err := readManifest(manifestPath)
	switch {
	case os.IsNotExist(err):
		rc.reason("no package manifest found at %s", manifestPath)
		return resolveNonNode(rc), nil
	case err != nil:
		rc.Detection.ManifestError = err.Error()
		rc.reason("package manifest could not be parsed: %v", err)
		return placeholder(rc, provisioner.NPM), nil
	}

	d := &rc.Detection
	d.ManifestFound = true
	d.ManifestPath = manifestPath
	d.ProjectName = pkg.Name
	d.ManagerField = pkg.PackageManager
	rc.reason("found package manifest %s", manifestPath)

	pm := provisioner.DetectPackageManager(abs, pkg.PackageManager)
	d.ManagerSource = pm.Source
	d.LockFile = pm.LockFile
	d.LockFilesChecked = pm.Checked
	d.Monorepo = pm.IsMonorepo
	rc.Manager = string(pm.Manager)
	switch pm.Source {
	case provisioner.SourceLockFile:
		rc.reason("lockfile %s selects %s", pm.LockFile, pm.Manager)
	case provisioner.SourceWorkspace:
		rc.reason("pnpm-workspace.yaml selects pnpm")
	case provisioner.SourceManifestField:
		rc.reason("no lockfile; packageManager field %q selects %s", pkg.PackageManager, pm.Manager)
	default:
		rc.reason("no lockfile; defaulting to %s", pm.Manager)
	}

	if fw, ok := detectFramework(pkg); ok {
		d.Framework = fw.Name
		d.FrameworkPort = fw.DefaultPort
		rc.reason("dependency %s indicates %s (default port %d)", fw.Dependency, fw.Name, fw.DefaultPort)
	}

	for name := range pkg.Scripts {
		d.Scripts = append(d.Scripts, name)
	}
	sort.Strings(d.Scripts)

	script, conf, ok := selectScript(pkg.Scripts, &d.ScriptsChecked)
	if !ok {
		if len(pkg.Scripts) == 0 {
			rc.reason("manifest has no scripts")
		} else {
			rc.reason("no dev-like script present (checked %s)", strings.Join(d.ScriptsChecked, ", "))
		}
		return placeholder(rc, pm.Manager), nil
	}

	body := pkg.Scripts[script]
	d.SelectedScript = script
	d.ScriptBody = body
	rc.Confidence = conf
	rc.Command = Command{Bin: string(pm.Manager), Args: provisioner.RunScript(pm.Manager, script)}
	if conf == High {
		rc.reason("script %q found", script)
	} else {
		rc.reason("no \"dev\" script; using conventional alternative %q", script)
	}

	if inner, err := ParseCommand(body); err == nil {
		if name := ExtractScriptName(inner); name != "" {
			d.DelegatedScript = name
			rc.reason("script %q delegates to script %q", script, name)
		}
	}
	if port, ok := portFromScript(body); ok {
		d.PortHint = port
		rc.reason("script %q sets port %d", script, port)
	}
	return rc, nil
}

// selectScript walks "dev" then the alternatives, recording each name tried.
func selectScript(scripts map[string]string, checked *[]string) (string, Confidence, bool) {
	*checked = append(*checked, "dev")
	if strings.TrimSpace(scripts["dev"]) != "" {
		return "dev", High, true
	}
	for _, name := range alternativeScripts {
		*checked = append(*checked, name)
		if strings.TrimSpace(scripts[name]) != "" {
			return name, Medium, true
		}
	}
	return "", Low, false
}

// placeholder fills in a best-guess command that callers must not auto-run.
func placeholder(rc ResolvedCommand, pm provisioner.PackageManager) ResolvedCommand {
	rc.Confidence = Low
	rc.Manager = string(pm)
	rc.Command = Command{Bin: string(pm), Args: provisioner.RunScript(pm, "dev")}
	rc.reason("placeholder %q requires confirmation", rc.Command.String())
	return rc
}

// resolveNonNode covers frameworks whose dev server is not a manifest script.
func resolveNonNode(rc ResolvedCommand) ResolvedCommand {
	abs := rc.Cwd
	d := &rc.Detection
	switch {
	case fileExists(filepath.Join(abs, "manage.py")):
		d.SignalFiles = append(d.SignalFiles, "manage.py")
		d.Framework = "Django"
		d.FrameworkPort = 8000
		rc.Manager = "python3"
		rc.Command = Command{Bin: "python3", Args: []string{"manage.py", "runserver"}}
		rc.Confidence = Medium
		rc.reason("manage.py indicates Django")
		return rc
	case fileExists(filepath.Join(abs, "config", "application.rb")):
		d.SignalFiles = append(d.SignalFiles, "config/application.rb")
		d.Framework = "Rails"
		d.FrameworkPort = 3000
		rc.Manager = "bundle"
		rc.Command = Command{Bin: "bundle", Args: []string{"exec", "rails", "server"}}
		rc.Confidence = Medium
		rc.reason("config/application.rb indicates Rails")
		return rc
	}
	for _, sf := range otherSignalFiles {
		if fileExists(filepath.Join(abs, sf)) {
			d.SignalFiles = append(d.SignalFiles, sf)
		}
	}
	if len(d.SignalFiles) > 0 {
		rc.reason("found %s but no dev server convention for it", strings.Join(d.SignalFiles, ", "))
	}
	return placeholder(rc, provisioner.NPM)
}

// Signal files recorded for diagnostics when no dev server convention applies.
var otherSignalFiles = []string{"go.mod", "Cargo.toml", "pom.xml", "build.gradle", "requirements.txt", "pyproject.toml", "Gemfile"}

// Scripts returns the manifest scripts for projectPath. ok is false when the
// manifest is missing or unreadable.
func Scripts(projectPath string) (map[string]string, bool) {
	pkg, err := readManifest(filepath.Join(projectPath, "package.json"))
	if err != nil {
		return nil, false
	}
	return pkg.Scripts, true
}

func readManifest(path string) (manifest, error) {
	var pkg manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return pkg, err
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return pkg, err
	}
	return pkg, nil
}

func projectDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, os.ErrInvalid)
	}
	return abs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
