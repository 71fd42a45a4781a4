package provisioner

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// PackageManager represents a detected package manager
type PackageManager string

const (
	NPM  PackageManager = "npm"
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	Bun  PackageManager = "bun"
)

// Managers lists every manager binary the resolver recognizes.
var Managers = []PackageManager{NPM, PNPM, Yarn, Bun}

// lockFile maps a lockfile name to the manager that owns it.
type lockFile struct {
	name    string
	manager PackageManager
}

// Lockfile preference order. First match wins.
var lockFiles = []lockFile{
	{"pnpm-lock.yaml", PNPM},
	{"bun.lockb", Bun},
	{"bun.lock", Bun},
	{"yarn.lock", Yarn},
	{"package-lock.json", NPM},
	{"npm-shrinkwrap.json", NPM},
}

// Source records how the manager was chosen.
type Source string

const (
	SourceLockFile      Source = "lockfile"
	SourceWorkspace     Source = "pnpm-workspace"
	SourceManifestField Source = "packageManager-field"
	SourceDefault       Source = "default"
)

// PackageManagerInfo contains details about the detected package manager
type PackageManagerInfo struct {
	Manager        PackageManager
	Source         Source
	LockFile       string
	InstallCommand []string
	IsMonorepo     bool
	// Checked lists every lockfile name examined, in order.
	Checked []string
}

// DetectPackageManager checks lockfiles in the project root. When none exist it
// falls back to the manifest's packageManager field (corepack), then to npm.
// It only reads the filesystem.
func DetectPackageManager(projectPath string, manifestField string) PackageManagerInfo {
	info := PackageManagerInfo{Manager: NPM, Source: SourceDefault}

	for _, lf := range lockFiles {
		info.Checked = append(info.Checked, lf.name)
		if fileExists(filepath.Join(projectPath, lf.name)) {
			info.Manager = lf.manager
			info.Source = SourceLockFile
			info.LockFile = lf.name
			return finish(projectPath, info)
		}
	}

	// pnpm monorepo without a lock file yet
	if fileExists(filepath.Join(projectPath, "pnpm-workspace.yaml")) {
		info.Manager = PNPM
		info.Source = SourceWorkspace
		return finish(projectPath, info)
	}

	if m, ok := ParseManagerField(manifestField); ok {
		info.Manager = m
		info.Source = SourceManifestField
	}
	return finish(projectPath, info)
}

func finish(projectPath string, info PackageManagerInfo) PackageManagerInfo {
	info.IsMonorepo = detectWorkspace(projectPath, info.Manager)
	info.InstallCommand = installCommand(info.Manager, info.IsMonorepo)
	return info
}

// ParseManagerField reads a corepack "packageManager" value such as "pnpm@9.1.0".
func ParseManagerField(field string) (PackageManager, bool) {
	name, _, _ := strings.Cut(strings.TrimSpace(field), "@")
	for _, m := range Managers {
		if name == string(m) {
			return m, true
		}
	}
	return "", false
}

// IsManagerBinary reports whether bin (a path or bare name) is a known manager.
func IsManagerBinary(bin string) (PackageManager, bool) {
	base := strings.ToLower(filepath.Base(bin))
	for _, ext := range []string{".cmd", ".exe", ".ps1"} {
		base = strings.TrimSuffix(base, ext)
	}
	for _, m := range Managers {
		if base == string(m) {
			return m, true
		}
	}
	return "", false
}

// RunScript returns the argument vector that runs a package.json script.
func RunScript(m PackageManager, script string) []string {
	if m == Yarn {
		return []string{script}
	}
	return []string{"run", script}
}

func installCommand(m PackageManager, monorepo bool) []string {
	switch m {
	case PNPM:
		if monorepo {
			return []string{"pnpm", "install", "-r"}
		}
		return []string{"pnpm", "install"}
	case Yarn:
		return []string{"yarn", "install"}
	case Bun:
		return []string{"bun", "install"}
	default:
		return []string{"npm", "install"}
	}
}

// detectWorkspace checks whether this is a workspace/monorepo root
func detectWorkspace(projectPath string, m PackageManager) bool {
	if m == PNPM && fileExists(filepath.Join(projectPath, "pnpm-workspace.yaml")) {
		return true
	}
	data, err := os.ReadFile(filepath.Join(projectPath, "package.json"))
	if err != nil {
		return false
	}
	content := string(data)
	if m == PNPM && strings.Contains(content, "\"workspace:") {
		return true
	}
	return strings.Contains(content, "\"workspaces\"")
}

// CheckResult represents the result of checking package manager availability
type CheckResult struct {
	Manager     PackageManager
	IsAvailable bool
	Path        string
	Version     string
	InstallHint string
}

// Check verifies if the manager binary is on PATH and reports its version.
// Unlike DetectPackageManager this runs a subprocess.
func Check(m PackageManager) CheckResult {
	result := CheckResult{Manager: m}
	path, err := exec.LookPath(string(m))
	if err != nil {
		result.InstallHint = InstallHint(m)
		return result
	}
	result.IsAvailable = true
	result.Path = path
	if out, err := exec.Command(path, "--version").Output(); err == nil {
		result.Version = strings.TrimSpace(string(out))
	}
	return result
}

// InstallHint returns the installation hint for a package manager
func InstallHint(m PackageManager) string {
	switch m {
	case PNPM:
		return "This project requires pnpm. Please run 'corepack enable pnpm' to continue."
	case Yarn:
		return "This project requires yarn. Please run 'corepack enable yarn' to continue."
	case Bun:
		return "This project requires bun. Please install it from https://bun.sh"
	case NPM:
		return "npm is required. Please install Node.js from https://nodejs.org"
	default:
		return ""
	}
}

// GetManagerName returns a user-friendly name for the package manager
func GetManagerName(m PackageManager) string {
	switch m {
	case PNPM:
		return "pnpm"
	case Yarn:
		return "Yarn"
	case Bun:
		return "Bun"
	case NPM:
		return "npm"
	default:
		return string(m)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
