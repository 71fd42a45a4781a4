// Package secrets reports environment variables a project expects but whose
// .env files do not define.
package secrets

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// EnvVar is a variable the project references.
type EnvVar struct {
	Name string
	// Source is the file that referenced it, relative to the project root.
	Source   string
	Critical bool
}

// Status is the outcome of Check.
type Status struct {
	Expected   []EnvVar
	Defined    map[string]bool
	Missing    []EnvVar
	HasEnvFile bool
}

// EnvFiles are read in order; later files override earlier ones.
var EnvFiles = []string{".env", ".env.local", ".env.development", ".env.development.local"}

var exampleFiles = []string{".env.example", ".env.sample", ".env.template"}

var envPatterns = map[string]*regexp.Regexp{
	"node":   regexp.MustCompile(`process\.env\.([A-Z][A-Z0-9_]*)|process\.env\[['"]([A-Z][A-Z0-9_]*)['"]\]|import\.meta\.env\.([A-Z][A-Z0-9_]*)`),
	"python": regexp.MustCompile(`os\.environ(?:\.get)?[\[(]['"]([A-Z][A-Z0-9_]*)['"]|os\.getenv\(['"]([A-Z][A-Z0-9_]*)['"]`),
	"ruby":   regexp.MustCompile(`ENV(?:\.fetch\(|\[)['"]([A-Z][A-Z0-9_]*)['"]`),
}

var languageExtensions = map[string][]string{
	"node":   {".js", ".ts", ".jsx", ".tsx", ".mjs", ".cjs", ".vue", ".svelte"},
	"python": {".py"},
	"ruby":   {".rb"},
}

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true, ".next": true,
	".nuxt": true, ".svelte-kit": true, "vendor": true, "venv": true, ".venv": true, "__pycache__": true,
}

// Provided by the shell, the framework or the supervisor itself.
var ignoredEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "NODE_ENV": true, "SHELL": true,
	"PWD": true, "TERM": true, "TMPDIR": true, "PORT": true, "HOST": true,
	"CI": true, "DEBUG": true, "MODE": true, "DEV": true, "PROD": true,
	"SSR": true, "BASE_URL": true,
}

const maxScannedFiles = 2000

// Check compares what the project references with what its env files define.
// language selects the source patterns ("node", "python", "ruby"); other
// values only consult example files.
func Check(dir, language string) (Status, error) {
	status := Status{Defined: make(map[string]bool)}

	var present []string
	for _, name := range EnvFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	status.HasEnvFile = len(present) > 0
	if len(present) > 0 {
		vars, err := godotenv.Read(present...)
		if err != nil {
			return status, err
		}
		for k := range vars {
			status.Defined[k] = true
		}
	}

	expected := make(map[string]EnvVar)
	for _, name := range exampleFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return status, err
		}
		for k := range vars {
			expected[k] = EnvVar{Name: k, Source: name, Critical: IsCritical(k)}
		}
	}

	if err := scanSources(dir, language, expected); err != nil {
		return status, err
	}

	for _, v := range expected {
		status.Expected = append(status.Expected, v)
		if !status.Defined[v.Name] && os.Getenv(v.Name) == "" {
			status.Missing = append(status.Missing, v)
		}
	}
	sortVars(status.Expected)
	sortVars(status.Missing)
	return status, nil
}

func scanSources(dir, language string, into map[string]EnvVar) error {
	pattern, ok := envPatterns[strings.ToLower(language)]
	if !ok {
		return nil
	}
	exts := languageExtensions[strings.ToLower(language)]

	scanned := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasExt(path, exts) {
			return nil
		}
		if scanned++; scanned > maxScannedFiles {
			return fs.SkipAll
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		for _, m := range pattern.FindAllStringSubmatch(string(data), -1) {
			name := firstGroup(m)
			if name == "" || ignoredEnvVars[name] {
				continue
			}
			if _, seen := into[name]; !seen {
				into[name] = EnvVar{Name: name, Source: rel, Critical: IsCritical(name)}
			}
		}
		return nil
	})
	return err
}

func hasExt(path string, exts []string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func sortVars(vars []EnvVar) {
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
}

// IsCritical reports whether the name looks like a credential.
func IsCritical(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range []string{"API_KEY", "APIKEY", "SECRET", "TOKEN", "PASSWORD", "PRIVATE_KEY", "CREDENTIAL", "ACCESS_KEY"} {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}
