// Package blueprint reads and writes the per-project .devsup.yaml file.
package blueprint

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/harshul/devsup/internal/analyzer"
)

// FileName is the project file looked up in a project directory.
const FileName = ".devsup.yaml"

// Blueprint is a project's saved dev server configuration.
type Blueprint struct {
	Name string `yaml:"name"`
	// DevCommand, when set, is passed to the supervisor as the explicit command.
	DevCommand string `yaml:"devCommand,omitempty"`
	Manager    string `yaml:"manager,omitempty"`
	Confidence string `yaml:"confidence,omitempty"`
	Ports      []int  `yaml:"ports,omitempty"`
}

// FromResolved converts a resolver answer into a blueprint.
func FromResolved(rc analyzer.ResolvedCommand) Blueprint {
	name := rc.Detection.ProjectName
	if name == "" {
		name = filepath.Base(rc.Cwd)
	}
	return Blueprint{
		Name:       name,
		DevCommand: rc.Command.String(),
		Manager:    rc.Manager,
		Confidence: string(rc.Confidence),
		Ports:      rc.PreferredPorts(),
	}
}

// PathFor returns the blueprint path inside dir.
func PathFor(dir string) string {
	return filepath.Join(dir, FileName)
}

// Write writes the blueprint as a YAML file.
func Write(path string, bp Blueprint) error {
	data, err := yaml.Marshal(&bp)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Read parses a blueprint file.
func Read(path string) (Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blueprint{}, err
	}

	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return Blueprint{}, err
	}

	if bp.Name == "" {
		return Blueprint{}, errors.New("invalid configuration: missing name")
	}

	return bp, nil
}

// Load reads dir's blueprint. A missing file is not an error; ok is false.
func Load(dir string) (bp Blueprint, ok bool, err error) {
	bp, err = Read(PathFor(dir))
	if errors.Is(err, os.ErrNotExist) {
		return Blueprint{}, false, nil
	}
	if err != nil {
		return Blueprint{}, false, err
	}
	return bp, true, nil
}
