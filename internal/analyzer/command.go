package analyzer

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/harshul/devsup/internal/provisioner"
)

// Command is a literal executable and argument vector.
type Command struct {
	Bin  string   `json:"bin"`
	Args []string `json:"args"`
	// Shell is set when the command came from a string with shell operators
	// and is run through sh -c (cmd /C on Windows).
	Shell bool `json:"shell,omitempty"`
}

// String renders the command for display.
func (c Command) String() string {
	if c.Shell && len(c.Args) > 0 {
		return c.Args[len(c.Args)-1]
	}
	parts := append([]string{c.Bin}, c.Args...)
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\"'\\;&|<>()$`*?") {
			parts[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
		}
	}
	return strings.Join(parts, " ")
}

// IsZero reports whether no executable is set.
func (c Command) IsZero() bool {
	return c.Bin == ""
}

// ErrEmptyCommand is returned by ParseCommand for blank input.
var ErrEmptyCommand = errors.New("empty command")

// ErrUnbalancedQuotes is returned by ParseCommand for an unterminated quote
// or escape.
var ErrUnbalancedQuotes = errors.New("unbalanced quotes in command")

// ParseCommand turns a user-supplied command string such as "bun run dev"
// into a Command. Only operators outside quotes (&&, |, ;, redirects,
// subshells) or expansions ($VAR, globs, ~) send the string through the
// platform shell; quoted text is passed to the program untouched.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Command{}, ErrEmptyCommand
	}
	if strings.Contains(s, "`") || strings.Contains(s, "$(") {
		return shellCommand(s), nil
	}

	p := shellwords.NewParser()
	fields, err := p.Parse(s)
	if err != nil {
		// The parser rejects unquoted parentheses, which only a shell
		// understands.
		if strings.ContainsAny(s, "()") {
			return shellCommand(s), nil
		}
		return Command{}, fmt.Errorf("%w: %v", ErrUnbalancedQuotes, err)
	}
	if p.Position >= 0 || needsExpansion(fields) || (len(fields) > 0 && isAssignment(fields[0])) {
		return shellCommand(s), nil
	}
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{Bin: fields[0], Args: fields[1:]}, nil
}

func shellCommand(s string) Command {
	if runtime.GOOS == "windows" {
		return Command{Bin: "cmd", Args: []string{"/C", s}, Shell: true}
	}
	return Command{Bin: "sh", Args: []string{"-c", s}, Shell: true}
}

// "PORT=4000 npm run dev" sets a variable for the command.
func isAssignment(field string) bool {
	name, _, ok := strings.Cut(field, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if r != '_' && !(r >= 'A' && r <= 'Z') && !(r >= 'a' && r <= 'z') && (i == 0 || !(r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// needsExpansion reports whether a field relies on variable, glob or home
// directory expansion. Passing such a field to sh -c is harmless when it was
// quoted, since the shell honors the same quotes.
func needsExpansion(fields []string) bool {
	for _, f := range fields {
		if strings.ContainsAny(f, "$*?") || strings.HasPrefix(f, "~") {
			return true
		}
	}
	return false
}

// managerSubcommands are first arguments that are package manager verbs,
// not script names. "npm install" must never be reported as a dev script.
var managerSubcommands = map[string]bool{
	"install": true, "i": true, "ci": true, "add": true, "remove": true,
	"rm": true, "uninstall": true, "un": true, "update": true, "upgrade": true,
	"up": true, "exec": true, "dlx": true, "x": true, "create": true,
	"init": true, "link": true, "unlink": true, "publish": true, "pack": true,
	"audit": true, "outdated": true, "config": true, "login": true,
	"logout": true, "version": true, "help": true, "why": true, "list": true,
	"ls": true, "cache": true, "prune": true, "rebuild": true, "dedupe": true,
	"info": true, "view": true, "whoami": true, "import": true, "patch": true,
	"set": true, "workspace": true, "workspaces": true, "global": true,
}

// ExtractScriptName returns the manifest script a package manager invocation
// targets: "npm run dev" and "yarn dev" give "dev"; "npm install" and
// "npx vite" give "".
func ExtractScriptName(c Command) string {
	if _, ok := provisioner.IsManagerBinary(c.Bin); !ok {
		return ""
	}
	if len(c.Args) == 0 {
		return ""
	}
	first := c.Args[0]
	if first == "run" || first == "run-script" {
		if len(c.Args) < 2 || strings.HasPrefix(c.Args[1], "-") {
			return ""
		}
		return c.Args[1]
	}
	if strings.HasPrefix(first, "-") || managerSubcommands[first] || looksLikeFile(first) {
		return ""
	}
	return first
}

// "bun server.ts" runs a file, not a script.
func looksLikeFile(arg string) bool {
	if strings.ContainsAny(arg, `/\`) {
		return true
	}
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".js", ".mjs", ".cjs", ".ts", ".mts", ".cts", ".tsx", ".jsx":
		return true
	}
	return false
}
