package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/config"
	"github.com/harshul/devsup/internal/logging"
)

// Version information (can be set at build time)
var (
	version = "0.1.0"
)

// Persistent flag values
var (
	configPath string
	logLevel   string
	logFile    string
	jsonLogs   bool
)

// cfg is loaded before any subcommand runs.
var cfg config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devsup",
	Short: "Start and supervise local dev servers with zero configuration",
	Long: `devsup figures out how a project's dev server is started, runs it,
detects the URL it serves on, and restarts it when it crashes.

Usage:
  devsup resolve [path]   Show the inferred dev command and why
  devsup init [path]      Confirm the command and write a .devsup.yaml file
  devsup run [paths...]   Start dev servers in a terminal dashboard
  devsup serve            Expose the supervisor over HTTP
  devsup doctor [path]    Check that a project is ready to start`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, quiet")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	file := logFile
	if file == "" {
		file = cfg.LogFile
	}
	logging.Setup(logging.Options{Level: level, File: file, JSON: jsonLogs})
	return nil
}

// projectDir returns the first argument as an absolute directory, or the
// working directory.
func projectDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read project directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
