package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/blueprint"
	"github.com/harshul/devsup/internal/logging"
	"github.com/harshul/devsup/internal/state"
	"github.com/harshul/devsup/internal/supervisor"
	"github.com/harshul/devsup/internal/thermal"
	"github.com/harshul/devsup/internal/ui"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [paths...]",
	Short: "Start dev servers and watch them in a terminal dashboard",
	Long: `The run command starts the dev server of every given project
directory (default: the current one) and supervises it: the URL is
detected from its output or by probing common ports, and unexpected exits
are restarted until the crash-loop limit is reached.

A project's .devsup.yaml devCommand is used when present; otherwise the
command is inferred and only started when the inference is confident.

With several projects, starts are paced to keep the machine responsive.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("command", "", "Explicit dev command (single project only)")
	runCmd.Flags().Int("concurrency", 0, "Projects starting at once (0 = based on hardware)")
	runCmd.Flags().Duration("cool-down", thermal.DefaultCoolDown, "Pause between paced starts")
	runCmd.Flags().Bool("no-tui", false, "Disable TUI dashboard (use plain scrolling output)")
}

func runRun(cmd *cobra.Command, args []string) error {
	explicit, _ := cmd.Flags().GetString("command")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	coolDown, _ := cmd.Flags().GetDuration("cool-down")
	noTUI, _ := cmd.Flags().GetBool("no-tui")

	if len(args) == 0 {
		args = []string{"."}
	}
	if explicit != "" && len(args) > 1 {
		return errors.New("--command can only be used with a single project")
	}

	projects, err := loadProjects(args, explicit)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hw := thermal.Detect()
	limit := thermal.StartLimit(hw, concurrency, len(projects))
	log.WithFields(log.Fields{"hardware": hw.Describe(), "limit": limit}).Debug("start pacing")

	sup := supervisor.New(cfg)
	if noTUI {
		err = runPlain(ctx, sup, projects, limit, coolDown)
	} else {
		err = runDashboard(ctx, sup, projects, limit, coolDown)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.KillTimeout()+cfg.ForceKillGrace()+time.Second)
	defer cancel()
	if serr := sup.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("failed to stop dev servers: %w", serr)
	}
	return err
}

func loadProjects(paths []string, explicit string) ([]*ui.Project, error) {
	projects := make([]*ui.Project, 0, len(paths))
	seen := make(map[string]bool)
	for _, path := range paths {
		dir, err := projectDir([]string{path})
		if err != nil {
			return nil, err
		}
		bp, ok, err := blueprint.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", blueprint.PathFor(dir), err)
		}
		name, command := "", explicit
		if ok {
			name = bp.Name
			if command == "" {
				command = bp.DevCommand
			}
		}
		p := ui.NewProject(name, dir, command)
		if seen[p.Path] {
			continue
		}
		seen[p.Path] = true
		projects = append(projects, p)
	}
	return projects, nil
}

func runDashboard(ctx context.Context, sup *supervisor.Supervisor, projects []*ui.Project, limit int, coolDown time.Duration) error {
	// Log lines would tear the alt screen.
	if logFile == "" && cfg.LogFile == "" {
		logging.Discard()
	}

	sub := sup.Subscribe("")
	defer sub.Close()

	dash := ui.NewDashboard(sup, sub.C, projects)
	dash.SetStartPacing(limit, coolDown)

	p := tea.NewProgram(dash, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// runPlain streams every project's output to stdout, prefixed by name.
func runPlain(ctx context.Context, sup *supervisor.Supervisor, projects []*ui.Project, limit int, coolDown time.Duration) error {
	names := make(map[string]string, len(projects))
	commands := make(map[string]string, len(projects))
	paths := make([]string, 0, len(projects))
	for _, p := range projects {
		names[p.Path] = p.Name
		commands[p.Path] = p.Command
		paths = append(paths, p.Path)
	}

	sub := sup.Subscribe("")
	defer sub.Close()
	go func() {
		for e := range sub.C {
			printEvent(names[e.Path], e)
		}
	}()

	errs := thermal.Pace(ctx, paths, limit, coolDown, func(ctx context.Context, path string) error {
		_, err := sup.Start(ctx, path, commands[path])
		return err
	})
	for _, p := range projects {
		err, ok := errs[p.Path]
		if !ok || errors.Is(err, context.Canceled) || supervisor.CodeOf(err) == supervisor.CodeStartCanceled {
			continue
		}
		ui.PrintError(fmt.Sprintf("%s: %v", p.Name, err))
	}

	<-ctx.Done()
	fmt.Println()
	ui.PrintInfo("Stopping dev servers...")
	return nil
}

func printEvent(name string, e supervisor.Event) {
	switch e.Type {
	case supervisor.EventOutput:
		if e.Line != nil {
			fmt.Printf("[%s] %s\n", name, e.Line.Text)
		}
	case supervisor.EventState:
		if e.State == nil {
			return
		}
		switch e.State.Status {
		case state.StatusRunning:
			ui.PrintSuccess(fmt.Sprintf("%s is running at %s", name, e.State.URLString()))
		case state.StatusError:
			msg := name + " failed"
			if e.State.LastError != nil {
				msg += ": " + *e.State.LastError
			}
			ui.PrintError(msg)
		}
	case supervisor.EventExit:
		if e.Exit != nil && !e.Exit.Expected {
			ui.PrintWarning(fmt.Sprintf("%s exited with code %d (crash %d)", name, e.Exit.Code, e.Exit.CrashCount))
		}
	}
}
