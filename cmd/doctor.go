package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/doctor"
	"github.com/harshul/devsup/internal/provisioner"
	"github.com/harshul/devsup/internal/supervisor"
	"github.com/harshul/devsup/internal/ui"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor [path]",
	Short: "Check that a project is ready for its dev server to start",
	Long: `The doctor command checks the runtime and package manager, whether
dependencies are installed, whether the preferred ports are free and
whether variables the project references are set in its env files.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().Bool("install", false, "Install missing dependencies")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(args)
	if err != nil {
		return err
	}
	install, _ := cmd.Flags().GetBool("install")

	res, err := supervisor.New(cfg).Resolve(dir)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	d := doctor.Diagnose(res.Plan)

	ui.PrintHeader("Diagnosis for " + d.ProjectPath)
	if d.Command != "" {
		ui.PrintHighlight("Command", fmt.Sprintf("%s (%s confidence)", d.Command, d.Confidence))
	}
	if d.Runtime.Installed {
		ui.PrintSuccess(fmt.Sprintf("%s %s", d.Runtime.Name, d.Runtime.Version))
	}
	if d.Dependencies.Manager != "" && d.Dependencies.ManagerInstalled {
		name := provisioner.GetManagerName(provisioner.PackageManager(d.Dependencies.Manager))
		ui.PrintSuccess(fmt.Sprintf("%s %s", name, d.Dependencies.ManagerVersion))
	}
	for _, p := range d.Ports {
		if p.Available {
			ui.PrintSuccess(fmt.Sprintf("port %d is free", p.Port))
		}
	}
	for _, issue := range d.Issues {
		ui.PrintError(issue)
	}
	for _, w := range d.Warnings {
		ui.PrintWarning(w)
	}

	if install && !d.Dependencies.Installed && d.Dependencies.InstallCommand != "" {
		ui.PrintDivider()
		ui.PrintInfo("Running " + d.Dependencies.InstallCommand)
		if err := doctor.InstallDependencies(d.ProjectPath, d.Dependencies.InstallCommand); err != nil {
			return fmt.Errorf("install failed: %w", err)
		}
		ui.PrintSuccess("Dependencies installed")
		return nil
	}

	if !d.Healthy {
		return fmt.Errorf("%d issue(s) found", len(d.Issues))
	}
	ui.PrintSuccess("Ready to run")
	return nil
}
