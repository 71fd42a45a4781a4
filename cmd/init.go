package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/blueprint"
	"github.com/harshul/devsup/internal/supervisor"
	"github.com/harshul/devsup/internal/ui"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Confirm the dev command and write a .devsup.yaml file",
	Long: `The init command resolves the project's dev command, asks you to
confirm or edit it, and saves the answer to .devsup.yaml. 'devsup run'
uses the saved command instead of guessing again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing .devsup.yaml file")
	initCmd.Flags().BoolP("yes", "y", false, "Accept the inferred command without prompting")
	initCmd.Flags().String("command", "", "Save this command instead of the inferred one")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(args)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	yes, _ := cmd.Flags().GetBool("yes")
	explicit, _ := cmd.Flags().GetString("command")

	res, err := supervisor.New(cfg).Resolve(dir)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	plan := res.Plan

	outputPath := blueprint.PathFor(plan.Cwd)
	if _, err := os.Stat(outputPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s. Use --force to overwrite", outputPath)
	}

	inferred := ""
	if plan.Command.Bin != "" {
		inferred = plan.Command.String()
	}

	chosen := strings.TrimSpace(explicit)
	switch {
	case chosen != "":
	case yes && inferred != "":
		chosen = inferred
	case yes:
		return fmt.Errorf("no dev command could be inferred for %s; pass --command", plan.Cwd)
	default:
		chosen, err = ui.RunCommandPrompt(inferred, string(plan.Confidence), plan.Reasons)
		if err != nil {
			return fmt.Errorf("interactive prompt failed: %w", err)
		}
		if chosen == "" {
			ui.PrintWarning("Cancelled, nothing written")
			return nil
		}
	}

	bp := blueprint.FromResolved(plan)
	bp.DevCommand = chosen
	if chosen != inferred {
		bp.Confidence = "confirmed"
	}

	if err := blueprint.Write(outputPath, bp); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	ui.PrintSuccess(fmt.Sprintf("Configuration written to %s", outputPath))
	ui.PrintInfo("Run 'devsup run' to start the dev server")
	return nil
}
