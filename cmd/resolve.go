package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshul/devsup/internal/supervisor"
	"github.com/harshul/devsup/internal/ui"
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve [path]",
	Short: "Show the dev command devsup would run and why",
	Long: `The resolve command inspects the project manifest, lockfiles and
scripts, and prints the command it infers together with its confidence
and the reasons behind it. Nothing is started.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().Bool("json", false, "Print the full resolution as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(args)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	res, err := supervisor.New(cfg).Resolve(dir)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	plan := res.Plan
	ui.PrintHeader("Dev command for " + plan.Cwd)
	if plan.Command.Bin == "" {
		ui.PrintWarning("No dev command could be inferred")
	} else {
		ui.PrintHighlight("Command", plan.Command.String())
	}
	ui.PrintHighlight("Confidence", string(plan.Confidence))
	if plan.Manager != "" {
		ui.PrintHighlight("Manager", plan.Manager)
	}
	if plan.Detection.Framework != "" {
		ui.PrintHighlight("Framework", plan.Detection.Framework)
	}
	ui.PrintList(plan.Reasons)
	if res.NeedsVerification {
		ui.PrintInfo("Run 'devsup init' to confirm or change this command")
	}
	return nil
}
