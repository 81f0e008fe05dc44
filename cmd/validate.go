package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sentinel/playbook"
)

var validateFlags struct {
	playbooksDir string
}

var playbooksCmd = &cobra.Command{
	Use:   "playbooks",
	Short: "Playbook utilities",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a playbook directory",
	Long: `Validate loads every playbook in the directory and reports each one
as valid or invalid with the reason. Exits 1 when any playbook fails
validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := playbook.NewStore(validateFlags.playbooksDir, zap.NewNop().Sugar())
		loaded, skipped, err := store.Reload()
		if err != nil {
			return playbookError(err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		out := cmd.OutOrStdout()

		for _, p := range store.Snapshot().Playbooks {
			mode := ""
			if p.DryRun {
				mode = " (dry-run)"
			}
			fmt.Fprintf(out, "%s %s: %s%s\n", green("OK"), p.ID, p.Name, mode)
		}
		for _, verr := range skipped {
			fmt.Fprintf(out, "%s %s: %s\n", red("INVALID"), verr.File, verr.Reason)
		}
		fmt.Fprintf(out, "\n%d valid, %d invalid\n", loaded, len(skipped))

		if len(skipped) > 0 {
			return playbookError(fmt.Errorf("%d playbooks failed validation", len(skipped)))
		}
		if loaded == 0 {
			return playbookError(fmt.Errorf("no playbooks found in %s", validateFlags.playbooksDir))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateFlags.playbooksDir, "playbooks-dir", "", "directory of playbook YAML files (required)")
	_ = validateCmd.MarkFlagRequired("playbooks-dir")
	playbooksCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(playbooksCmd)
}
