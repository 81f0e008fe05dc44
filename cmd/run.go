package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"sentinel/bootstrap"
)

var runFlags struct {
	playbooksDir string
	source       string
	dryRunAll    bool
	once         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine",
	Long: `Run starts the pipeline: poll the event source, evaluate playbooks,
and dispatch actions. It blocks until SIGINT/SIGTERM, until the source
is exhausted with --once, or until a fatal error.

Exit codes: 0 on clean shutdown or --once completion, 1 when the
playbook directory yields zero usable playbooks, 2 on an unrecoverable
runtime fault such as an unavailable ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.NewApp(cmd.Context(), bootstrap.RunOptions{
			PlaybooksDir: runFlags.playbooksDir,
			SourceURI:    runFlags.source,
			DryRunAll:    runFlags.dryRunAll,
			Once:         runFlags.once,
		})
		if err != nil {
			if errors.Is(err, bootstrap.ErrNoUsablePlaybooks) {
				return playbookError(err)
			}
			return runtimeError(err)
		}
		if err := app.Run(context.Background()); err != nil {
			return runtimeError(err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.playbooksDir, "playbooks-dir", "", "directory of playbook YAML files (required)")
	runCmd.Flags().StringVar(&runFlags.source, "source", "", "event source: http(s) Loki URL or file:// NDJSON path")
	runCmd.Flags().BoolVar(&runFlags.dryRunAll, "dry-run-all", false, "force every playbook into dry-run mode")
	runCmd.Flags().BoolVar(&runFlags.once, "once", false, "drain the source to exhaustion and exit")
	_ = runCmd.MarkFlagRequired("playbooks-dir")
	rootCmd.AddCommand(runCmd)
}
