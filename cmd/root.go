// Package cmd implements the sentinel command line interface.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ExitCodeError carries a process exit code alongside the error.
// Playbook-directory load failures exit 1; unrecoverable runtime
// faults (ledger unavailable, write failures) exit 2.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string { return e.Err.Error() }
func (e *ExitCodeError) Unwrap() error { return e.Err }

func playbookError(err error) error { return &ExitCodeError{Code: 1, Err: err} }
func runtimeError(err error) error  { return &ExitCodeError{Code: 2, Err: err} }

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "Sentinel SOAR engine",
	Long:          "Sentinel watches an event stream, matches events against response playbooks, and dispatches automated actions with deduplication and cooldown.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 2
	}
	return 0
}
