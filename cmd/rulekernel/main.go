// Command rulekernel lints, tests, publishes and installs compliance rule
// packs and evaluates rules against entity data.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1 // rejected pack or non-compliant entity
	exitUsage   = 2
	exitRuntime = 3 // evaluation fault or infrastructure error
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run executes the CLI with args[0] as the program name.
func Run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	a.close()
	if err == nil {
		return a.exit
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	if isUsageError(err) {
		return exitUsage
	}
	return exitRuntime
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rulekernel",
		Short:         "Compliance rule kernel: lint, test, publish, install and evaluate rule packs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return usageError{err}
			}
			return nil
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", os.Getenv("RULEKERNEL_CONFIG"), "path to YAML config")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")
	f.StringVar(&a.tenant, "tenant", "", "tenant id (overrides config)")

	root.AddCommand(
		newLintCmd(a),
		newTestCmd(a),
		newPublishCmd(a),
		newInstallCmd(a),
		newEvalCmd(a),
		newDiffCmd(a),
		newHandlersCmd(a),
		newLockCmd(a),
		newSearchCmd(a),
	)
	return root
}

var cobraUsagePrefixes = []string{
	"unknown command",
	"unknown flag",
	"unknown shorthand flag",
	"accepts ",
	"requires at least",
	"required flag",
	"invalid argument",
	"flag needs an argument",
	"if any flags in the group",
}

// usageError marks argument problems detected by cobra or by commands.
type usageError struct{ error }

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	// cobra reports arity and flag problems as plain errors
	msg := err.Error()
	for _, prefix := range cobraUsagePrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
