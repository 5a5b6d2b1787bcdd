// Package cli provides the sf command: single-shot scans from the terminal
// over the embedded database backend.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/target"
)

// Version is set with -ldflags at build time.
var Version = "1.0.0-dev"

// Exit codes.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitBadArguments = 2
	exitUnresolvable = 3
)

var (
	flagTarget  string
	flagType    string
	flagModules string
	flagOutput  string
	flagDB      string
)

var rootCmd = &cobra.Command{
	Use:     "sf",
	Short:   "ScanForge - OSINT scan engine CLI",
	Version: Version,
	Long: `sf runs a single scan against a target and prints the collected
events when the scan completes.

The scan runs in-process against an embedded database; no server is
required. Modules are selected explicitly with -m, or default to every
registered module.`,
	Example: `  sf -s example.com -m sfp_dnsresolve,sfp_portscan_tcp
  sf -s 192.0.2.10 -m sfp_portscan_tcp -o json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runScan,
}

func init() {
	rootCmd.Flags().StringVarP(&flagTarget, "target", "s", "", "seed target to scan (required)")
	rootCmd.Flags().StringVarP(&flagType, "type", "t", "", "target type hint (auto-classified when omitted)")
	rootCmd.Flags().StringVarP(&flagModules, "modules", "m", "", "comma-separated module list")
	rootCmd.Flags().StringVarP(&flagOutput, "output", "o", "csv", "output format: csv or json")
	rootCmd.Flags().StringVar(&flagDB, "db", "", "database path or URL (default scanforge.db)")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "sf:", exitErr.msg)

			return exitErr.code
		}

		fmt.Fprintln(os.Stderr, "sf:", err)

		return classifyExit(err)
	}

	return exitOK
}

// exitError carries a specific exit code alongside the message.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// classifyExit maps domain errors onto CLI exit codes.
func classifyExit(err error) int {
	switch {
	case errors.Is(err, target.ErrEmptyTarget),
		errors.Is(err, target.ErrUnclassifiable),
		errors.Is(err, target.ErrPrivateAddress):
		return exitUnresolvable
	case errors.Is(err, plugin.ErrUnknownModule):
		return exitBadArguments
	default:
		return exitGeneric
	}
}

// validateArgs checks flag values before any state is touched.
func validateArgs() error {
	if flagTarget == "" {
		return &exitError{code: exitBadArguments, msg: "target is required (-s TARGET)"}
	}

	switch flagOutput {
	case query.FormatCSV, query.FormatJSON:
	default:
		return &exitError{
			code: exitBadArguments,
			msg:  fmt.Sprintf("unsupported output format %q (csv or json)", flagOutput),
		}
	}

	return nil
}

// moduleList splits the -m flag into module names.
func moduleList() []string {
	if flagModules == "" {
		return nil
	}

	parts := strings.Split(flagModules, ",")
	names := make([]string, 0, len(parts))

	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			names = append(names, trimmed)
		}
	}

	return names
}
