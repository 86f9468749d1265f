// Package main is the nova-compute worker.
//
// Overview:
//   - Responsibility: Boot the compute service on its message bus topic and run it
//     until a signal arrives or the service fails
//   - Key Types: Cobra root command (worker) and version subcommand
//   - Error Semantics: Exit status 0 on clean shutdown or help, 2 on configuration
//     errors, 1 on construction or runtime failures
//
// Usage:
//
//	nova-compute --topic=compute [--config-file=/etc/nova/nova.yaml]
//	nova-compute version
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/servicex"
)

const binary = "nova-compute"

func newRootCmd(exitCode *int) *cobra.Command {
	root := &cobra.Command{
		Use:   binary + " [options]",
		Short: "Run the compute worker",
		Long: `Run the compute worker.

Options are read from config files, NOVA_* environment variables and flags,
in that order of precedence. Run with --help for the full option list.`,
		// Options are declared by the packages the worker wires, so the
		// bootstrap parses them instead of cobra.
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := &servicex.Bootstrap{
				Binary:    binary,
				Argv0:     os.Args[0],
				Args:      args,
				Substrate: runtimex.DefaultSubstrateOptions(),
				Stderr:    cmd.ErrOrStderr(),
			}
			err := b.Run()
			*exitCode = servicex.ExitCode(err)
			return nil
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			version, commit, built := servicex.VersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s, %s)\n", binary, version, commit, built, runtime.Version())
		},
	})
	return root
}

func run() int {
	exitCode := 0
	if err := newRootCmd(&exitCode).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", binary, err)
		return 1
	}
	return exitCode
}

func main() {
	os.Exit(run())
}
