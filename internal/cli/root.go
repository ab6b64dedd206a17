// Package cli implements the petsync command-line interface.
package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Format     string // "text" | "json" | "yaml"
	Verbose    bool
	Demo       bool

	// Stdout and Stderr default to the command's writers; tests override them.
	Stdout io.Writer
	Stderr io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// Version is set at build time.
var Version = "0.1.0"

// NewRootCommand creates the root command for the petsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "petsync",
		Short:   "PetLink offline sync engine",
		Long:    "Delivers queued PetLink changes to the server and keeps the local cache in step with it.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Stdout == nil {
				opts.Stdout = cmd.OutOrStdout()
			}
			if opts.Stderr == nil {
				opts.Stderr = cmd.ErrOrStderr()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to petlink.yaml (default: search data dir and working dir)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.Demo, "demo", false, "use an in-memory server instead of the configured API")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewPetsCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))

	return cmd
}
