package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petlink/core/internal/db"
	"github.com/petlink/core/internal/models"
)

// PetsOptions holds flags for the pets command.
type PetsOptions struct {
	*RootOptions
	Owner string
}

// NewPetsCommand creates the pets command.
func NewPetsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PetsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pets",
		Short: "List cached pets for an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			owner := models.UUID(opts.Owner)
			if owner.IsZero() {
				owners := a.cfg.OwnerUUIDs()
				if len(owners) == 0 {
					if !opts.Demo {
						return NewExitError(ExitCommandError, "no owner given and none configured")
					}
					owners = []models.UUID{DemoOwner}
				}
				owner = owners[0]
			}

			pets, err := a.engine.Pets(commandContext(cmd), owner)
			if err != nil {
				return commandError("failed to list pets", err)
			}
			if pets == nil {
				pets = []*models.Pet{}
			}

			return newPrinter(opts.RootOptions).print(pets, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tNAME\tSPECIES\tTAG\tSTATE")
				for _, p := range pets {
					state := "synced"
					if p.Optimistic() {
						state = "pending"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Species, p.TagCode, state)
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner ID (default: first configured owner)")
	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show server versions discarded as stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.engine.Conflicts(commandContext(cmd), limit)
			if err != nil {
				return commandError("failed to read conflict log", err)
			}
			if conflicts == nil {
				conflicts = []models.ConflictLog{}
			}

			return newPrinter(opts).print(conflicts, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "DETECTED\tKIND\tENTITY\tLOCAL\tREMOTE\tRESOLUTION")
				for _, c := range conflicts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						c.DetectedAtTime().Format(time.RFC3339), c.EntityKind, c.EntityID,
						c.LocalUpdatedAt, c.RemoteUpdatedAt, c.Resolution)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer database.Close()

			m := db.NewMigrator(database.DB, db.Migrations())
			if err := m.Initialize(); err != nil {
				return WrapExitError(ExitFailure, "failed to initialize migrator", err)
			}
			if err := m.Up(); err != nil {
				return WrapExitError(ExitFailure, "failed to apply migrations", err)
			}
			version, err := m.CurrentVersion()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read schema version", err)
			}

			out := struct {
				Path    string `json:"path" yaml:"path"`
				Version int    `json:"version" yaml:"version"`
			}{database.Path(), version}
			return newPrinter(opts).print(out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "database:\t%s\n", out.Path)
				fmt.Fprintf(w, "schema version:\t%d\n", out.Version)
			})
		},
	}
}
