package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/petlink/core/internal/sync"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.engine.Snapshot(commandContext(cmd))
			if err != nil {
				return commandError("failed to read status", err)
			}
			return newPrinter(opts).print(snap, func(w *tabwriter.Writer) { writeSnapshot(w, snap) })
		},
	}
}

func writeSnapshot(w *tabwriter.Writer, s *syncpkg.Snapshot) {
	q := s.Queue
	fmt.Fprintf(w, "status:\t%s\n", s.Status)
	fmt.Fprintf(w, "queue:\t%d pending, %d in flight, %d failed, %d abandoned, %d completed\n",
		q.Pending, q.InFlight, q.Failed, q.Abandoned, q.Completed)
	if s.LastSyncedAt != nil {
		fmt.Fprintf(w, "last synced:\t%s\n", s.LastSyncedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "last synced:\tnever")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "last error:\t%s\n", s.LastError)
	}
}
