package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petlink/core/internal/logging"
	syncpkg "github.com/petlink/core/internal/sync"
	"github.com/petlink/core/internal/sync/scheduler"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Deliver queued actions to the server, then pull server changes into
the local cache.

Example:
  petsync sync
  petsync sync --demo --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}

	res, cycleErr := a.engine.RunCycle(ctx)
	if res != nil {
		if err := newPrinter(opts).print(res, func(w *tabwriter.Writer) { writeCycle(w, res) }); err != nil {
			return err
		}
	}
	if cycleErr != nil {
		return commandError("sync cycle failed", cycleErr)
	}
	return nil
}

func writeCycle(w *tabwriter.Writer, r *syncpkg.CycleResult) {
	fmt.Fprintf(w, "duration:\t%s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "delivered:\t%d completed, %d retrying, %d abandoned (%d recovered)\n",
		r.Completed, r.Retrying, r.Abandoned, r.Recovered)
	fmt.Fprintf(w, "pulled:\t%d rows, %d tombstones, %d stale, %d deferred\n",
		r.Pulled, r.Tombstones, r.Discarded, r.Deferred)
	if r.Purged > 0 {
		fmt.Fprintf(w, "purged:\t%d\n", r.Purged)
	}
	if r.Coalesced {
		fmt.Fprintln(w, "coalesced:\tyes")
	}
	if r.Cancelled {
		fmt.Fprintln(w, "cancelled:\tyes")
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error:\t%s\n", r.Error)
	}
}

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Offline bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync in the background until interrupted",
		Long: `Run periodic sync cycles on the configured interval, with a shorter
retry tick while actions are waiting. Stops on SIGINT or SIGTERM.

Example:
  petsync daemon
  petsync daemon --demo --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start in offline mode (no scheduled cycles)")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}
	a.engine.SetEagerSync(a.cfg.Sync.EagerSync)

	sched := scheduler.NewScheduler(a.engine, &scheduler.SchedulerConfig{
		SyncInterval:  a.cfg.Sync.Interval,
		RetryInterval: a.cfg.Sync.RetryInterval,
	})
	sched.SetOnlineStatus(!opts.Offline)
	sched.Start(ctx)
	if !opts.Offline {
		sched.TriggerSync()
	}

	<-ctx.Done()
	logging.Info("Shutting down", nil)
	sched.Stop()
	return nil
}

// commandContext returns the command's context, or Background when run
// outside ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
