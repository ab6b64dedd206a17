package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/petlink/core/internal/config"
	"github.com/petlink/core/internal/db"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	syncpkg "github.com/petlink/core/internal/sync"
	"github.com/petlink/core/internal/sync/remote"
	"github.com/petlink/core/internal/sync/remote/remotetest"
	"github.com/petlink/core/internal/telemetry"
)

// DemoOwner is the owner the --demo server is seeded for when no owner IDs
// are configured.
const DemoOwner models.UUID = "demo-owner"

// app is the engine and its dependencies, opened per command.
type app struct {
	cfg    *config.Config
	db     *db.DB
	engine *syncpkg.SyncEngine
	cancel context.CancelFunc
}

// loadConfig reads configuration, applying --data-dir on top.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	v := config.New()
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		if err := v.BindPFlag("data_dir", f); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to bind flags", err)
		}
	}

	var searchDirs []string
	if opts.DataDir != "" {
		searchDirs = append(searchDirs, opts.DataDir)
	}
	cfg, err := config.LoadFrom(v, opts.ConfigPath, searchDirs...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	cfg.InitLogging()
	return cfg, nil
}

// openApp loads config, opens and migrates the database and builds the
// engine. Eager sync is off: commands run cycles explicitly.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		if err := telemetry.Enable(telemetry.LogSink{}); err != nil {
			logging.Warn("Telemetry not enabled", map[string]interface{}{"error": err.Error()})
		}
	}

	database, err := db.Setup(cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	client, err := newClient(cfg, opts.Demo)
	if err != nil {
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create API client", err)
	}

	owners := cfg.OwnerUUIDs()
	if opts.Demo && len(owners) == 0 {
		owners = []models.UUID{DemoOwner}
	}

	engine := syncpkg.NewSyncEngine(database.DB, client, syncpkg.Config{
		OwnerIDs:    owners,
		CallTimeout: cfg.API.Timeout,
		MaxRetries:  cfg.Sync.MaxRetries,
		Backoff:     cfg.Backoff(0),
		Retention:   cfg.Sync.Retention,
	})
	engine.SetEagerSync(false)

	return &app{cfg: cfg, db: database, engine: engine}, nil
}

func newClient(cfg *config.Config, demo bool) (remote.Client, error) {
	if demo {
		logging.Info("Using in-memory demo server", nil)
		return demoServer(), nil
	}
	return remote.NewHTTPClient(cfg.HTTPConfig())
}

// demoServer returns a fake API holding one pet for DemoOwner.
func demoServer() *remotetest.Fake {
	fake := remotetest.New(time.Now().UnixMilli())
	fake.PutPet(models.Pet{
		SyncMeta: models.SyncMeta{ID: "demo-pet-1", OwnerID: DemoOwner},
		Name:     "Biscuit",
		Species:  "dog",
		TagCode:  "PL-DEMO-1",
	})
	return fake
}

// start recovers interrupted actions and serves eager triggers until ctx is
// done or the app is closed.
func (a *app) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.engine.Start(ctx); err != nil {
		return commandError("failed to start engine", err)
	}
	return nil
}

// Close stops the engine, waiting for any cycle in progress, then closes
// the database.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Wait()
	if err := a.db.Close(); err != nil {
		logging.Error("Error closing database", err, nil)
	}
	if err := telemetry.Disable(context.Background()); err != nil {
		logging.Error("Error flushing telemetry", err, nil)
	}
}
