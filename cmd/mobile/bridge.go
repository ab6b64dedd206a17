package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petlink/core/internal/config"
	"github.com/petlink/core/internal/credentials"
	"github.com/petlink/core/internal/db"
	"github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
	syncpkg "github.com/petlink/core/internal/sync"
	"github.com/petlink/core/internal/sync/remote"
	"github.com/petlink/core/internal/sync/scheduler"
)

// core is the engine instance the exported functions operate on.
type core struct {
	creds  *credentials.Store
	db     *db.DB
	engine *syncpkg.SyncEngine
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
}

var (
	coreMu  sync.RWMutex
	current *core

	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// response is the envelope every JSON-returning export uses.
type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Code  string      `json:"code,omitempty"`
	Error string      `json:"error,omitempty"`
}

func encode(data interface{}, err error) string {
	resp := response{OK: err == nil, Data: data}
	if err != nil {
		resp.Code = string(errors.CodeOf(err))
		resp.Error = err.Error()
		setLastError(err.Error())
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", merr))
		return `{"ok":false,"code":"INTERNAL_ERROR","error":"serialization failed"}`
	}
	return string(out)
}

// initCore loads configuration, opens the database and starts the engine
// and scheduler. A second call closes the running instance first.
func initCore(dataDir, configPath string) error {
	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.InitLogging()

	client, err := remote.NewHTTPClient(cfg.HTTPConfig())
	if err != nil {
		return errors.Wrap(errors.ErrSyncNotConfigured, "invalid API settings", err)
	}
	return startCore(cfg, client)
}

func startCore(cfg *config.Config, client remote.Client) error {
	cleanupCore()

	database, err := db.Setup(cfg.DataDir)
	if err != nil {
		return errors.Storage("open database", err)
	}

	engine := syncpkg.NewSyncEngine(database.DB, client, syncpkg.Config{
		OwnerIDs:    cfg.OwnerUUIDs(),
		CallTimeout: cfg.API.Timeout,
		MaxRetries:  cfg.Sync.MaxRetries,
		Backoff:     cfg.Backoff(0),
		Retention:   cfg.Sync.Retention,
	})
	engine.SetEagerSync(cfg.Sync.EagerSync)

	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		cancel()
		database.Close()
		return err
	}

	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		RetryInterval: cfg.Sync.RetryInterval,
	})
	sched.Start(ctx)

	coreMu.Lock()
	current = &core{creds: cfg.Credentials(), db: database, engine: engine, sched: sched, cancel: cancel}
	coreMu.Unlock()

	logging.Info("Sync core initialized", map[string]interface{}{"data_dir": cfg.DataDir})
	return nil
}

func (c *core) close() {
	c.sched.Stop()
	c.cancel()
	c.engine.Wait()
	if err := c.db.Close(); err != nil {
		logging.Error("Error closing database", err, nil)
	}
}

func cleanupCore() {
	coreMu.Lock()
	c := current
	current = nil
	coreMu.Unlock()
	if c != nil {
		c.close()
	}
}

// withCore runs fn against the current instance, holding the read lock so
// cleanup waits for it.
func withCore(fn func(c *core) (interface{}, error)) string {
	coreMu.RLock()
	defer coreMu.RUnlock()
	if current == nil {
		return encode(nil, errors.New(errors.ErrSyncNotConfigured, "sync core not initialized"))
	}
	return encode(fn(current))
}

func enqueueAction(kind, payload string) string {
	return withCore(func(c *core) (interface{}, error) {
		return c.engine.SubmitJSON(context.Background(), models.ActionKind(kind), json.RawMessage(payload))
	})
}

func runCycle() string {
	return withCore(func(c *core) (interface{}, error) {
		return c.sched.SyncNow(context.Background())
	})
}

func status() string {
	return withCore(func(c *core) (interface{}, error) {
		return c.sched.GetStatus(context.Background()), nil
	})
}

func listPets(owner string) string {
	return withCore(func(c *core) (interface{}, error) {
		return c.engine.Pets(context.Background(), models.UUID(owner))
	})
}

func listAlerts(owner string) string {
	return withCore(func(c *core) (interface{}, error) {
		return c.engine.Alerts(context.Background(), models.UUID(owner))
	})
}

func listQueue(statusFilter string) string {
	return withCore(func(c *core) (interface{}, error) {
		var statuses []models.ActionStatus
		if statusFilter != "" {
			statuses = append(statuses, models.ActionStatus(statusFilter))
		}
		return c.engine.Actions(context.Background(), statuses...)
	})
}

func discardAction(id string) string {
	return withCore(func(c *core) (interface{}, error) {
		return nil, c.engine.Discard(context.Background(), models.UUID(id))
	})
}

func resubmitAction(id, payload string) string {
	return withCore(func(c *core) (interface{}, error) {
		ctx := context.Background()
		var p models.Payload
		if payload != "" {
			action, err := c.engine.Action(ctx, models.UUID(id))
			if err != nil {
				return nil, err
			}
			if p, err = models.DecodePayload(action.Kind, json.RawMessage(payload)); err != nil {
				return nil, errors.Wrap(errors.ErrValidation, "invalid payload", err)
			}
		}
		return c.engine.Resubmit(ctx, models.UUID(id), p)
	})
}

// setToken stores the API token used when api.token is not configured; an
// empty token removes it.
func setToken(token string) string {
	return withCore(func(c *core) (interface{}, error) {
		if token == "" {
			return nil, c.creds.Delete(credentials.DefaultAccount)
		}
		return nil, c.creds.Put(credentials.DefaultAccount, token)
	})
}

func setOnline(online bool) {
	coreMu.RLock()
	defer coreMu.RUnlock()
	if current != nil {
		current.sched.SetOnlineStatus(online)
	}
}

func changeCounter() uint64 {
	coreMu.RLock()
	defer coreMu.RUnlock()
	if current == nil {
		return 0
	}
	return current.engine.Changes()
}
