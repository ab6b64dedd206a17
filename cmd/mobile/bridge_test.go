package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petlink/core/internal/config"
	"github.com/petlink/core/internal/credentials"
	"github.com/petlink/core/internal/models"
	"github.com/petlink/core/internal/sync/remote/remotetest"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Code  string          `json:"code"`
	Error string          `json:"error"`
}

func decode(t *testing.T, s string) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(s), &env))
	return env
}

func startTestCore(t *testing.T) *remotetest.Fake {
	t.Helper()
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Sync.OwnerIDs = []string{"owner-1"}
	cfg.Sync.EagerSync = false

	fake := remotetest.New(10_000)
	require.NoError(t, startCore(cfg, fake))
	t.Cleanup(cleanupCore)
	return fake
}

func TestNotInitialized(t *testing.T) {
	cleanupCore()

	env := decode(t, status())
	assert.False(t, env.OK)
	assert.Equal(t, "SYNC_NOT_CONFIGURED", env.Code)
	assert.Equal(t, env.Error, getLastError())
	assert.Zero(t, changeCounter())
}

func TestEnqueueRunCycleListPets(t *testing.T) {
	fake := startTestCore(t)

	env := decode(t, enqueueAction(string(models.ActionCreatePet),
		`{"owner_id":"owner-1","name":"Luna","species":"cat"}`))
	require.True(t, env.OK, env.Error)
	var action models.QueuedAction
	require.NoError(t, json.Unmarshal(env.Data, &action))
	assert.Equal(t, models.ActionPending, action.Status)
	assert.NotZero(t, changeCounter())

	env = decode(t, runCycle())
	require.True(t, env.OK, env.Error)
	assert.Equal(t, 1, fake.PetCount())

	env = decode(t, listPets("owner-1"))
	require.True(t, env.OK, env.Error)
	var pets []models.Pet
	require.NoError(t, json.Unmarshal(env.Data, &pets))
	require.Len(t, pets, 1)
	assert.Equal(t, "Luna", pets[0].Name)

	env = decode(t, listQueue(string(models.ActionCompleted)))
	require.True(t, env.OK, env.Error)
	var actions []models.QueuedAction
	require.NoError(t, json.Unmarshal(env.Data, &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, action.ID, actions[0].ID)
}

func TestEnqueue_invalid(t *testing.T) {
	startTestCore(t)

	env := decode(t, enqueueAction("adopt_pet", `{}`))
	assert.False(t, env.OK)
	assert.Equal(t, "UNKNOWN_ACTION_KIND", env.Code)

	env = decode(t, enqueueAction(string(models.ActionCreatePet), `{"owner_id":"owner-1"}`))
	assert.False(t, env.OK)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
}

func TestDiscardAndResubmit_rejectLiveActions(t *testing.T) {
	startTestCore(t)

	env := decode(t, enqueueAction(string(models.ActionCreatePet),
		`{"owner_id":"owner-1","name":"Luna","species":"cat"}`))
	require.True(t, env.OK, env.Error)
	var action models.QueuedAction
	require.NoError(t, json.Unmarshal(env.Data, &action))

	env = decode(t, discardAction(string(action.ID)))
	assert.False(t, env.OK)
	assert.Equal(t, "INVALID_TRANSITION", env.Code)

	env = decode(t, resubmitAction(string(action.ID), ""))
	assert.False(t, env.OK)
	assert.Equal(t, "INVALID_TRANSITION", env.Code)

	env = decode(t, resubmitAction("missing", `{}`))
	assert.False(t, env.OK)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestStatusAndOnline(t *testing.T) {
	startTestCore(t)

	setOnline(false)
	env := decode(t, status())
	require.True(t, env.OK, env.Error)

	var st struct {
		IsRunning    bool
		IsOnline     bool
		PendingItems int
	}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.IsRunning)
	assert.False(t, st.IsOnline)
	assert.Zero(t, st.PendingItems)
}

func TestSetToken(t *testing.T) {
	startTestCore(t)

	env := decode(t, setToken("tok-abc"))
	require.True(t, env.OK, env.Error)

	coreMu.RLock()
	creds := current.creds
	coreMu.RUnlock()
	got, err := creds.Get(credentials.DefaultAccount)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", got)

	env = decode(t, setToken(""))
	require.True(t, env.OK, env.Error)
	_, err = creds.Get(credentials.DefaultAccount)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestInitCore_badConfig(t *testing.T) {
	t.Setenv("PETLINK_API_BASE_URL", "::not a url")

	err := initCore(t.TempDir(), "")
	require.Error(t, err)
}
