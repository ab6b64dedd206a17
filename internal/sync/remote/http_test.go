package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/petlink/core/internal/errors"
	"github.com/petlink/core/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL + "/",
		Timeout: 2 * time.Second,
		Tokens:  StaticToken("secret"),
	})
	require.NoError(t, err)
	return c
}

func TestHTTPClient_CreatePet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/pets", r.URL.Path)
		assert.Equal(t, "action-1", r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body models.CreatePetPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Max", body.Name)

		json.NewEncoder(w).Encode(models.Pet{
			SyncMeta: models.SyncMeta{ID: body.PetID, OwnerID: body.OwnerID, UpdatedAt: 42},
			Name:     body.Name,
			Species:  body.Species,
		})
	})

	pet, err := c.CreatePet(context.Background(), "action-1", models.CreatePetPayload{
		PetID: "pet-1", OwnerID: "owner-1", Name: "Max", Species: "dog",
	})
	require.NoError(t, err)
	assert.Equal(t, models.UUID("pet-1"), pet.ID)
	assert.Equal(t, int64(42), pet.UpdatedAt)
	assert.Zero(t, pet.LastSyncedAt)
}

func TestHTTPClient_noBody(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"empty ok", http.StatusOK, ""},
		{"whitespace", http.StatusCreated, " \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			pet, err := c.CreatePet(context.Background(), "action-1", models.CreatePetPayload{
				PetID: "pet-1", OwnerID: "owner-1", Name: "Max", Species: "dog",
			})
			require.NoError(t, err)
			assert.Nil(t, pet)

			ts, err := c.DeletePet(context.Background(), "action-2", models.DeletePetPayload{PetID: "pet-1"})
			require.NoError(t, err)
			assert.Nil(t, ts)
		})
	}
}

func TestHTTPClient_PullPets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/owners/owner-1/pets", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("since"))
		assert.Empty(t, r.Header.Get(IdempotencyHeader))

		w.Write([]byte(`{"items":[{"id":"pet-1","owner_id":"owner-1","updated_at":1001,"name":"Max","species":"dog","missing":false}],
			"tombstones":[{"id":"pet-2","deleted_at":1002}],"server_time":1003}`))
	})

	d, err := c.PullPets(context.Background(), "owner-1", 1000)
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	assert.Equal(t, "Max", d.Items[0].Name)
	require.Len(t, d.Tombstones, 1)
	assert.Equal(t, int64(1002), d.Tombstones[0].DeletedAt)
	assert.Equal(t, int64(1003), d.ServerTime)
}

func TestHTTPClient_errors(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		permanent bool
	}{
		{http.StatusUnprocessableEntity, `{"code":"validation_failed","message":"species is required"}`, true},
		{http.StatusNotFound, `{"code":"not_found","message":"pet not found"}`, true},
		{http.StatusServiceUnavailable, `upstream down`, false},
		{http.StatusTooManyRequests, ``, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			name := "Max"
			_, err := c.UpdatePet(context.Background(), "action-1", models.UpdatePetPayload{PetID: "pet-1", Name: &name})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, apperrors.IsPermanent(err))
			assert.Equal(t, !tt.permanent, apperrors.IsTransient(err))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestHTTPClient_timeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ResolveAlert(ctx, "action-1", models.ResolveAlertPayload{AlertID: "alert-1", ResolvedAt: 1})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestNewHTTPClient_invalidURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}
