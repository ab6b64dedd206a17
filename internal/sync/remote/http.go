package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/models"
)

// IdempotencyHeader carries the action ID on every mutation.
const IdempotencyHeader = "Idempotency-Key"

// TokenSource supplies bearer tokens. Token issuance and refresh happen
// outside the engine.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// HTTPConfig holds API connection configuration.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	Tokens    TokenSource
	UserAgent string
}

// HTTPClient implements Client over the PetLink JSON API.
type HTTPClient struct {
	config     HTTPConfig
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "petlink-sync"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &HTTPClient{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
	}, nil
}

// CreatePet implements Client.
func (c *HTTPClient) CreatePet(ctx context.Context, key models.UUID, p models.CreatePetPayload) (*models.Pet, error) {
	return call[models.Pet](ctx, c, http.MethodPost, "/v1/pets", key, p)
}

// UpdatePet implements Client.
func (c *HTTPClient) UpdatePet(ctx context.Context, key models.UUID, p models.UpdatePetPayload) (*models.Pet, error) {
	return call[models.Pet](ctx, c, http.MethodPatch, "/v1/pets/"+url.PathEscape(p.PetID.String()), key, p)
}

// DeletePet implements Client.
func (c *HTTPClient) DeletePet(ctx context.Context, key models.UUID, p models.DeletePetPayload) (*models.Tombstone, error) {
	return call[models.Tombstone](ctx, c, http.MethodDelete, "/v1/pets/"+url.PathEscape(p.PetID.String()), key, nil)
}

// CreateAlert implements Client.
func (c *HTTPClient) CreateAlert(ctx context.Context, key models.UUID, p models.CreateAlertPayload) (*models.Alert, error) {
	return call[models.Alert](ctx, c, http.MethodPost, "/v1/alerts", key, p)
}

// ResolveAlert implements Client.
func (c *HTTPClient) ResolveAlert(ctx context.Context, key models.UUID, p models.ResolveAlertPayload) (*models.Alert, error) {
	return call[models.Alert](ctx, c, http.MethodPost, "/v1/alerts/"+url.PathEscape(p.AlertID.String())+"/resolve", key, p)
}

// CreateSuccessStory implements Client.
func (c *HTTPClient) CreateSuccessStory(ctx context.Context, key models.UUID, p models.CreateSuccessStoryPayload) (*models.SuccessStory, error) {
	return call[models.SuccessStory](ctx, c, http.MethodPost, "/v1/stories", key, p)
}

// PullPets implements Client.
func (c *HTTPClient) PullPets(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.Pet], error) {
	return call[Delta[*models.Pet]](ctx, c, http.MethodGet, pullPath(ownerID, "pets", since), "", nil)
}

// PullAlerts implements Client.
func (c *HTTPClient) PullAlerts(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.Alert], error) {
	return call[Delta[*models.Alert]](ctx, c, http.MethodGet, pullPath(ownerID, "alerts", since), "", nil)
}

// PullStories implements Client.
func (c *HTTPClient) PullStories(ctx context.Context, ownerID models.UUID, since int64) (*Delta[*models.SuccessStory], error) {
	return call[Delta[*models.SuccessStory]](ctx, c, http.MethodGet, pullPath(ownerID, "stories", since), "", nil)
}

// call returns nil without error when the server answers with no body.
func call[T any](ctx context.Context, c *HTTPClient, method, path string, key models.UUID, body interface{}) (*T, error) {
	var out T
	decoded, err := c.do(ctx, method, path, key, body, &out)
	if err != nil || !decoded {
		return nil, err
	}
	return &out, nil
}

func pullPath(ownerID models.UUID, kind string, since int64) string {
	return "/v1/owners/" + url.PathEscape(ownerID.String()) + "/" + kind + "?since=" + strconv.FormatInt(since, 10)
}

// do sends one request and decodes a JSON response into out, reporting
// whether there was a body to decode. Errors are returned classified.
func (c *HTTPClient) do(ctx context.Context, method, path string, key models.UUID, body, out interface{}) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, Classify(err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !key.IsZero() {
		req.Header.Set(IdempotencyHeader, key.String())
	}
	if c.config.Tokens != nil {
		token, err := c.config.Tokens.Token(ctx)
		if err != nil {
			return false, Classify(fmt.Errorf("obtain token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, Classify(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	logging.Debug("Remote call finished", map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, statusErr) != nil || statusErr.Message == "" {
			statusErr.Message = strings.TrimSpace(string(data))
		}
		return false, Classify(statusErr)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, Classify(fmt.Errorf("read %s %s response: %w", method, path, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, Classify(fmt.Errorf("decode %s %s response: %w", method, path, err))
	}
	return true, nil
}
