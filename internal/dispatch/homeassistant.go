package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"saferelay/internal/types"
)

// HomeAssistantClient talks to a Home Assistant instance over its REST API
// with a long-lived bearer token. All calls go through the shared baseClient
// so HA outages trip the breaker instead of piling up retries.
type HomeAssistantClient struct {
	base    *baseClient
	baseURL string
	token   string
	logger  types.Logger
}

// HomeAssistantConfig carries the connection parameters.
type HomeAssistantConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewHomeAssistantClient(cfg HomeAssistantConfig, logger types.Logger) (*HomeAssistantClient, error) {
	if cfg.BaseURL == "" {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "home assistant base URL is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HomeAssistantClient{
		base:    newBaseClient(&http.Client{Timeout: cfg.Timeout}, "homeassistant", defaultHTTPRetryPolicy()),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger.With("component", "ha_client"),
	}, nil
}

func (c *HomeAssistantClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "cannot encode request body", err)
		}
		reader = strings.NewReader(string(buf))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "cannot build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("home assistant rejected %s %s: %d %s", method, path, resp.StatusCode, string(snippet)), nil)
	}
	return resp, nil
}

// GetZoneHome reads the home coordinates from the zone.home entity. Used at
// startup when no explicit home location is configured.
func (c *HomeAssistantClient) GetZoneHome(ctx context.Context) (lat, lon float64, err error) {
	resp, err := c.request(ctx, http.MethodGet, "/api/states/zone.home", nil)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var state struct {
		Attributes struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"attributes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeUpstreamRejected, "cannot decode zone.home state", err)
	}
	if state.Attributes.Latitude == nil || state.Attributes.Longitude == nil {
		return 0, 0, types.NewAppError(types.ErrCodeUpstreamRejected, "zone.home has no coordinates", nil)
	}

	c.logger.Info("loaded home coordinates from zone.home",
		"lat", *state.Attributes.Latitude, "lon", *state.Attributes.Longitude)
	return *state.Attributes.Latitude, *state.Attributes.Longitude, nil
}

// SetState writes an entity state with attributes.
func (c *HomeAssistantClient) SetState(ctx context.Context, entityID, state string, attrs map[string]any) error {
	body := map[string]any{"state": state}
	if len(attrs) > 0 {
		body["attributes"] = attrs
	}
	resp, err := c.request(ctx, http.MethodPost, "/api/states/"+url.PathEscape(entityID), body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// FireEvent fires a custom event on the Home Assistant event bus.
func (c *HomeAssistantClient) FireEvent(ctx context.Context, event string, data map[string]any) error {
	resp, err := c.request(ctx, http.MethodPost, "/api/events/"+url.PathEscape(event), data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CallService invokes a Home Assistant service such as tts/speak.
func (c *HomeAssistantClient) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	resp, err := c.request(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
