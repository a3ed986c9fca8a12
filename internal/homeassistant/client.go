// Package homeassistant provides clients for the Home Assistant REST
// and WebSocket APIs.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/config"
	"github.com/bergerjacob/llm-home-assistant/internal/httpkit"
)

// ErrNotFound is returned when Home Assistant reports 404 for an entity.
var ErrNotFound = errors.New("not found")

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client. Connect failures are
// retried three times, waiting 2s, 4s and 8s.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: httpkit.NewClient(httpkit.Options{
			Token:   token,
			Retries: 3,
			Backoff: 2 * time.Second,
			Logger:  logger,
		}),
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the part of the entity id before the first dot.
func (s State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// FriendlyName returns the friendly_name attribute, or "".
func (s State) FriendlyName() string {
	name, _ := s.Attributes["friendly_name"].(string)
	return name
}

// ServiceDomain is one entry of GET /api/services.
type ServiceDomain struct {
	Domain   string                     `json:"domain"`
	Services map[string]json.RawMessage `json:"services"`
}

// Config is the subset of /api/config logged when the connection comes up.
type Config struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
}

// Ping checks if the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state. Unknown entities return an
// error wrapping ErrNotFound.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetServices retrieves the service registry grouped by domain.
func (c *Client) GetServices(ctx context.Context) ([]ServiceDomain, error) {
	var domains []ServiceDomain
	if err := c.get(ctx, "/api/services", &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// CallService calls a Home Assistant service. The REST API returns only
// after the service call has completed.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	return c.post(ctx, path, data, nil)
}

// SetState writes a state and attributes for entityID directly into the
// state machine. Used for the response display sensor.
func (c *Client) SetState(ctx context.Context, entityID, state string, attributes map[string]any) error {
	body := map[string]any{"state": state, "attributes": attributes}
	return c.post(ctx, "/api/states/"+url.PathEscape(entityID), body, nil)
}

// FireEvent fires eventType on the Home Assistant event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	return c.post(ctx, "/api/events/"+url.PathEscape(eventType), data, nil)
}

// RenderTemplate renders a Jinja template server-side and returns the
// raw output.
func (c *Client) RenderTemplate(ctx context.Context, template string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/template", map[string]string{"template": template})
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body)

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read template output: %w", err)
	}
	return string(out), nil
}

// areaTemplate renders {"entity_id": "Area Name", ...} for every entity
// assigned to an area. The JSON is assembled by hand because the
// template sandbox forbids dict mutation.
const areaTemplate = `{% set ns = namespace(items=[]) %}
{%- for s in states %}{% set a = area_name(s.entity_id) %}{% if a %}{% set ns.items = ns.items + [[s.entity_id, a]] %}{% endif %}{% endfor -%}
{ {%- for item in ns.items %}{{ item[0] | to_json }}: {{ item[1] | to_json }}{% if not loop.last %},{% endif %}{% endfor -%} }`

// EntityAreas maps entity ids to area names. Entities without an area
// are absent.
func (c *Client) EntityAreas(ctx context.Context) (map[string]string, error) {
	out, err := c.RenderTemplate(ctx, areaTemplate)
	if err != nil {
		return nil, fmt.Errorf("render area template: %w", err)
	}
	areas := make(map[string]string)
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &areas); err != nil {
		return nil, fmt.Errorf("decode area map: %w", err)
	}
	return areas, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.exchange(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, data, result any) error {
	return c.exchange(ctx, http.MethodPost, path, data, result)
}

// exchange sends data as JSON and decodes a JSON reply into result when
// result is non-nil.
func (c *Client) exchange(ctx context.Context, method, path string, data, result any) error {
	resp, err := c.do(ctx, method, path, data)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body)
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do sends the request and returns the response for any 2xx status. A
// 404 becomes ErrNotFound; other statuses wrap *httpkit.StatusError.
func (c *Client) do(ctx context.Context, method, path string, data any) (*http.Response, error) {
	var body io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		c.logger.Log(ctx, config.LevelTrace, "home assistant request", "method", method, "path", path, "json", string(raw))
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		var se *httpkit.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
