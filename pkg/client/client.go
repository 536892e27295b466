package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/api"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
)

// Client queries a gateway node's HTTP surface for CLI usage
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the gateway at addr ("host:port" or a URL)
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway address %q: %w", addr, err)
	}

	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Presence returns the active users on entity. A nil threshold uses the
// gateway's configured default; zero disables filtering.
func (c *Client) Presence(ctx context.Context, entity types.Entity, threshold *time.Duration) (*api.PresenceResponse, error) {
	path := "/presence/" + url.PathEscape(entity.String())
	if threshold != nil {
		path += "?threshold=" + url.QueryEscape(threshold.String())
	}

	var resp api.PresenceResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to query presence of %s: %w", entity, err)
	}
	return &resp, nil
}

// Ready returns the gateway's readiness report. A not-ready gateway is not
// an error; inspect Status.
func (c *Client) Ready(ctx context.Context) (*metrics.HealthStatus, error) {
	var status metrics.HealthStatus
	if err := c.get(ctx, "/ready", &status); err != nil {
		return nil, fmt.Errorf("failed to query readiness: %w", err)
	}
	return &status, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("gateway returned %s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
