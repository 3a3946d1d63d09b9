package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client implements Backend against the cloud release API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a backend client for the given endpoint and auth token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		base:  strings.TrimSuffix(endpoint, "/"),
		token: token,
		http:  http.DefaultClient,
	}
}

// NewClientWithHTTP creates a client with an explicit http.Client, for tests.
func NewClientWithHTTP(endpoint, token string, hc *http.Client) *Client {
	c := NewClient(endpoint, token)
	c.http = hc
	return c
}

// releaseWire mirrors Release on the wire plus backend-internal metadata the
// pipeline strips before further use.
type releaseWire struct {
	Release
	Metadata json.RawMessage `json:"__metadata,omitempty"`
}

// CreateRelease persists a new release record.
func (c *Client) CreateRelease(ctx context.Context, r *Release) (*Release, error) {
	var wire releaseWire
	if err := c.doJSON(ctx, http.MethodPost, "/v1/releases", r, &wire); err != nil {
		return nil, fmt.Errorf("creating release: %w", err)
	}
	created := wire.Release // metadata dropped here
	return &created, nil
}

// UpdateImage persists one service image's record.
func (c *Client) UpdateImage(ctx context.Context, img *ServiceImage) error {
	if img.ID == "" {
		return fmt.Errorf("updating image for %s: no identity assigned", img.Service)
	}
	path := "/v1/images/" + img.ID
	if err := c.doJSON(ctx, http.MethodPatch, path, img, nil); err != nil {
		return fmt.Errorf("updating image %s: %w", img.Service, err)
	}
	return nil
}

// UpdateRelease persists the release's final state.
func (c *Client) UpdateRelease(ctx context.Context, r *Release) error {
	if r.ID == "" {
		return fmt.Errorf("updating release: no identity assigned")
	}
	path := "/v1/releases/" + r.ID
	if err := c.doJSON(ctx, http.MethodPatch, path, r, nil); err != nil {
		return fmt.Errorf("updating release: %w", err)
	}
	return nil
}

// LatestSuccessfulImages returns image locations from the application's most
// recent successful release.
func (c *Client) LatestSuccessfulImages(ctx context.Context, appID string) ([]string, error) {
	var wire releaseWire
	path := "/v1/applications/" + appID + "/releases/latest?status=success"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, fmt.Errorf("querying latest release: %w", err)
	}
	var locations []string
	for _, img := range wire.Images {
		if img.Location != "" {
			locations = append(locations, img.Location)
		}
	}
	return locations, nil
}

// GrantRegistryToken requests a scoped pull/push token.
func (c *Client) GrantRegistryToken(ctx context.Context, repos []string) (*RegistryToken, error) {
	req := struct {
		Repos []string `json:"repos"`
	}{Repos: repos}
	var token RegistryToken
	if err := c.doJSON(ctx, http.MethodPost, "/v1/registry/token", req, &token); err != nil {
		return nil, fmt.Errorf("granting registry token: %w", err)
	}
	return &token, nil
}

// doJSON executes a JSON API call with auth, decoding into result when set.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, truncateBody(respBody, 512))
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

func truncateBody(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
