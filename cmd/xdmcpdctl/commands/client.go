package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tessel-systems/xdmcpd/internal/server"
)

// apiClient is a thin JSON HTTP client for the admin API, grounded on the
// teacher's ConnectRPC client shape but speaking plain REST/JSON since
// the admin API has no generated stubs.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// listDisplays fetches GET /v1/displays.
func (c *apiClient) listDisplays(ctx context.Context) ([]server.DisplayResponse, error) {
	var out []server.DisplayResponse
	if err := c.get(ctx, "/v1/displays", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// getDisplay fetches GET /v1/displays/{key}.
func (c *apiClient) getDisplay(ctx context.Context, key string) (*server.DisplayResponse, error) {
	var out server.DisplayResponse
	if err := c.get(ctx, "/v1/displays/"+key, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// postChosen issues POST /v1/chosen.
func (c *apiClient) postChosen(ctx context.Context, req server.ChosenRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chosen request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chosen", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post chosen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// events opens GET /v1/events and returns the raw response for the caller
// to stream line-by-line; the caller is responsible for closing the body.
func (c *apiClient) events(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// apiError builds an error from a non-2xx response body, which is a
// server.ErrorResponse JSON object.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var e server.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
}
