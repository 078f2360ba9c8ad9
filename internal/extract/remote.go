// Package extract provides clients for the token-extraction engine. The
// engine owns all CSS interpretation; this package only ships stylesheets
// out and token sets back.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tokenlens/tokenlens/internal/scan"
	"github.com/tokenlens/tokenlens/internal/token"
)

// RemoteConfig points at the extraction engine.
type RemoteConfig struct {
	// BaseURL is the engine root, e.g. http://extractor:9100.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// extractRequest is the engine wire format.
type extractRequest struct {
	PageURL     string            `json:"page_url"`
	Stylesheets []scan.Stylesheet `json:"stylesheets"`
}

type extractResponse struct {
	Tokens token.Set `json:"tokens"`
	Error  string    `json:"error,omitempty"`
}

// Remote implements scan.Extractor over the engine's HTTP API.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote builds a Remote extractor.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extractor base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Extract posts the collected stylesheets and returns the engine's token set.
func (r *Remote) Extract(ctx context.Context, pageURL string, sheets []scan.Stylesheet) (token.Set, error) {
	body, err := json.Marshal(extractRequest{PageURL: pageURL, Stylesheets: sheets})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction engine: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction engine returned %d: %s", resp.StatusCode, truncate(data, 200))
	}
	var out extractResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("extraction engine: %s", out.Error)
	}
	if out.Tokens == nil {
		out.Tokens = token.Set{}
	}
	return out.Tokens, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
