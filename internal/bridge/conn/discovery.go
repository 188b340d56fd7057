package conn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-bridge/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TargetInfo is one entry of the /json/list endpoint.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the body of the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ResolveURL returns the control socket URL for the configured target.
// A configured websocket_url wins; otherwise the debugger HTTP endpoints
// are queried.
func ResolveURL(ctx context.Context, client *http.Client, cfg config.TargetConfig) (string, error) {
	if cfg.WebSocketURL != "" {
		return cfg.WebSocketURL, nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	base := url.URL{Scheme: "http", Host: cfg.Address()}

	switch cfg.Type {
	case config.TargetTypeBrowser:
		var info VersionInfo
		base.Path = "/json/version"
		if err := getJSON(ctx, client, base.String(), &info); err != nil {
			return "", err
		}
		if info.WebSocketDebuggerURL == "" {
			return "", fmt.Errorf("%s returned no webSocketDebuggerUrl", base.String())
		}
		return info.WebSocketDebuggerURL, nil
	default:
		var targets []TargetInfo
		base.Path = "/json/list"
		if err := getJSON(ctx, client, base.String(), &targets); err != nil {
			return "", err
		}
		for _, t := range targets {
			if t.Type == config.TargetTypePage && t.WebSocketDebuggerURL != "" {
				return t.WebSocketDebuggerURL, nil
			}
		}
		return "", fmt.Errorf("no page target exposed at %s", base.String())
	}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("discovery request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discovery request to %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", endpoint, err)
	}
	return nil
}
