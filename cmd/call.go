// File: cmd/call.go
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-bridge/internal/api"
)

func newCallCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call Domain.method [params-json]",
		Short: "Send one DevTools command through a running bridge",
		Example: `  scalpel-bridge call Page.navigate '{"url":"https://example.com"}'
  scalpel-bridge call Runtime.evaluate '{"expression":"document.title","returnByValue":true}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			req := api.CommandRequest{Method: args[0], TimeoutMS: timeout.Milliseconds()}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON")
				}
				req.Params = json.RawMessage(args[1])
			}

			data, err := callBridge(cmd.Context(), addr, req, timeout)
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(data)
			}
			pretty.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(pretty.Bytes())
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "facade address (defaults to server.listen_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "command timeout")
	return cmd
}

// callBridge posts req to the facade and returns the data field of a
// successful envelope.
func callBridge(ctx context.Context, addr string, req api.CommandRequest, timeout time.Duration) (json.RawMessage, error) {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+"/api/v1/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout + 5*time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach bridge at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", err)
	}

	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unexpected response from bridge (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		return nil, fmt.Errorf("command failed (%d): %s", resp.StatusCode, env.Error)
	}
	return env.Data, nil
}
