package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/tidelink/internal/api"
)

// apiClient talks to a running agent's local HTTP API.
type apiClient struct {
	r *resty.Client
}

type apiError struct {
	Message string `json:"error"`
}

func newAPIClient(addr string) *apiClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		r: resty.New().
			SetBaseURL(strings.TrimRight(addr, "/")).
			SetTimeout(30 * time.Second),
	}
}

// do sends a request and decodes a JSON response into v. Non-2xx responses
// become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body []byte, v any) error {
	var apiErr apiError
	req := c.r.R().SetContext(ctx).SetError(&apiErr)
	if v != nil {
		req.SetResult(v)
	}
	if body != nil {
		req.SetHeader("Content-Type", contentType).SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Message, resp.StatusCode())
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, v)
}

func escapeID(id string) string {
	return url.PathEscape(id)
}

// addClientFlags registers the flags shared by commands that reach the API.
func addClientFlags(cmd *cobra.Command, addr *string, asJSON *bool) {
	cmd.Flags().StringVar(addr, "api", api.DefaultListen, "address of the agent's HTTP API")
	cmd.Flags().BoolVar(asJSON, "json", false, "print JSON instead of a table")
}

// wantJSON reports whether output should be JSON: asked for explicitly, or
// written somewhere other than a terminal.
func wantJSON(w io.Writer, asJSON bool) bool {
	if asJSON {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
