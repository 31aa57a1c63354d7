package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/rheometer/internal/httputil"
)

// ErrRigUnavailable is returned when a running rig cannot be reached.
var ErrRigUnavailable = errors.New("rig not reachable")

// Client talks to the API of a running rig.
type Client struct {
	http httputil.HTTPClient
	base string
}

// NewClient returns a client for the rig at addr, given as host:port or a
// full URL.
func NewClient(c httputil.HTTPClient, addr string) *Client {
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		addr = "http://" + addr
	}
	return &Client{http: c, base: strings.TrimRight(addr, "/")}
}

// Status fetches GET /api/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, http.StatusOK, &st)
	return st, err
}

// Abort posts an abort with the given reason.
func (c *Client) Abort(ctx context.Context, reason string) error {
	body, err := json.Marshal(AbortRequest{Reason: reason})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/abort", body, http.StatusAccepted, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRigUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, httputil.MaxBodyBytes)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
