// Package directory talks to the HTTP directory that assigns players to
// zone servers, and provides a development implementation of it.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"zoneclient/internal/protocol"
)

// ErrNotFound is returned when the directory does not know the player.
var ErrNotFound = errors.New("directory: not found")

// Error describes a failed directory request.
type Error struct {
	Method string
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("directory %s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("directory %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL string
	http    *http.Client
	group   singleflight.Group
}

// NewClient returns a client for the directory at baseURL. A non-positive
// timeout defaults to five seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Register announces the player and returns the server it was assigned to.
func (c *Client) Register(ctx context.Context, playerID, name string) (Registration, error) {
	var reg Registration
	err := c.do(ctx, http.MethodPost, "/players/register", RegisterRequest{PlayerID: playerID, Name: name}, &reg)
	return reg, err
}

// ActionServers lists every zone server the directory knows about.
func (c *Client) ActionServers(ctx context.Context) ([]protocol.ServerDescriptor, error) {
	var servers []protocol.ServerDescriptor
	err := c.do(ctx, http.MethodGet, "/action-servers", nil, &servers)
	return servers, err
}

// PlayerServer returns the authoritative server for playerID. Concurrent
// lookups for the same player share one request.
func (c *Client) PlayerServer(ctx context.Context, playerID string) (protocol.ServerDescriptor, error) {
	v, err, _ := c.group.Do(playerID, func() (any, error) {
		var server protocol.ServerDescriptor
		err := c.do(ctx, http.MethodGet, "/players/"+url.PathEscape(playerID)+"/server", nil, &server)
		return server, err
	})
	if err != nil {
		return protocol.ServerDescriptor{}, err
	}
	return v.(protocol.ServerDescriptor), nil
}

// Assign reassigns playerID to serverID.
func (c *Client) Assign(ctx context.Context, playerID, serverID string) error {
	return c.do(ctx, http.MethodPut, "/players/"+url.PathEscape(playerID)+"/server", AssignRequest{ServerID: serverID}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	target := c.baseURL + path
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Method: method, URL: target, Err: err}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Method: method, URL: target, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Method: method, URL: target, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return &Error{Method: method, URL: target, Status: resp.StatusCode, Err: ErrNotFound}
	}
	if resp.StatusCode >= 300 {
		return &Error{Method: method, URL: target, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Method: method, URL: target, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
